// Package reference resolves reference tasks into calibrated parameters for
// the target tasks they feed.
package reference

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/andresmejia3/spotter/internal/geom"
	"github.com/andresmejia3/spotter/internal/params"
)

// Type selects how a found anchor calibrates its target.
type Type string

const (
	// Location reprojects the inference region (and children) from the anchor.
	Location Type = "location"
	// Length turns a measured pixel length into the target's scale.
	Length Type = "length"
)

// Axis picks the dimension a Length reference measures.
type Axis string

const (
	Width  Axis = "width"
	Height Axis = "height"
)

// ErrInvalid wraps every reference configuration failure.
var ErrInvalid = errors.New("invalid reference configuration")

// Entry links one reference task to one target.
type Entry struct {
	TaskID            string      `mapstructure:"task_id" validate:"required"`
	Type              Type        `mapstructure:"type" validate:"required,oneof=location length"`
	CalibrationRegion geom.Rect   `mapstructure:"calibration_region"`
	InferenceRegion   geom.Rect   `mapstructure:"inference_region"`
	Children          []geom.Rect `mapstructure:"children"`
	Axis              Axis        `mapstructure:"axis" validate:"omitempty,oneof=width height"`
	TargetTaskID      string      `mapstructure:"target_task_id" validate:"required,nefield=TaskID"`
	ElementIndices    []int       `mapstructure:"element_indices" validate:"dive,gte=0"`
}

// File is the on-disk reference configuration.
type File struct {
	References []Entry `mapstructure:"references" validate:"dive"`
}

var validate = validator.New()

// Load reads a reference configuration file. The format follows the
// extension (yaml, json, toml).
func Load(path string) ([]Entry, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read reference config %s: %w", path, err)
	}
	return decode(v)
}

// Parse reads a reference configuration of the given format from r.
func Parse(r io.Reader, format string) ([]Entry, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("read reference config: %w", err)
	}
	return decode(v)
}

func decode(v *viper.Viper) ([]Entry, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for i := range f.References {
		e := &f.References[i]
		e.TaskID = params.NormalizeID(e.TaskID)
		e.TargetTaskID = params.NormalizeID(e.TargetTaskID)
	}
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for i, e := range f.References {
		if err := e.check(); err != nil {
			return nil, fmt.Errorf("%w: reference %d (%s): %v", ErrInvalid, i, e.TaskID, err)
		}
	}
	return f.References, nil
}

func (e Entry) check() error {
	if e.CalibrationRegion.IsUnset() {
		return errors.New("calibration_region must have positive size")
	}
	switch e.Type {
	case Location:
		if e.InferenceRegion.IsUnset() {
			return errors.New("location reference needs an inference_region")
		}
		for i, c := range e.Children {
			if c.IsUnset() {
				return fmt.Errorf("child %d must have positive size", i)
			}
		}
	case Length:
		if len(e.Children) > 0 {
			return errors.New("length reference cannot have children")
		}
	}
	return nil
}

// Validate checks entries built in code.
func Validate(entries []Entry) error {
	if err := validate.Struct(File{References: entries}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for i, e := range entries {
		if err := e.check(); err != nil {
			return fmt.Errorf("%w: reference %d (%s): %v", ErrInvalid, i, e.TaskID, err)
		}
	}
	return nil
}
