package params

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ErrInvalid marks a malformed or incomplete task configuration.
var ErrInvalid = errors.New("invalid task configuration")

var validate = validator.New()

// Validate checks the common fields, the payload variant and its elements.
func Validate(c *Configuration) error {
	if c == nil {
		return fmt.Errorf("%w: nil configuration", ErrInvalid)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: task %q: %v", ErrInvalid, c.TaskID, err)
	}
	if c.Payload == nil {
		return fmt.Errorf("%w: task %q: missing %s payload", ErrInvalid, c.TaskID, c.Kind)
	}
	if c.Payload.Kind() != c.Kind {
		return fmt.Errorf("%w: task %q: payload is %s, kind is %s", ErrInvalid, c.TaskID, c.Payload.Kind(), c.Kind)
	}
	if err := validate.Struct(c.Payload); err != nil {
		return fmt.Errorf("%w: task %q: %v", ErrInvalid, c.TaskID, err)
	}
	if err := checkScale(c.Scale); err != nil {
		return fmt.Errorf("%w: task %q: %v", ErrInvalid, c.TaskID, err)
	}
	for i, e := range c.Elements() {
		if err := checkScale(e.Scale); err != nil {
			return fmt.Errorf("%w: task %q element %d: %v", ErrInvalid, c.TaskID, i, err)
		}
	}
	return nil
}

func checkScale(s ScaleRange) error {
	if s.IsZero() {
		return nil
	}
	if s.Max > 0 && s.Min > s.Max {
		return fmt.Errorf("scale min %.3f exceeds max %.3f", s.Min, s.Max)
	}
	return nil
}
