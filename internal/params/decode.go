package params

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/spotter/internal/geom"
)

// rawConfig is the on-disk shape: the payload lives under a key named after
// the kind.
type rawConfig struct {
	TaskID   string           `yaml:"task_id"`
	Kind     Kind             `yaml:"kind"`
	Category Category         `yaml:"category"`
	ROI      geom.Rect        `yaml:"roi"`
	Scale    ScaleRange       `yaml:"scale"`
	Level    int              `yaml:"level"`
	Template *TemplatePayload `yaml:"template"`
	Color    *ColorPayload    `yaml:"color"`
	External *ExternalPayload `yaml:"external"`
}

// UnmarshalYAML decodes a configuration and selects the payload variant by kind.
// JSON documents decode through the same path.
func (c *Configuration) UnmarshalYAML(node *yaml.Node) error {
	var raw rawConfig
	if err := node.Decode(&raw); err != nil {
		return err
	}

	*c = Configuration{
		TaskID:   NormalizeID(raw.TaskID),
		Kind:     raw.Kind,
		Category: raw.Category,
		ROI:      raw.ROI,
		Scale:    raw.Scale,
		Level:    raw.Level,
	}

	switch raw.Kind {
	case KindTemplate:
		if raw.Template != nil {
			c.Payload = raw.Template
		}
	case KindColor:
		if raw.Color != nil {
			c.Payload = raw.Color
		}
	case KindExternal:
		if raw.External != nil {
			c.Payload = raw.External
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalid, raw.Kind)
	}
	return nil
}

// Group is a task group file: every task the engine should run.
type Group struct {
	GroupID string                   `yaml:"group_id"`
	Tasks   map[string]Configuration `yaml:"tasks"`
}

// IDs returns the task ids in sorted order.
func (g *Group) IDs() []string {
	ids := make([]string, 0, len(g.Tasks))
	for id := range g.Tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DecodeGroup reads a YAML or JSON group document. Map keys supply missing
// task ids; ids are normalized.
func DecodeGroup(r io.Reader) (*Group, error) {
	var g Group
	if err := yaml.NewDecoder(r).Decode(&g); err != nil {
		return nil, fmt.Errorf("decode task group: %w", err)
	}

	tasks := make(map[string]Configuration, len(g.Tasks))
	for key, cfg := range g.Tasks {
		if cfg.TaskID == "" {
			cfg.TaskID = NormalizeID(key)
		}
		if _, dup := tasks[cfg.TaskID]; dup {
			return nil, fmt.Errorf("%w: duplicate task id %q", ErrInvalid, cfg.TaskID)
		}
		tasks[cfg.TaskID] = cfg
	}
	g.Tasks = tasks
	return &g, nil
}

// LoadGroup reads a group file. Relative template paths resolve against the
// file's directory.
func LoadGroup(path string) (*Group, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	g, err := DecodeGroup(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	base := filepath.Dir(path)
	for id, cfg := range g.Tasks {
		if tp, ok := cfg.Payload.(*TemplatePayload); ok {
			for i := range tp.Templates {
				p := tp.Templates[i].Path
				if p != "" && !filepath.IsAbs(p) {
					tp.Templates[i].Path = filepath.Join(base, p)
				}
			}
		}
		g.Tasks[id] = cfg
	}
	return g, nil
}
