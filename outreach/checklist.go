package outreach

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Checklist is the user-maintained YAML file that seeds proactive check-ins.
type Checklist struct {
	Items []ChecklistItem `yaml:"items"`
}

type ChecklistItem struct {
	Text string `yaml:"text"`
	Done bool   `yaml:"done,omitempty"`
}

// Pending returns the not-done items in file order.
func (c Checklist) Pending() []string {
	out := make([]string, 0, len(c.Items))
	for _, it := range c.Items {
		if it.Done {
			continue
		}
		text := strings.TrimSpace(it.Text)
		if text == "" {
			continue
		}
		out = append(out, text)
	}
	return out
}

// ReadChecklist loads the checklist file. A missing file is not an error; it
// just means there is nothing scheduled.
func ReadChecklist(path string) (Checklist, bool, error) {
	path = expandHomePath(path)
	if strings.TrimSpace(path) == "" {
		return Checklist{}, true, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Checklist{}, true, nil
		}
		return Checklist{}, true, err
	}
	var c Checklist
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Checklist{}, true, err
	}
	return c, len(c.Pending()) == 0, nil
}

func expandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && home != "" {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
