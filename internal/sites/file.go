package sites

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	. "github.com/roelfdiedericks/duoprompt/internal/logging"
)

// File is the on-disk shape of a sites.yaml override file.
type File struct {
	Sites []Site `yaml:"sites"`
}

// ParseFile decodes a sites.yaml document.
func ParseFile(data []byte) ([]Site, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse sites file: %w", err)
	}
	return f.Sites, nil
}

// LoadFile reads a sites.yaml file and merges it into r. Entries with an
// existing ID replace the builtin entry. A missing file is not an error.
func (r *Registry) LoadFile(path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			L_debug("sites: no override file", "path", path)
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read sites file: %w", err)
	}

	list, err := ParseFile(data)
	if err != nil {
		return 0, err
	}
	for _, s := range list {
		if err := r.Put(s); err != nil {
			return 0, fmt.Errorf("%s: %w", path, err)
		}
		L_info("sites: loaded override", "id", s.ID, "origins", s.Origins)
	}
	return len(list), nil
}
