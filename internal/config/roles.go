package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRolesFile reads a YAML role configuration: a mapping from role name
// to either a plain permission list or an object with permissions,
// description, and inherits keys.
//
//	viewer:
//	  - "read:*"
//	editor:
//	  permissions: ["write:articles"]
//	  inherits: ["viewer"]
func LoadRolesFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roles file: %w", err)
	}

	var roles map[string]any
	if err := yaml.Unmarshal(data, &roles); err != nil {
		return nil, fmt.Errorf("parse roles file %s: %w", path, err)
	}
	return roles, nil
}
