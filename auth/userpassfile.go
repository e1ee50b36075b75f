package auth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// userPassFileEntry is one credential record in a userpass_file.
type userPassFileEntry struct {
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Groups   []string `yaml:"groups"`
}

// LoadUserPassFile reads a YAML credentials file (a list of
// username/password/groups records) into a ready UserPassStatic.
func LoadUserPassFile(path string) (*UserPassStatic, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("auth: read userpass file %s: %w", path, err)
	}
	var entries []userPassFileEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("auth: parse userpass file %s: %w", path, err)
	}

	credentials := make(map[string]string, len(entries))
	groups := make(map[string][]string, len(entries))
	for i, e := range entries {
		if e.Username == "" {
			return nil, fmt.Errorf("auth: userpass file %s: entry %d missing username", path, i)
		}
		credentials[e.Username] = e.Password
		if len(e.Groups) > 0 {
			groups[e.Username] = e.Groups
		}
	}
	return NewUserPassStatic(credentials, groups), nil
}
