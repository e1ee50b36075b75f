package acl

import (
	"bytes"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/xulek/rustsocks/model"
)

// fileRule is the TOML-facing shape of one ACL rule.
type fileRule struct {
	Action       string   `toml:"action" validate:"required,oneof=allow block"`
	Description  string   `toml:"description"`
	Destinations []string `toml:"destinations" validate:"required,min=1"`
	Ports        []string `toml:"ports" validate:"required,min=1"`
	Protocols    []string `toml:"protocols" validate:"required,min=1"`
	Priority     int      `toml:"priority"`
}

type fileGroup struct {
	Name  string     `toml:"name" validate:"required"`
	Rules []fileRule `toml:"rules"`
}

type fileUser struct {
	Username string     `toml:"username" validate:"required"`
	Groups   []string   `toml:"groups"`
	Rules    []fileRule `toml:"rules"`
}

type fileGlobal struct {
	DefaultPolicy string `toml:"default_policy" validate:"required,oneof=allow block"`
}

// fileConfig mirrors the ACL file's TOML layout: a [global] table, any
// number of [[groups]] (each with nested [[groups.rules]]), and any number
// of [[users]] (each with nested [[users.rules]]).
type fileConfig struct {
	Global fileGlobal  `toml:"global"`
	Groups []fileGroup `toml:"groups"`
	Users  []fileUser  `toml:"users"`
}

var structValidator = validator.New()

// LoadFile reads and parses path into a model.AclConfig, reporting every
// structural problem it finds — naming rule indices — rather than
// stopping at the first error.
func LoadFile(path string) (*model.AclConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("acl: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw TOML bytes into a model.AclConfig.
func Parse(data []byte) (*model.AclConfig, error) {
	var fc fileConfig
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&fc); err != nil {
		return nil, fmt.Errorf("acl: parse toml: %w", err)
	}

	var errs *multierror.Error

	cfg := &model.AclConfig{
		DefaultPolicy: model.AclAction(fc.Global.DefaultPolicy),
	}
	if err := structValidator.Struct(fc.Global); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("global: %w", err))
	}

	knownGroups := make(map[string]struct{}, len(fc.Groups))
	for gi, fg := range fc.Groups {
		if err := structValidator.Struct(fg); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("groups[%d] %q: %w", gi, fg.Name, err))
			continue
		}
		knownGroups[fg.Name] = struct{}{}
		rules, rerrs := convertRules(fmt.Sprintf("groups[%d] %q", gi, fg.Name), fg.Rules)
		if rerrs != nil {
			errs = multierror.Append(errs, rerrs)
		}
		cfg.Groups = append(cfg.Groups, model.Group{Name: fg.Name, Rules: rules})
	}

	for ui, fu := range fc.Users {
		if err := structValidator.Struct(fu); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("users[%d] %q: %w", ui, fu.Username, err))
			continue
		}
		// Unknown group references are logged and ignored, never fatal;
		// filtering happens at flatten time in snapshot.go where a logger
		// is available, so raw groups are kept here verbatim.
		rules, rerrs := convertRules(fmt.Sprintf("users[%d] %q", ui, fu.Username), fu.Rules)
		if rerrs != nil {
			errs = multierror.Append(errs, rerrs)
		}
		cfg.Users = append(cfg.Users, model.User{Name: fu.Username, Groups: fu.Groups, Rules: rules})
	}

	if errs != nil {
		return nil, errs.ErrorOrNil()
	}
	return cfg, nil
}

func convertRules(owner string, frules []fileRule) ([]model.AclRule, error) {
	var errs *multierror.Error
	rules := make([]model.AclRule, 0, len(frules))
	for ri, fr := range frules {
		if err := structValidator.Struct(fr); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s rules[%d]: %w", owner, ri, err))
			continue
		}
		rule := model.AclRule{
			Action:         model.AclAction(fr.Action),
			Description:    fr.Description,
			Priority:       fr.Priority,
			InsertionIndex: ri,
		}
		for _, d := range fr.Destinations {
			m, err := parseDestMatcher(d)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s rules[%d]: %w", owner, ri, err))
				continue
			}
			rule.Destinations = append(rule.Destinations, m)
		}
		for _, p := range fr.Ports {
			m, err := parsePortMatcher(p)
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s rules[%d]: %w", owner, ri, err))
				continue
			}
			rule.Ports = append(rule.Ports, m)
		}
		protos, err := parseProtocols(fr.Protocols)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s rules[%d]: %w", owner, ri, err))
		} else {
			rule.Protocols = protos
		}
		if len(rule.Destinations) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s rules[%d]: at least one destination matcher is required", owner, ri))
			continue
		}
		if len(rule.Ports) == 0 {
			errs = multierror.Append(errs, fmt.Errorf("%s rules[%d]: at least one port matcher is required", owner, ri))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, errs.ErrorOrNil()
}
