package acl

import (
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/xulek/rustsocks/model"
)

// snapshot is the immutable, version-stamped, precompiled form of an
// AclConfig: for every known principal, the
// flattened rule list pre-sorted so reloads of identical configs always
// produce identical decisions.
type snapshot struct {
	version       uint64
	defaultPolicy model.AclAction
	byUser        map[string][]model.AclRule
	byGroup       map[string][]model.AclRule
	userGroups    map[string][]string
}

// buildSnapshot flattens cfg into a snapshot, logging (never failing on)
// unknown group references.
func buildSnapshot(cfg *model.AclConfig, version uint64, log logrus.FieldLogger) *snapshot {
	s := &snapshot{
		version:       version,
		defaultPolicy: cfg.DefaultPolicy,
		byUser:        make(map[string][]model.AclRule, len(cfg.Users)),
		byGroup:       make(map[string][]model.AclRule, len(cfg.Groups)),
		userGroups:    make(map[string][]string, len(cfg.Users)),
	}

	groupRules := make(map[string][]model.AclRule, len(cfg.Groups))
	knownGroups := make(map[string]struct{}, len(cfg.Groups))
	for _, g := range cfg.Groups {
		groupRules[strings.ToLower(g.Name)] = g.Rules
		knownGroups[strings.ToLower(g.Name)] = struct{}{}
		s.byGroup[strings.ToLower(g.Name)] = sortRules(renumber(append([]model.AclRule(nil), g.Rules...)))
	}

	for _, u := range cfg.Users {
		combined := append([]model.AclRule(nil), u.Rules...)
		var resolvedGroups []string
		for _, gname := range u.Groups {
			key := strings.ToLower(gname)
			if _, ok := knownGroups[key]; !ok {
				if log != nil {
					log.WithFields(logrus.Fields{
						"user":  u.Name,
						"group": gname,
					}).Warn("acl: unknown group reference ignored")
				}
				continue
			}
			resolvedGroups = append(resolvedGroups, key)
			combined = append(combined, groupRules[key]...)
		}
		s.userGroups[strings.ToLower(u.Name)] = resolvedGroups
		s.byUser[strings.ToLower(u.Name)] = sortRules(renumber(combined))
	}

	return s
}

// renumber stamps each rule's position in the flattened (user rules, then
// group rules in configuration order) list so the final sort tiebreak is
// over the combined list, not per-owner indices.
func renumber(rules []model.AclRule) []model.AclRule {
	for i := range rules {
		rules[i].InsertionIndex = i
	}
	return rules
}

// sortRules orders rules by (priority desc, action=block before allow,
// insertion index asc).
func sortRules(rules []model.AclRule) []model.AclRule {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Action != b.Action {
			return a.Action == model.Block
		}
		return a.InsertionIndex < b.InsertionIndex
	})
	return rules
}

// rulesFor returns the flattened, re-sorted rule list for a principal: the
// ACL config's own user rules (and the groups it declares) unioned with
// whatever extra groups the authentication adapter resolved at runtime
// — a username need not appear in the ACL file
// at all to inherit its groups' rules. Falls back to the default policy
// for principals that match no rule set at all.
func (s *snapshot) rulesFor(username string, runtimeGroups []string) []model.AclRule {
	key := strings.ToLower(username)
	combined := append([]model.AclRule(nil), s.byUser[key]...)
	declared := make(map[string]struct{}, len(s.userGroups[key]))
	for _, g := range s.userGroups[key] {
		declared[g] = struct{}{}
	}
	extra := false
	for _, g := range runtimeGroups {
		gk := model.NormalizeGroup(g)
		if _, already := declared[gk]; already {
			continue
		}
		if rules, ok := s.byGroup[gk]; ok {
			combined = append(combined, rules...)
			extra = true
		}
	}
	if extra {
		return sortRules(renumber(combined))
	}
	return combined
}
