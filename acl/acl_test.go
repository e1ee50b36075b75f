package acl

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xulek/rustsocks/model"
)

const sampleTOML = `
[global]
default_policy = "allow"

[[groups]]
name = "blocked-net"
[[groups.rules]]
action = "block"
description = "corp network blocked"
destinations = ["10.0.0.0/8"]
ports = ["*"]
protocols = ["tcp", "udp"]
priority = 100

[[users]]
username = "alice"
groups = ["blocked-net"]
[[users.rules]]
action = "allow"
description = "alice can reach metrics port"
destinations = ["10.1.2.3"]
ports = ["9100"]
protocols = ["tcp"]
priority = 200
`

func mustParse(t *testing.T) *model.AclConfig {
	t.Helper()
	cfg, err := Parse([]byte(sampleTOML))
	require.NoError(t, err)
	return cfg
}

func TestEvaluate_DefaultPolicyWhenNoRuleMatches(t *testing.T) {
	cfg := mustParse(t)
	eng := NewEngine(cfg, nil)

	dest := model.NewIPDestination(net.ParseIP("8.8.8.8"), 443, model.TCP)
	d := eng.Evaluate(model.Identity{Username: "bob"}, dest, 443, model.TCP)
	require.Equal(t, model.Allow, d.Action)
}

func TestEvaluate_BlockByDestination(t *testing.T) {
	cfg := mustParse(t)
	eng := NewEngine(cfg, nil)

	dest := model.NewIPDestination(net.ParseIP("10.1.2.3"), 80, model.TCP)
	d := eng.Evaluate(model.Identity{Username: "carol", Groups: []string{"blocked-net"}}, dest, 80, model.TCP)
	require.Equal(t, model.Block, d.Action)
	require.Equal(t, "corp network blocked", d.MatchedRule)
}

func TestEvaluate_HigherPriorityUserRuleWinsOverGroupBlock(t *testing.T) {
	cfg := mustParse(t)
	eng := NewEngine(cfg, nil)

	dest := model.NewIPDestination(net.ParseIP("10.1.2.3"), 9100, model.TCP)
	d := eng.Evaluate(model.Identity{Username: "alice", Groups: []string{"blocked-net"}}, dest, 9100, model.TCP)
	require.Equal(t, model.Allow, d.Action)
	require.Equal(t, "alice can reach metrics port", d.MatchedRule)
}

func TestEvaluate_SamePriorityBlockBeatsAllow(t *testing.T) {
	cfg := &model.AclConfig{
		DefaultPolicy: model.Allow,
		Users: []model.User{{
			Name: "dave",
			Rules: []model.AclRule{
				{Action: model.Allow, Priority: 50, Description: "allow-all", InsertionIndex: 0,
					Destinations: []model.DestMatcher{model.MatchAllDestMatcher{}},
					Ports:        []model.PortMatcher{model.MatchAllPortMatcher{}},
					Protocols:    map[model.Transport]struct{}{model.TCP: {}},
				},
				{Action: model.Block, Priority: 50, Description: "block-all", InsertionIndex: 1,
					Destinations: []model.DestMatcher{model.MatchAllDestMatcher{}},
					Ports:        []model.PortMatcher{model.MatchAllPortMatcher{}},
					Protocols:    map[model.Transport]struct{}{model.TCP: {}},
				},
			},
		}},
	}
	eng := NewEngine(cfg, nil)
	dest := model.NewIPDestination(net.ParseIP("1.2.3.4"), 80, model.TCP)
	d := eng.Evaluate(model.Identity{Username: "dave"}, dest, 80, model.TCP)
	require.Equal(t, model.Block, d.Action, "at equal priority, block must precede allow")
}

func TestEvaluate_DeterministicAcrossReloadsOfIdenticalConfig(t *testing.T) {
	cfg := mustParse(t)
	eng := NewEngine(cfg, nil)
	dest := model.NewIPDestination(net.ParseIP("10.1.2.3"), 80, model.TCP)

	before := eng.Evaluate(model.Identity{Username: "carol"}, dest, 80, model.TCP)
	require.NoError(t, eng.Reload(mustParse(t)))
	after := eng.Evaluate(model.Identity{Username: "carol"}, dest, 80, model.TCP)
	require.Equal(t, before, after)
}

func TestEvaluate_UnknownGroupReferenceIgnoredNotFatal(t *testing.T) {
	cfg := &model.AclConfig{
		DefaultPolicy: model.Block,
		Users: []model.User{{
			Name:   "erin",
			Groups: []string{"does-not-exist"},
		}},
	}
	require.NotPanics(t, func() {
		eng := NewEngine(cfg, nil)
		dest := model.NewIPDestination(net.ParseIP("1.2.3.4"), 80, model.TCP)
		d := eng.Evaluate(model.Identity{Username: "erin"}, dest, 80, model.TCP)
		require.Equal(t, model.Block, d.Action)
	})
}

func TestWildcardDomainMatcher(t *testing.T) {
	wc := model.WildcardDomainMatcher{Suffix: "example.com"}
	require.True(t, wc.Matches(model.NewDomainDestination("a.example.com", 80, model.TCP)))
	require.True(t, wc.Matches(model.NewDomainDestination("A.B.Example.COM", 80, model.TCP)))
	require.False(t, wc.Matches(model.NewDomainDestination("example.com", 80, model.TCP)))
	require.False(t, wc.Matches(model.NewDomainDestination("notexample.com", 80, model.TCP)))
}

func TestParsePortMatcher_RejectsInvalidRanges(t *testing.T) {
	_, err := parsePortMatcher("0-0")
	require.Error(t, err)
	_, err = parsePortMatcher("65536")
	require.Error(t, err)
	_, err = parsePortMatcher("100-50")
	require.Error(t, err)

	m, err := parsePortMatcher("100-200")
	require.NoError(t, err)
	require.True(t, m.Matches(150))
	require.False(t, m.Matches(250))
}

func TestParseDestMatcher_RejectsCIDRWithHostBits(t *testing.T) {
	_, err := parseDestMatcher("10.0.0.1/8")
	require.Error(t, err)

	_, err = parseDestMatcher("10.0.0.0/8")
	require.NoError(t, err)
}

func TestParse_RejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
[global]
default_policy = "allow"
unknown_key = "boom"
`))
	require.Error(t, err)
}

func TestParse_ReportsMultipleRuleIndexErrors(t *testing.T) {
	_, err := Parse([]byte(`
[global]
default_policy = "allow"

[[users]]
username = "f"
[[users.rules]]
action = "bogus"
destinations = ["*"]
ports = ["*"]
protocols = ["tcp"]
[[users.rules]]
action = "allow"
destinations = ["*"]
ports = ["0-0"]
protocols = ["tcp"]
`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "rules[0]")
	require.Contains(t, err.Error(), "rules[1]")
}
