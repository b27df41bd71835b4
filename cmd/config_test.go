package krillcmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/krillcache/krill"
	"github.com/krillcache/krill/internal/acl"
)

func TestBuildRules(t *testing.T) {
	rules, err := buildRules([]krill.ACLRuleConfig{
		{Name: "localnet", Action: "allow", SrcNets: []string{"10.0.0.0/8", "192.0.2.7"}},
		{Name: "all", Action: "deny"},
	})
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, acl.Allow, rules[0].Action)
	require.Equal(t, acl.Deny, rules[1].Action)

	require.Len(t, rules[0].SrcNets, 2)
	// bare addresses become host-length prefixes
	require.Equal(t, 32, rules[0].SrcNets[1].Bits())
}

func TestBuildRulesRejectsBadInput(t *testing.T) {
	_, err := buildRules([]krill.ACLRuleConfig{{Name: "x", Action: "maybe"}})
	require.Error(t, err, "unknown action should fail")

	_, err = buildRules([]krill.ACLRuleConfig{
		{Name: "x", Action: "allow", SrcNets: []string{"not-a-net"}},
	})
	require.Error(t, err, "bad src net should fail")
}

func TestBuildTOSMapsRange(t *testing.T) {
	_, err := buildTOSMaps([]krill.TOSMapConfig{{TOS: 300}})
	require.Error(t, err, "tos above 255 should fail")

	maps, err := buildTOSMaps([]krill.TOSMapConfig{{TOS: 0x20}})
	require.NoError(t, err)
	require.Equal(t, 0x20, maps[0].TOS)
}

func TestBuildDenyInfo(t *testing.T) {
	out := buildDenyInfo(map[string]string{"blocked": "ERR_ACCESS_DENIED"})
	require.Equal(t, "ERR_ACCESS_DENIED", out["blocked"].String())
}
