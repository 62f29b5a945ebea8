package scope

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/diracgrid/dirac-auth/config"
)

func testRegistry() *config.Registry {
	return &config.Registry{
		VOs: map[string]config.VO{
			"lhcb": {
				DefaultGroup: "lhcb_user",
				Groups: map[string]config.Group{
					"lhcb_user":  {Users: []string{"chaen"}, Properties: []string{"NormalUser"}},
					"lhcb_prmgr": {Users: []string{"chaen"}, Properties: []string{"NormalUser", "ProductionManager"}},
				},
			},
			"gridpp": {
				// no default group configured
				Groups: map[string]config.Group{
					"gridpp_user": {Properties: []string{"NormalUser"}},
				},
			},
		},
	}
}

func TestParseAndValidate_DefaultsToVODefaultGroup(t *testing.T) {
	info, err := ParseAndValidate("property:NormalUser", "lhcb", testRegistry())
	require.NoError(t, err)
	require.Equal(t, "lhcb_user", info.Group)
	require.Equal(t, []string{"NormalUser"}, info.Properties)
}

func TestParseAndValidate_ExplicitGroup(t *testing.T) {
	info, err := ParseAndValidate("group:lhcb_prmgr property:ProductionManager", "lhcb", testRegistry())
	require.NoError(t, err)
	require.Equal(t, "lhcb_prmgr", info.Group)
	require.Equal(t, []string{"ProductionManager"}, info.Properties)
}

func TestParseAndValidate_UnrecognisedToken(t *testing.T) {
	_, err := ParseAndValidate("group:lhcb_user wat:nope", "lhcb", testRegistry())
	require.Error(t, err)
	require.IsType(t, &InvalidScopeError{}, err)
}

func TestParseAndValidate_MultipleGroups(t *testing.T) {
	_, err := ParseAndValidate("group:lhcb_user group:lhcb_prmgr", "lhcb", testRegistry())
	require.Error(t, err)
}

func TestParseAndValidate_UnknownGroup(t *testing.T) {
	_, err := ParseAndValidate("group:no_such_group", "lhcb", testRegistry())
	require.Error(t, err)
}

func TestParseAndValidate_UnknownProperty(t *testing.T) {
	_, err := ParseAndValidate("group:lhcb_user property:NotAProperty", "lhcb", testRegistry())
	require.Error(t, err)
}

func TestParseAndValidate_NoDefaultGroupForVO(t *testing.T) {
	_, err := ParseAndValidate("", "gridpp", testRegistry())
	require.Error(t, err)
}

func TestParseAndValidate_UnknownVO(t *testing.T) {
	_, err := ParseAndValidate("group:x", "atlas", testRegistry())
	require.Error(t, err)
}

func TestParseAndValidate_DuplicatePropertiesPreserved(t *testing.T) {
	info, err := ParseAndValidate("group:lhcb_user property:NormalUser property:NormalUser", "lhcb", testRegistry())
	require.NoError(t, err)
	require.Equal(t, []string{"NormalUser", "NormalUser"}, info.Properties)
}

func TestParseAndValidate_EmptyScopeWhitespace(t *testing.T) {
	info, err := ParseAndValidate("   ", "lhcb", testRegistry())
	require.NoError(t, err)
	require.Equal(t, "lhcb_user", info.Group)
	require.Empty(t, info.Properties)
}
