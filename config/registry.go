// Package config provides the concrete adapter this repository ships for
// the DIRAC Configuration registry collaborator: a read-only snapshot of
// VOs, groups, users, properties and known clients, loaded from a static
// YAML document. A production deployment would instead point this package
// at the real DIRAC Configuration Service; the interface it exposes
// (Registry) is what the rest of the server depends on.
package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// KnownProperties is the closed set of DIRAC security properties a scope or
// a token claim set may reference. Grounded on the set of properties DIRAC
// itself defines for its security framework.
var KnownProperties = map[string]bool{
	"NormalUser":         true,
	"ProductionManager":  true,
	"JobAdministrator":   true,
	"CSAdministrator":    true,
	"ServiceAdministrator": true,
	"Operator":           true,
	"FullDelegation":     true,
	"ProxyManagement":    true,
	"AlarmsManagement":   true,
	"TrustedHost":        true,
}

// IsKnownProperty reports whether name is one of the closed set of DIRAC
// security properties.
func IsKnownProperty(name string) bool { return KnownProperties[name] }

// Group is a named collection of users within a VO, carrying a set of
// properties granted to every member.
type Group struct {
	// Users lists the DIRAC subIds (not the raw upstream sub) allowed to
	// assume this group.
	Users      []string `json:"users"`
	Properties []string `json:"properties"`
}

// HasUser reports whether subId is a member of the group.
func (g Group) HasUser(subID string) bool {
	for _, u := range g.Users {
		if u == subID {
			return true
		}
	}
	return false
}

// IdP describes the upstream OIDC identity provider delegated to for one VO.
type IdP struct {
	ServerMetadataURL string   `json:"server_metadata_url"`
	ClientID          string   `json:"client_id"`
	IssuerAllowlist   []string `json:"issuer_allowlist"`
}

// VO is one tenant in the registry: its groups, its upstream-identity
// mapping, its default group, and its IdP.
type VO struct {
	DefaultGroup string           `json:"default_group"`
	Groups       map[string]Group `json:"groups"`
	// Users maps the upstream IdP's raw `sub` claim to the DIRAC subId used
	// in group membership and in issued claims. Sourced from the registry,
	// never hard-coded, per the design note that flags a fixed SID table as
	// a bug to be fixed rather than a contract.
	Users map[string]string `json:"users"`
	IdP   IdP               `json:"idp"`
}

// Client is a known DIRAC client application and the redirect URIs it is
// permitted to receive an authorization code at.
type Client struct {
	AllowedRedirects []string `json:"allowed_redirects"`
}

// Registry is the read-only configuration snapshot this server validates
// scopes and issues tokens against.
type Registry struct {
	VOs     map[string]VO     `json:"vos"`
	Clients map[string]Client `json:"clients"`
}

// VOByName looks up a VO by name.
func (r *Registry) VOByName(name string) (VO, bool) {
	vo, ok := r.VOs[name]
	return vo, ok
}

// Client looks up a known client by id.
func (r *Registry) Client(clientID string) (Client, bool) {
	c, ok := r.Clients[clientID]
	return c, ok
}

// RedirectAllowed reports whether redirectURI is one of clientID's
// registered redirect URIs.
func (r *Registry) RedirectAllowed(clientID, redirectURI string) bool {
	c, ok := r.Clients[clientID]
	if !ok {
		return false
	}
	for _, u := range c.AllowedRedirects {
		if u == redirectURI {
			return true
		}
	}
	return false
}

// SubjectToSubID maps an upstream IdP's raw `sub` claim to the DIRAC subId
// used for group membership, within the given VO.
func (r *Registry) SubjectToSubID(vo, rawSub string) (string, bool) {
	v, ok := r.VOs[vo]
	if !ok {
		return "", false
	}
	subID, ok := v.Users[rawSub]
	return subID, ok
}

// Load reads a Registry from a YAML document at path.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry config %q: %w", path, err)
	}
	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry config %q: %w", path, err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Validate performs fast structural checks on a loaded registry, mirroring
// the fail-fast style of the CLI's top-level config validation.
func (r *Registry) Validate() error {
	checks := []struct {
		bad    bool
		errMsg string
	}{
		{len(r.VOs) == 0, "no VOs configured in registry"},
	}
	for vo, v := range r.VOs {
		if v.DefaultGroup != "" {
			if _, ok := v.Groups[v.DefaultGroup]; !ok {
				checks = append(checks, struct {
					bad    bool
					errMsg string
				}{true, fmt.Sprintf("vo %q: default_group %q not in groups", vo, v.DefaultGroup)})
			}
		}
		for gname, g := range v.Groups {
			for _, p := range g.Properties {
				if !IsKnownProperty(p) {
					checks = append(checks, struct {
						bad    bool
						errMsg string
					}{true, fmt.Sprintf("vo %q group %q: unknown property %q", vo, gname, p)})
				}
			}
		}
	}
	for _, c := range checks {
		if c.bad {
			return fmt.Errorf("invalid registry config: %s", c.errMsg)
		}
	}
	return nil
}
