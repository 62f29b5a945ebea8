// Package scope implements the ScopeValidator: parsing and validating the
// `group:X property:Y` scope strings DIRAC clients present at flow
// initiation and at token issuance, grounded on the teacher's scope.Scopes
// tokenizer generalized from flat OAuth2 scope strings to DIRAC's
// group/property token shape.
package scope

import (
	"fmt"
	"strings"

	"github.com/diracgrid/dirac-auth/config"
)

const (
	groupPrefix    = "group:"
	propertyPrefix = "property:"
)

// Info is the parsed, validated result of a scope string: the single group
// the token was requested against, and the property tokens it asked for
// (order preserved, duplicates allowed).
type Info struct {
	Group      string
	Properties []string
}

// InvalidScopeError is returned for every rejection ParseAndValidate can
// produce; Reason carries the specific cause for logging/error bodies.
type InvalidScopeError struct {
	Reason string
}

func (e *InvalidScopeError) Error() string { return "invalid scope: " + e.Reason }

func invalid(format string, args ...any) error {
	return &InvalidScopeError{Reason: fmt.Sprintf(format, args...)}
}

// ParseAndValidate tokenizes scope on whitespace, classifies each token as
// group:<name>, property:<name> or unrecognised, and validates the result
// against the VO's registry entry. Exactly zero or one group token is
// permitted; zero falls back to the VO's configured default group.
func ParseAndValidate(scope, vo string, reg *config.Registry) (Info, error) {
	voConfig, ok := reg.VOByName(vo)
	if !ok {
		return Info{}, invalid("unknown vo %q", vo)
	}

	var groups []string
	var properties []string
	for _, tok := range strings.Fields(scope) {
		switch {
		case tok == "":
			continue
		case strings.HasPrefix(tok, groupPrefix):
			groups = append(groups, strings.TrimPrefix(tok, groupPrefix))
		case strings.HasPrefix(tok, propertyPrefix):
			properties = append(properties, strings.TrimPrefix(tok, propertyPrefix))
		default:
			return Info{}, invalid("unrecognised: %s", tok)
		}
	}

	var group string
	switch len(groups) {
	case 0:
		if voConfig.DefaultGroup == "" {
			return Info{}, invalid("vo %q has no default group and none was requested", vo)
		}
		group = voConfig.DefaultGroup
	case 1:
		group = groups[0]
	default:
		return Info{}, invalid("more than one group requested: %v", groups)
	}

	if _, ok := voConfig.Groups[group]; !ok {
		return Info{}, invalid("group %q is not defined for vo %q", group, vo)
	}

	for _, p := range properties {
		if !config.IsKnownProperty(p) {
			return Info{}, invalid("unknown property %q", p)
		}
	}

	return Info{Group: group, Properties: properties}, nil
}
