package security

import (
	"fmt"
	"strings"
)

// Match describes how a permission's name matches other permissions.
type Match int

const (
	// MatchExact matches a single permission name.
	MatchExact Match = iota
	// MatchWildcard matches every name under a dotted prefix ("a.*").
	MatchWildcard
	// MatchAll matches everything.
	MatchAll
)

// Storage identifiers for the kind column of the grant table.
const (
	KindExact    = "exact"
	KindWildcard = "wildcard"
	KindAll      = "all"
)

// Permission is one ACL entry: a match kind, a name (or wildcard prefix)
// and an optional comma-separated action set. An empty action set on a
// grant implies any actions.
type Permission struct {
	Match   Match  `json:"match"`
	Name    string `json:"name,omitempty"`
	Actions string `json:"actions,omitempty"`
}

// Exact returns a permission matching exactly name.
func Exact(name string, actions ...string) Permission {
	return Permission{Match: MatchExact, Name: name, Actions: strings.Join(actions, ",")}
}

// Wildcard returns a permission matching every name under prefix,
// i.e. "prefix.*". The prefix is given without the trailing ".*".
func Wildcard(prefix string, actions ...string) Permission {
	return Permission{Match: MatchWildcard, Name: prefix, Actions: strings.Join(actions, ",")}
}

// All returns the permission that implies every other permission.
func All() Permission {
	return Permission{Match: MatchAll}
}

// ParsePermission reconstructs a permission from its stored form. Rows
// written before wildcard kinds existed stored "a.*" as an exact name, so
// a trailing ".*" on an exact row is still read back as a wildcard.
func ParsePermission(kind, name, actions string) (Permission, error) {
	switch kind {
	case KindAll:
		return Permission{Match: MatchAll}, nil
	case KindWildcard:
		return Permission{Match: MatchWildcard, Name: name, Actions: actions}, nil
	case KindExact:
		if strings.HasSuffix(name, ".*") {
			return Permission{Match: MatchWildcard, Name: strings.TrimSuffix(name, ".*"), Actions: actions}, nil
		}
		return Permission{Match: MatchExact, Name: name, Actions: actions}, nil
	default:
		return Permission{}, fmt.Errorf("unknown permission kind %q", kind)
	}
}

// Kind returns the storage identifier for the permission's match kind.
func (p Permission) Kind() string {
	switch p.Match {
	case MatchAll:
		return KindAll
	case MatchWildcard:
		return KindWildcard
	default:
		return KindExact
	}
}

// Implies reports whether a grant of p satisfies a request for q.
func (p Permission) Implies(q Permission) bool {
	if p.Match == MatchAll {
		return true
	}
	if q.Match == MatchAll {
		return false
	}
	switch p.Match {
	case MatchExact:
		if q.Match != MatchExact || p.Name != q.Name {
			return false
		}
	case MatchWildcard:
		switch q.Match {
		case MatchExact:
			if !strings.HasPrefix(q.Name, p.Name+".") {
				return false
			}
		case MatchWildcard:
			if q.Name != p.Name && !strings.HasPrefix(q.Name, p.Name+".") {
				return false
			}
		}
	}
	return impliesActions(p.Actions, q.Actions)
}

// impliesActions reports whether the granted action set covers the
// requested one. An empty grant set covers anything; an empty request is
// covered by anything.
func impliesActions(granted, requested string) bool {
	if granted == "" || requested == "" {
		return true
	}
	have := make(map[string]bool)
	for _, a := range strings.Split(granted, ",") {
		have[strings.TrimSpace(a)] = true
	}
	for _, a := range strings.Split(requested, ",") {
		if !have[strings.TrimSpace(a)] {
			return false
		}
	}
	return true
}

// Render produces the human-readable form used in denial messages.
func (p Permission) Render() string {
	switch p.Match {
	case MatchAll:
		return "ALL"
	case MatchWildcard:
		if p.Actions != "" {
			return fmt.Sprintf("permission %q with actions %q", p.Name+".*", p.Actions)
		}
		return fmt.Sprintf("permission %q", p.Name+".*")
	default:
		if p.Actions != "" {
			return fmt.Sprintf("permission %q with actions %q", p.Name, p.Actions)
		}
		return fmt.Sprintf("permission %q", p.Name)
	}
}

func (p Permission) String() string {
	return p.Render()
}

// StoredName is the name as written to the grant table.
func (p Permission) StoredName() string {
	if p.Match == MatchAll {
		return ""
	}
	return p.Name
}
