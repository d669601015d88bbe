package security

import (
	"strings"
)

// NodeClass partitions the node namespace. The integer values are part of
// the persisted schema and must not be renumbered.
type NodeClass int

const (
	ClassUser      NodeClass = 0
	ClassUserGroup NodeClass = 1
	ClassPlugin    NodeClass = 2
	ClassAnonymous NodeClass = 3
)

func (c NodeClass) String() string {
	switch c {
	case ClassUser:
		return "user"
	case ClassUserGroup:
		return "group"
	case ClassPlugin:
		return "plugin"
	case ClassAnonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// AnonymousNodeName is the reserved name of the anonymous principal.
// Grants attached to it are inherited by everyone.
const AnonymousNodeName = "anonymous"

// Node is one security principal: a user, a user group, a plugin, or the
// anonymous principal. (name, class) is unique; lookup is case-insensitive
// and the stored name preserves case for display.
type Node struct {
	ID    int64     `json:"id"`
	Name  string    `json:"name"`
	Class NodeClass `json:"class"`
}

func (n Node) String() string {
	return n.Class.String() + ":" + n.Name
}

// FoldName normalizes a node name for lookup.
func FoldName(name string) string {
	return strings.ToLower(name)
}

// ParseGroupName parses a namespaced group name into an unresolved node.
// Group names are spelled with their owning class as a prefix, which is
// stripped before storage:
//
//	user.<name>            a user's own group (node name "<name>")
//	plugin.<name>[.<sub>]  a group owned by a plugin
//	group.<name>           a free-standing group
//	anonymous              the anonymous principal
//
// Plugin-class groups are special: the owning plugin may manage them
// without holding an administrative permission.
func ParseGroupName(name string) (Node, error) {
	if FoldName(name) == AnonymousNodeName {
		return Node{Name: AnonymousNodeName, Class: ClassAnonymous}, nil
	}
	parts := strings.SplitN(name, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return Node{}, conflictf("invalid group name %q: expected user.<name>, plugin.<name> or group.<name>", name)
	}
	switch FoldName(parts[0]) {
	case "user":
		return Node{Name: parts[1], Class: ClassUserGroup}, nil
	case "plugin":
		return Node{Name: parts[1], Class: ClassPlugin}, nil
	case "group":
		return Node{Name: parts[1], Class: ClassUserGroup}, nil
	default:
		return Node{}, conflictf("invalid group name %q: unknown namespace %q", name, parts[0])
	}
}

// RootName extracts the owner component from a stripped group name:
// "Alias.admins" is owned by "Alias".
func RootName(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}
