package pool

import "strings"

type groupKind uint8

const (
	kindNone groupKind = iota
	kindAll
	kindMisc
	kindNamed
)

// Group restricts which workers may run a task. The zero value is the
// unspecified request group, served by Misc and All workers.
type Group struct {
	kind groupKind
	name string
}

var (
	None     = Group{}
	All      = Group{kind: kindAll}
	Misc     = Group{kind: kindMisc}
	Transfer = Named("transfer")
)

// Named returns the group for name. "all" and "misc" map onto All and Misc,
// and an empty name maps onto None.
func Named(name string) Group {
	switch name = strings.ToLower(strings.TrimSpace(name)); name {
	case "":
		return None
	case "all":
		return All
	case "misc":
		return Misc
	}
	return Group{kind: kindNamed, name: name}
}

func (g Group) IsNone() bool {
	return g.kind == kindNone
}

func (g Group) String() string {
	switch g.kind {
	case kindAll:
		return "all"
	case kindMisc:
		return "misc"
	case kindNamed:
		return g.name
	}
	return ""
}

// Matches reports whether a worker in group worker may serve a task that
// requested group requested.
func Matches(worker, requested Group) bool {
	switch {
	case worker.kind == kindAll:
		return true
	case requested.kind == kindNone:
		return worker.kind == kindMisc
	}
	return worker == requested
}
