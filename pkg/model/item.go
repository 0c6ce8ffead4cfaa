package model

import (
	"fmt"
	"strings"
)

// Category identifies the kind of items a producing node emits.
type Category string

const (
	CategoryNone      Category = "none"
	CategoryBatch     Category = "batch"
	CategoryPartition Category = "partition"
)

// OwnerKey identifies the node that produced a work item.
type OwnerKey struct {
	Node     string   `json:"node" yaml:"node"`
	Category Category `json:"category" yaml:"category"`
}

// Normalize maps an empty category to CategoryNone so both spellings of
// an uncategorised owner compare equal.
func (k OwnerKey) Normalize() OwnerKey {
	if k.Category == "" {
		k.Category = CategoryNone
	}
	return k
}

// String returns "node" for uncategorised owners and "node[category]" otherwise.
func (k OwnerKey) String() string {
	if k.Category == "" || k.Category == CategoryNone {
		return k.Node
	}
	return fmt.Sprintf("%s[%s]", k.Node, k.Category)
}

// ItemKind decides how a work item is aggregated into remote jobs.
type ItemKind string

const (
	// KindUnset means the host did not classify the item; the command is
	// inspected once when its group is created.
	KindUnset            ItemKind = ""
	KindRegular          ItemKind = "regular"
	KindSingleInvocation ItemKind = "single_invocation"
	KindServerJob        ItemKind = "server"
)

// String returns the string representation of the item kind.
func (k ItemKind) String() string {
	if k == KindUnset {
		return "unset"
	}
	return string(k)
}

// IsValid reports whether k is one of the known kinds, including KindUnset.
func (k ItemKind) IsValid() bool {
	switch k {
	case KindUnset, KindRegular, KindSingleInvocation, KindServerJob:
		return true
	}
	return false
}

// commandMarkers maps command substrings to the kind they imply. Order
// matters: the first match wins.
var commandMarkers = []struct {
	marker string
	kind   ItemKind
}{
	{"__single_invocation__", KindSingleInvocation},
	{"--single-invocation", KindSingleInvocation},
	{"__server__", KindServerJob},
	{"--server-mode", KindServerJob},
	{"sharedserver", KindServerJob},
}

// ClassifyCommand derives an ItemKind from a command string for hosts that
// do not tag their items. Commands without a known marker are regular.
func ClassifyCommand(command string) ItemKind {
	lc := strings.ToLower(command)
	for _, m := range commandMarkers {
		if strings.Contains(lc, m.marker) {
			return m.kind
		}
	}
	return KindRegular
}

// WorkItem is one fine-grained unit of work handed over by the host
// scheduler. The engine never mutates it.
type WorkItem struct {
	// ID increases monotonically per producing node and doubles as the
	// farm frame number.
	ID      int      `json:"id"`
	Owner   OwnerKey `json:"owner"`
	Kind    ItemKind `json:"kind,omitempty"`
	Command string   `json:"command,omitempty"`
	Index   int      `json:"index"`
	Name    string   `json:"name"`

	// Env is extra job environment from the producing node. Only the first
	// item of a group contributes it.
	Env Metadata `json:"env"`
}

// ResolvedKind returns the item's kind, classifying the command when the
// host left it unset.
func (w WorkItem) ResolvedKind() ItemKind {
	if w.Kind != KindUnset {
		return w.Kind
	}
	return ClassifyCommand(w.Command)
}

// Graph is the snapshot of the host's dependency graph taken on the first
// tick of a session.
type Graph struct {
	Dependencies map[int][]int `json:"dependencies,omitempty"`
	Dependents   map[int][]int `json:"dependents,omitempty"`
	Items        []WorkItem    `json:"items"`
}

// IsEmpty reports whether the host knows about no items yet.
func (g Graph) IsEmpty() bool {
	return len(g.Items) == 0
}
