// Package hostsim is a synthetic host scheduler. It produces work items for
// a set of nodes, hands them to the adapter as they become ready and
// records the status callbacks it gets back.
package hostsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/me/farmsync/pkg/model"
)

// NodeSpec describes one producing node.
type NodeSpec struct {
	Name     string         `yaml:"name"`
	Category model.Category `yaml:"category,omitempty"`
	Kind     model.ItemKind `yaml:"kind,omitempty"`    // empty: classified from Command
	Command  string         `yaml:"command,omitempty"` // item command line
	Items    int            `yaml:"items"`

	// DependsOn names an upstream node. Item i waits for item i upstream.
	DependsOn string `yaml:"depends_on,omitempty"`

	// Late nodes are missing from the dependency graph; their items are
	// only announced when they become ready. A late node's items become
	// ready together, once every one of them is eligible.
	Late bool `yaml:"late,omitempty"`

	// EnvNames and EnvValues are parallel lists of job environment
	// variables for the node's items.
	EnvNames  []string `yaml:"env_names,omitempty"`
	EnvValues []string `yaml:"env_values,omitempty"`
}

type itemState int

const (
	stateWaiting itemState = iota
	stateReady
	stateRunning
	stateSucceeded
)

// Host implements adapter.Host over a fixed set of generated items.
type Host struct {
	items      []model.WorkItem
	late       map[int]bool
	deps       map[int][]int
	dependents map[int][]int
	state      map[int]itemState
	started    int
	logger     *slog.Logger
}

// NewHost generates the items of nodes. IDs are unique across nodes and
// consecutive within a node.
func NewHost(nodes []NodeSpec, logger *slog.Logger) (*Host, error) {
	h := &Host{
		late:       make(map[int]bool),
		deps:       make(map[int][]int),
		dependents: make(map[int][]int),
		state:      make(map[int]itemState),
		logger:     logger.With("component", "hostsim"),
	}

	byNode := make(map[string][]int)
	nextID := 1
	for _, n := range nodes {
		if n.Name == "" {
			return nil, errors.New("node without a name")
		}
		if _, dup := byNode[n.Name]; dup {
			return nil, fmt.Errorf("duplicate node %q", n.Name)
		}
		if n.Items <= 0 {
			return nil, fmt.Errorf("node %q: items must be positive", n.Name)
		}
		if !n.Kind.IsValid() {
			return nil, fmt.Errorf("node %q: unknown kind %q", n.Name, n.Kind)
		}
		env, err := model.MetadataFromParallel(n.EnvNames, n.EnvValues)
		if err != nil {
			return nil, fmt.Errorf("node %q: env: %w", n.Name, err)
		}
		var upstream []int
		if n.DependsOn != "" {
			var ok bool
			if upstream, ok = byNode[n.DependsOn]; !ok {
				return nil, fmt.Errorf("node %q: upstream %q must be declared first", n.Name, n.DependsOn)
			}
		}

		category := n.Category
		if category == "" {
			category = model.CategoryNone
		}
		ids := make([]int, n.Items)
		for i := range n.Items {
			id := nextID
			nextID++
			ids[i] = id
			h.items = append(h.items, model.WorkItem{
				ID:      id,
				Owner:   model.OwnerKey{Node: n.Name, Category: category},
				Kind:    n.Kind,
				Command: n.Command,
				Index:   i,
				Name:    fmt.Sprintf("%s_%d", n.Name, i),
				Env:     env,
			})
			h.state[id] = stateWaiting
			if n.Late {
				h.late[id] = true
			}
			if i < len(upstream) {
				h.deps[id] = []int{upstream[i]}
				h.dependents[upstream[i]] = append(h.dependents[upstream[i]], id)
			}
		}
		byNode[n.Name] = ids
	}
	return h, nil
}

// DependencyGraph returns every item except those of late nodes.
func (h *Host) DependencyGraph(_ context.Context) (model.Graph, error) {
	g := model.Graph{
		Dependencies: make(map[int][]int),
		Dependents:   make(map[int][]int),
	}
	for _, it := range h.items {
		if h.late[it.ID] {
			continue
		}
		g.Items = append(g.Items, it)
		if d := h.deps[it.ID]; len(d) > 0 {
			g.Dependencies[it.ID] = slices.Clone(d)
		}
		if d := h.dependents[it.ID]; len(d) > 0 {
			g.Dependents[it.ID] = slices.Clone(d)
		}
	}
	return g, nil
}

// OnItemStartedRunning marks id running.
func (h *Host) OnItemStartedRunning(id int) {
	if st, ok := h.state[id]; ok && st < stateRunning {
		h.state[id] = stateRunning
		h.started++
		h.logger.Debug("item running", "item_id", id)
	}
}

// OnItemSucceeded marks id succeeded. A success without a prior start
// counts as both.
func (h *Host) OnItemSucceeded(id int) {
	st, ok := h.state[id]
	if !ok || st == stateSucceeded {
		return
	}
	if st < stateRunning {
		h.started++
	}
	h.state[id] = stateSucceeded
	h.logger.Debug("item succeeded", "item_id", id)
}

// release returns up to limit waiting items whose dependencies succeeded
// and marks them ready. limit <= 0 releases every eligible item. The items
// of a late node are released as one batch, which may overrun limit.
func (h *Host) release(limit int) []model.WorkItem {
	var out []model.WorkItem
	for _, it := range h.items {
		if limit > 0 && len(out) >= limit {
			break
		}
		if h.state[it.ID] != stateWaiting || !h.depsDone(it.ID) {
			continue
		}
		if !h.late[it.ID] {
			h.state[it.ID] = stateReady
			out = append(out, it)
			continue
		}
		batch := h.lateBatch(it.Owner.Node)
		for _, b := range batch {
			h.state[b.ID] = stateReady
		}
		out = append(out, batch...)
	}
	return out
}

// lateBatch returns every item of the late node, or nil while any of them
// still waits on a dependency.
func (h *Host) lateBatch(node string) []model.WorkItem {
	var batch []model.WorkItem
	for _, it := range h.items {
		if it.Owner.Node != node {
			continue
		}
		if h.state[it.ID] != stateWaiting || !h.depsDone(it.ID) {
			return nil
		}
		batch = append(batch, it)
	}
	return batch
}

func (h *Host) depsDone(id int) bool {
	for _, d := range h.deps[id] {
		if h.state[d] != stateSucceeded {
			return false
		}
	}
	return true
}

// Items returns the number of generated items.
func (h *Host) Items() int { return len(h.items) }

// Succeeded returns how many items have succeeded.
func (h *Host) Succeeded() int {
	n := 0
	for _, st := range h.state {
		if st == stateSucceeded {
			n++
		}
	}
	return n
}

// Started returns how many items were reported running or succeeded.
func (h *Host) Started() int { return h.started }

// Done reports whether every item succeeded.
func (h *Host) Done() bool { return h.Succeeded() == len(h.items) }
