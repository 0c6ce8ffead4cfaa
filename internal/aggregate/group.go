// Package aggregate groups fine-grained work items into remote farm jobs
// and keeps the two sides in sync.
//
// Nothing in this package is safe for concurrent use. The host drives every
// entry point serially from a single goroutine.
package aggregate

import "github.com/me/farmsync/pkg/model"

// TaskGroup accumulates the work items destined for one remote job. It is a
// pure accumulator and performs no I/O.
type TaskGroup struct {
	owner         model.OwnerKey
	kind          model.ItemKind
	correlationID string

	seen   bool
	minID  int
	maxID  int
	change bool

	active    []int
	activeSet map[int]struct{}
	activated map[int]struct{}

	remoteJobID int
	jobFirst    int
	jobLast     int
	reported    map[int]model.FrameState

	env    model.Metadata
	custom model.Metadata
}

func newTaskGroup(owner model.OwnerKey, kind model.ItemKind, correlationID string, env, custom model.Metadata) *TaskGroup {
	return &TaskGroup{
		owner:         owner.Normalize(),
		kind:          kind,
		correlationID: correlationID,
		activeSet:     make(map[int]struct{}),
		activated:     make(map[int]struct{}),
		reported:      make(map[int]model.FrameState),
		env:           env,
		custom:        custom,
	}
}

// RecordSeen widens the group's frame range to include item.ID. The changed
// flag is set when a bound moves and is never cleared here.
func (g *TaskGroup) RecordSeen(item model.WorkItem) {
	if !g.seen {
		g.seen = true
		g.minID, g.maxID = item.ID, item.ID
		g.change = true
		return
	}
	if item.ID < g.minID {
		g.minID = item.ID
		g.change = true
	}
	if item.ID > g.maxID {
		g.maxID = item.ID
		g.change = true
	}
}

// Activate queues item.ID for the next push. Activation implies the item is
// known, so the range is widened as well.
func (g *TaskGroup) Activate(item model.WorkItem) {
	if _, dup := g.activeSet[item.ID]; !dup {
		g.activeSet[item.ID] = struct{}{}
		g.active = append(g.active, item.ID)
	}
	g.activated[item.ID] = struct{}{}
	g.RecordSeen(item)
}

// matches reports whether item belongs in this group.
func (g *TaskGroup) matches(item model.WorkItem, kind model.ItemKind) bool {
	if g.owner != item.Owner.Normalize() {
		return false
	}
	single := kind == model.KindSingleInvocation
	if g.IsSingleInvocation() != single {
		return false
	}
	// Each single invocation is its own job.
	return !single || (g.seen && g.minID == item.ID)
}

// takeActive returns the queued frames and empties the queue.
func (g *TaskGroup) takeActive() []int {
	frames := g.active
	g.active = nil
	g.activeSet = make(map[int]struct{})
	return frames
}

// inJobRange splits frames into those inside the remote job's frame range
// and those outside it. The range is fixed when the job is created.
func (g *TaskGroup) inJobRange(frames []int) (inside, outside []int) {
	for _, f := range frames {
		if f < g.jobFirst || f > g.jobLast {
			outside = append(outside, f)
			continue
		}
		inside = append(inside, f)
	}
	return inside, outside
}

// markReported records state for frame and reports whether it is new.
func (g *TaskGroup) markReported(frame int, state model.FrameState) bool {
	if g.reported[frame] == state {
		return false
	}
	g.reported[frame] = state
	return true
}

// Owner returns the producing node's key.
func (g *TaskGroup) Owner() model.OwnerKey { return g.owner }

// Kind returns the classification fixed at creation.
func (g *TaskGroup) Kind() model.ItemKind { return g.kind }

// IsSingleInvocation reports whether the group is a single invocation.
func (g *TaskGroup) IsSingleInvocation() bool { return g.kind == model.KindSingleInvocation }

// IsServerJob reports whether the group runs a server job.
func (g *TaskGroup) IsServerJob() bool { return g.kind == model.KindServerJob }

// CorrelationID returns the ID sent with the group's job descriptor.
func (g *TaskGroup) CorrelationID() string { return g.correlationID }

// Bounds returns the lowest and highest IDs seen. ok is false until the
// first item has been recorded.
func (g *TaskGroup) Bounds() (minID, maxID int, ok bool) {
	return g.minID, g.maxID, g.seen
}

// Changed reports whether the bounds moved since the last successful submission.
func (g *TaskGroup) Changed() bool { return g.change }

// ActiveFrames returns a copy of the frames waiting to be pushed.
func (g *TaskGroup) ActiveFrames() []int {
	out := make([]int, len(g.active))
	copy(out, g.active)
	return out
}

// EverActivated reports whether any item of the group was ever activated.
func (g *TaskGroup) EverActivated() bool { return len(g.activated) > 0 }

// ActivatedCount returns the number of distinct frames ever activated.
func (g *TaskGroup) ActivatedCount() int { return len(g.activated) }

// RemoteJobID returns the farm job ID, or 0 before the job exists.
func (g *TaskGroup) RemoteJobID() int { return g.remoteJobID }

// JobRange returns the frame range the remote job was created with. ok is
// false before the job exists.
func (g *TaskGroup) JobRange() (first, last int, ok bool) {
	return g.jobFirst, g.jobLast, g.remoteJobID != 0
}

// Env returns the environment metadata attached at creation.
func (g *TaskGroup) Env() model.Metadata { return g.env }

// Custom returns the custom metadata attached at creation.
func (g *TaskGroup) Custom() model.Metadata { return g.custom }
