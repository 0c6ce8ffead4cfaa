package aggregate

import (
	"math/rand"
	"testing"

	"github.com/me/farmsync/pkg/model"
)

func newGroup() *TaskGroup {
	return newTaskGroup(model.OwnerKey{Node: "rop", Category: model.CategoryNone}, model.KindRegular, "corr", model.Metadata{}, model.Metadata{})
}

func TestTaskGroup_RecordSeenBounds(t *testing.T) {
	g := newGroup()
	if _, _, ok := g.Bounds(); ok {
		t.Fatal("fresh group reports bounds")
	}

	g.RecordSeen(item("rop", 5))
	g.RecordSeen(item("rop", 9))

	lo, hi, ok := g.Bounds()
	if !ok || lo != 5 || hi != 9 {
		t.Errorf("Bounds() = (%d, %d, %v), want (5, 9, true)", lo, hi, ok)
	}
	if !g.Changed() {
		t.Error("Changed() = false after bounds moved")
	}
}

func TestTaskGroup_RecordSeenIdempotent(t *testing.T) {
	g := newGroup()
	g.RecordSeen(item("rop", 4))
	g.change = false

	g.RecordSeen(item("rop", 4))
	if g.Changed() {
		t.Error("recording a known ID set changed")
	}
	lo, hi, _ := g.Bounds()
	if lo != 4 || hi != 4 {
		t.Errorf("Bounds() = (%d, %d), want (4, 4)", lo, hi)
	}

	// A no-op record does not clear an already set flag.
	g.change = true
	g.RecordSeen(item("rop", 4))
	if !g.Changed() {
		t.Error("RecordSeen cleared changed")
	}
}

func TestTaskGroup_BoundsMatchMinMax(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		g := newGroup()
		lo, hi := 1<<30, -1<<30
		for i := 0; i < 40; i++ {
			id := rng.Intn(1000) - 500
			if id < lo {
				lo = id
			}
			if id > hi {
				hi = id
			}
			if rng.Intn(2) == 0 {
				g.RecordSeen(item("rop", id))
			} else {
				g.Activate(item("rop", id))
			}
		}
		gotLo, gotHi, _ := g.Bounds()
		if gotLo != lo || gotHi != hi {
			t.Fatalf("trial %d: Bounds() = (%d, %d), want (%d, %d)", trial, gotLo, gotHi, lo, hi)
		}
	}
}

func TestTaskGroup_ActivateImpliesRecorded(t *testing.T) {
	g := newGroup()
	g.RecordSeen(item("rop", 10))
	g.Activate(item("rop", 3))

	lo, hi, _ := g.Bounds()
	if !(lo <= 3 && 3 <= hi) {
		t.Errorf("Bounds() = (%d, %d), does not contain 3", lo, hi)
	}
	if !g.EverActivated() {
		t.Error("EverActivated() = false after Activate")
	}
}

func TestTaskGroup_ActivateDeduplicates(t *testing.T) {
	g := newGroup()
	g.Activate(item("rop", 7))
	g.Activate(item("rop", 2))
	g.Activate(item("rop", 7))

	got := g.ActiveFrames()
	if len(got) != 2 || got[0] != 7 || got[1] != 2 {
		t.Errorf("ActiveFrames() = %v, want [7 2]", got)
	}

	taken := g.takeActive()
	if len(taken) != 2 || len(g.ActiveFrames()) != 0 {
		t.Errorf("takeActive() = %v, remaining %v", taken, g.ActiveFrames())
	}
	if !g.EverActivated() || g.ActivatedCount() != 2 {
		t.Errorf("EverActivated/ActivatedCount = %v/%d after take", g.EverActivated(), g.ActivatedCount())
	}
}

func TestTaskGroup_Matches(t *testing.T) {
	single := newTaskGroup(model.OwnerKey{Node: "sim"}, model.KindSingleInvocation, "c", model.Metadata{}, model.Metadata{})
	single.RecordSeen(item("sim", 4))

	tests := []struct {
		name string
		g    *TaskGroup
		item model.WorkItem
		kind model.ItemKind
		want bool
	}{
		{"same owner regular", newGroup(), item("rop", 1), model.KindRegular, true},
		{"other owner", newGroup(), item("other", 1), model.KindRegular, false},
		{"empty category is none", newTaskGroup(model.OwnerKey{Node: "rop"}, model.KindRegular, "c", model.Metadata{}, model.Metadata{}), item("rop", 1), model.KindRegular, true},
		{"other category", newGroup(), model.WorkItem{ID: 1, Owner: model.OwnerKey{Node: "rop", Category: model.CategoryBatch}}, model.KindRegular, false},
		{"server vs regular share key", newGroup(), item("rop", 1), model.KindServerJob, true},
		{"single vs regular", newGroup(), item("rop", 1), model.KindSingleInvocation, false},
		{"single same id", single, item("sim", 4), model.KindSingleInvocation, true},
		{"single other id", single, item("sim", 5), model.KindSingleInvocation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.g.matches(tt.item, tt.kind); got != tt.want {
				t.Errorf("matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
