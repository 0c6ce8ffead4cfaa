package model

import "testing"

func TestClassifyCommand(t *testing.T) {
	tests := []struct {
		command string
		want    ItemKind
	}{
		{"hython render.py --frame 12", KindRegular},
		{"hython sim.py --single-invocation", KindSingleInvocation},
		{"python __single_invocation__ wrapper", KindSingleInvocation},
		{"mantra --server-mode", KindServerJob},
		{"start SharedServer port=9000", KindServerJob},
		{"", KindRegular},
	}
	for _, tt := range tests {
		if got := ClassifyCommand(tt.command); got != tt.want {
			t.Errorf("ClassifyCommand(%q) = %q, want %q", tt.command, got, tt.want)
		}
	}
}

func TestWorkItem_ResolvedKind(t *testing.T) {
	tagged := WorkItem{Kind: KindServerJob, Command: "plain"}
	if got := tagged.ResolvedKind(); got != KindServerJob {
		t.Errorf("tagged ResolvedKind() = %q, want %q", got, KindServerJob)
	}
	untagged := WorkItem{Command: "x --single-invocation"}
	if got := untagged.ResolvedKind(); got != KindSingleInvocation {
		t.Errorf("untagged ResolvedKind() = %q, want %q", got, KindSingleInvocation)
	}
}

func TestOwnerKey_String(t *testing.T) {
	tests := []struct {
		key  OwnerKey
		want string
	}{
		{OwnerKey{Node: "ropnet1"}, "ropnet1"},
		{OwnerKey{Node: "ropnet1", Category: CategoryNone}, "ropnet1"},
		{OwnerKey{Node: "ropnet1", Category: CategoryPartition}, "ropnet1[partition]"},
	}
	for _, tt := range tests {
		if got := tt.key.String(); got != tt.want {
			t.Errorf("OwnerKey%+v.String() = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestOwnerKey_Normalize(t *testing.T) {
	empty := OwnerKey{Node: "rop"}.Normalize()
	none := OwnerKey{Node: "rop", Category: CategoryNone}.Normalize()
	if empty != none {
		t.Errorf("Normalize() = %+v and %+v, want equal", empty, none)
	}
	batch := OwnerKey{Node: "rop", Category: CategoryBatch}
	if got := batch.Normalize(); got != batch {
		t.Errorf("Normalize() = %+v, want %+v unchanged", got, batch)
	}
}

func TestItemKind_IsValid(t *testing.T) {
	for _, k := range []ItemKind{KindUnset, KindRegular, KindSingleInvocation, KindServerJob} {
		if !k.IsValid() {
			t.Errorf("ItemKind(%q).IsValid() = false", k)
		}
	}
	if ItemKind("bogus").IsValid() {
		t.Error(`ItemKind("bogus").IsValid() = true`)
	}
}

func TestFrameSet_RoundTrip(t *testing.T) {
	set := NewFrameSet(5, []int{7, 5, 9})
	if set.Origin != 5 {
		t.Errorf("Origin = %d, want 5", set.Origin)
	}
	wantOffsets := []int{2, 0, 4}
	for i, off := range set.Offsets {
		if off != wantOffsets[i] {
			t.Errorf("Offsets[%d] = %d, want %d", i, off, wantOffsets[i])
		}
	}
	ids := set.IDs()
	if len(ids) != 3 || ids[0] != 7 || ids[1] != 5 || ids[2] != 9 {
		t.Errorf("IDs() = %v, want [7 5 9]", ids)
	}
}
