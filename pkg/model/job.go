package model

import "time"

// JobDescriptor describes one remote job to be created on the farm.
type JobDescriptor struct {
	// CorrelationID is generated client-side and echoed back by the farm so
	// the response can be matched to the group that asked for it.
	CorrelationID string   `json:"correlation_id"`
	Name          string   `json:"name"`
	Label         string   `json:"label"`
	BatchName     string   `json:"batch_name"`
	Pool          string   `json:"pool,omitempty"`
	Priority      int      `json:"priority"`
	FirstFrame    int      `json:"first_frame"`
	LastFrame     int      `json:"last_frame"`
	ChunkSize     int      `json:"chunk_size"`
	Kind          ItemKind `json:"kind"`
	Env           Metadata `json:"env"`
	Extra         Metadata `json:"extra"`
	Credential    string   `json:"credential"`
}

// FrameCount returns the number of frames covered by the descriptor.
func (d JobDescriptor) FrameCount() int {
	if d.LastFrame < d.FirstFrame {
		return 0
	}
	return d.LastFrame - d.FirstFrame + 1
}

// SubmittedJob pairs a correlation ID with the job ID the farm assigned.
type SubmittedJob struct {
	CorrelationID string `json:"correlation_id"`
	JobID         int    `json:"job_id"`
}

// FrameStatus is one entry of the per-frame status list returned by the farm.
type FrameStatus struct {
	Index     int  `json:"index"`
	IsValid   bool `json:"is_valid"`
	IsRunning bool `json:"is_running"`
	IsDone    bool `json:"is_done"`
}

// Job is the farm-side view of a remote job, as listed by the farm.
type Job struct {
	ID            int        `json:"id"`
	CorrelationID string     `json:"correlation_id"`
	Name          string     `json:"name"`
	Label         string     `json:"label"`
	BatchName     string     `json:"batch_name"`
	Pool          string     `json:"pool,omitempty"`
	Priority      int        `json:"priority"`
	FirstFrame    int        `json:"first_frame"`
	LastFrame     int        `json:"last_frame"`
	State         JobState   `json:"state"`
	Summary       JobSummary `json:"summary"`
	CreatedAt     time.Time  `json:"created_at"`
}

// JobSummary holds per-state frame counts for a job.
type JobSummary struct {
	Pending int `json:"pending"`
	Queued  int `json:"queued"`
	Running int `json:"running"`
	Done    int `json:"done"`
}

// FrameSet is a sparse set of frames anchored at an origin frame. Offsets
// are relative to Origin and kept in the order they were added.
type FrameSet struct {
	Origin  int   `json:"origin"`
	Offsets []int `json:"offsets"`
}

// NewFrameSet anchors ids at origin.
func NewFrameSet(origin int, ids []int) FrameSet {
	offsets := make([]int, len(ids))
	for i, id := range ids {
		offsets[i] = id - origin
	}
	return FrameSet{Origin: origin, Offsets: offsets}
}

// IDs returns the absolute frame numbers in the set.
func (s FrameSet) IDs() []int {
	ids := make([]int, len(s.Offsets))
	for i, off := range s.Offsets {
		ids[i] = s.Origin + off
	}
	return ids
}

// Len returns the number of frames in the set.
func (s FrameSet) Len() int {
	return len(s.Offsets)
}
