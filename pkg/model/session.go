package model

import (
	"time"

	"github.com/google/uuid"
)

// JobDefaults are the session-wide settings applied to every remote job.
type JobDefaults struct {
	Pool           string `json:"pool" yaml:"pool"`
	Priority       int    `json:"priority" yaml:"priority"`
	ServerPriority int    `json:"server_priority" yaml:"server_priority"`
	BatchName      string `json:"batch_name" yaml:"batch_name"`
	ChunkSize      int    `json:"chunk_size" yaml:"chunk_size"`
}

// Session is one scheduling session. The aggregation index is bound to it
// on reset and reads it on every farm call.
type Session struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Env       Metadata    `json:"env"`
	Custom    Metadata    `json:"custom"`
	Defaults  JobDefaults `json:"defaults"`
	StartedAt time.Time   `json:"started_at"`
}

// NewSession creates a session with a fresh ID.
func NewSession(name string, defaults JobDefaults) *Session {
	return &Session{
		ID:        "ses_" + uuid.New().String(),
		Name:      name,
		Defaults:  defaults,
		StartedAt: time.Now().UTC(),
	}
}

// BatchName returns the configured batch name, falling back to the session name.
func (s *Session) BatchName() string {
	if s.Defaults.BatchName != "" {
		return s.Defaults.BatchName
	}
	return s.Name
}
