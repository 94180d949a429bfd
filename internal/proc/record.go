// Package proc supervises long-lived child processes for the gateway.
//
// Every supervised process is tracked by a durable TaskRecord, persisted
// to a single state.json so the supervisor can reconcile after a gateway
// restart. Records are independent of workflow tasks; they share the
// word "task" but the domains are distinct.
package proc

import "time"

// Status is the lifecycle state of a supervised process.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusKilled  Status = "killed"
	StatusTimeout Status = "timeout"
	StatusLost    Status = "lost"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusFailed, StatusKilled, StatusTimeout, StatusLost:
		return true
	default:
		return false
	}
}

// TaskRecord is the durable description of one supervised process.
type TaskRecord struct {
	ID            string            `json:"id"`
	Status        Status            `json:"status"`
	PID           int               `json:"pid,omitempty"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Cwd           string            `json:"cwd,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	ProjectID     string            `json:"projectId,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	EndedAt       *time.Time        `json:"endedAt,omitempty"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	ExitCode      *int              `json:"exitCode,omitempty"`
	ExitSignal    string            `json:"exitSignal,omitempty"`
	LogPath       string            `json:"logPath"`
	PidPath       string            `json:"pidPath,omitempty"`
	StdinAttached bool              `json:"stdinAttached"`
}

// Clone returns a deep copy safe to hand to callers.
func (r *TaskRecord) Clone() *TaskRecord {
	c := *r
	if r.Args != nil {
		c.Args = append([]string(nil), r.Args...)
	}
	if r.Tags != nil {
		c.Tags = append([]string(nil), r.Tags...)
	}
	if r.Env != nil {
		c.Env = make(map[string]string, len(r.Env))
		for k, v := range r.Env {
			c.Env[k] = v
		}
	}
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	if r.ExitCode != nil {
		v := *r.ExitCode
		c.ExitCode = &v
	}
	return &c
}

// sharesTag reports whether the record carries any of the given tags.
func (r *TaskRecord) sharesTag(tags []string) bool {
	for _, t := range tags {
		for _, have := range r.Tags {
			if t == have {
				return true
			}
		}
	}
	return false
}

// stateFileVersion is the on-disk schema version of state.json.
const stateFileVersion = 1

// stateFile is the JSON document persisted at {base}/state.json.
type stateFile struct {
	Version   int                    `json:"version"`
	UpdatedAt time.Time              `json:"updatedAt"`
	Tasks     map[string]*TaskRecord `json:"tasks"`
}
