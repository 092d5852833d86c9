package model

import (
	"time"
)

// JobState is the persisted state of a job.
type JobState int

// Job state constants.
const (
	JobPending JobState = iota
	JobRunning
	JobFailed
	JobSucceeded
	JobLocked
)

// String returns the state name.
func (s JobState) String() string {
	switch s {
	case JobPending:
		return "pending"
	case JobRunning:
		return "running"
	case JobFailed:
		return "failed"
	case JobSucceeded:
		return "succeeded"
	case JobLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// ParseJobState parses a state name.
func ParseJobState(s string) (JobState, bool) {
	for _, state := range []JobState{JobPending, JobRunning, JobFailed, JobSucceeded, JobLocked} {
		if state.String() == s {
			return state, true
		}
	}
	return 0, false
}

// Active determines if a job in this state is still outstanding.
func (s JobState) Active() bool {
	return s == JobPending || s == JobRunning || s == JobLocked
}

// Job is a unit of work derived from a job type.
type Job struct {
	ID          string                 `json:"id"`
	JobTypeID   string                 `json:"jobType"`
	Type        string                 `json:"type"`
	Client      string                 `json:"client"`
	User        string                 `json:"user,omitempty"`
	State       JobState               `json:"state"`
	Attempts    int                    `json:"attempts"`
	Progress    int                    `json:"progress"`
	Batch       []ElementRef           `json:"batch,omitempty"`
	Elements    []string               `json:"elements,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
	Host        string                 `json:"host,omitempty"`
	AgentID     string                 `json:"agent,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Log         string                 `json:"log,omitempty"`
	RunningTime time.Duration          `json:"runningTime"`
	CreatedAt   time.Time              `json:"createdAt"`
	StartedAt   time.Time              `json:"startedAt,omitempty"`
	StoppedAt   time.Time              `json:"stoppedAt,omitempty"`
}

// Clone returns a copy of the job that can be mutated.
func (j *Job) Clone() *Job {
	c := *j
	if j.Batch != nil {
		c.Batch = append([]ElementRef(nil), j.Batch...)
	}
	c.Elements = cloneStrings(j.Elements)
	c.Parameters = cloneMap(j.Parameters)
	return &c
}

// Succeed marks the job as succeeded.
func (j *Job) Succeed(log string, now time.Time) {
	j.State = JobSucceeded
	j.Progress = 100
	j.Error = ""
	j.Log = log
	j.stop(now)
}

// Fail marks the job as failed with the given reason.
func (j *Job) Fail(reason, log string, now time.Time) {
	j.State = JobFailed
	j.Error = reason
	if log != "" {
		j.Log = log
	}
	j.stop(now)
}

// Reset puts the job back in the pending state, keeping its attempts.
func (j *Job) Reset(now time.Time) {
	if !j.StartedAt.IsZero() {
		j.RunningTime += now.Sub(j.StartedAt)
	}
	j.State = JobPending
	j.Host = ""
	j.AgentID = ""
	j.StartedAt = time.Time{}
}

func (j *Job) stop(now time.Time) {
	j.StoppedAt = now
	if !j.StartedAt.IsZero() {
		j.RunningTime += now.Sub(j.StartedAt)
	}
}

// SetProgress sets the job progress clamped to [0,100].
func (j *Job) SetProgress(p int) {
	switch {
	case p < 0:
		p = 0
	case p > 100:
		p = 100
	}
	j.Progress = p
}
