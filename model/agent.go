package model

import (
	"bytes"
	"encoding/json"
	"time"
)

// Capability is an optional feature a job agent supports.
type Capability string

// Capability constants.
const (
	CapabilityRestart Capability = "restart"
	CapabilitySysInfo Capability = "sysinfo"
)

// Capabilities is a set of agent capabilities.
//
// Agents declare capabilities either as a list of names or as an
// object of name to boolean.
type Capabilities []Capability

// Has determines if the capability is present.
func (c Capabilities) Has(capability Capability) bool {
	for _, cc := range c {
		if cc == capability {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes capabilities from a list or an object.
func (c *Capabilities) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = nil
		return nil
	}

	if b[0] == '{' {
		var m map[string]bool
		if err := json.Unmarshal(b, &m); err != nil {
			return err
		}
		caps := make(Capabilities, 0, len(m))
		for _, name := range []Capability{CapabilityRestart, CapabilitySysInfo} {
			if m[string(name)] {
				caps = append(caps, name)
			}
		}
		*c = caps
		return nil
	}

	var names []Capability
	if err := json.Unmarshal(b, &names); err != nil {
		return err
	}
	*c = names
	return nil
}

// JobAgent is a registered remote worker process.
type JobAgent struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           string          `json:"type,omitempty"`
	Version        string          `json:"version,omitempty"`
	Client         string          `json:"client"`
	RemoteHost     string          `json:"remoteHost"`
	Capabilities   Capabilities    `json:"capabilities,omitempty"`
	JobTypes       []string        `json:"jobTypes"`
	ConnectCount   int             `json:"connectCount"`
	Reconnects     int             `json:"reconnects"`
	LastAlive      time.Time       `json:"lastAlive"`
	ConnectionID   string          `json:"connectionId,omitempty"`
	Disabled       bool            `json:"disabled"`
	Restart        bool            `json:"restart"`
	AllocatedFor   string          `json:"allocatedFor,omitempty"`
	AllocatedJob   string          `json:"allocatedJob,omitempty"`
	AllocatedAt    time.Time       `json:"allocatedAt,omitempty"`
	TotalJobs      int             `json:"totalJobs"`
	SuccessfulJobs int             `json:"successfulJobs"`
	FailedJobs     int             `json:"failedJobs"`
	SysInfo        json.RawMessage `json:"sysinfo,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Clone returns a copy of the agent that can be mutated.
func (a *JobAgent) Clone() *JobAgent {
	c := *a
	c.Capabilities = append(Capabilities(nil), a.Capabilities...)
	c.JobTypes = cloneStrings(a.JobTypes)
	if a.SysInfo != nil {
		c.SysInfo = append(json.RawMessage(nil), a.SysInfo...)
	}
	return &c
}

// Can determines if the agent declared the capability.
func (a *JobAgent) Can(capability Capability) bool {
	return a.Capabilities.Has(capability)
}

// Supports determines if the agent declared support for the job type.
func (a *JobAgent) Supports(jobTypeID string) bool {
	for _, id := range a.JobTypes {
		if id == jobTypeID {
			return true
		}
	}
	return false
}

// Live determines if the agent is connected, enabled and has been seen
// within the liveness window.
func (a *JobAgent) Live(now time.Time, window time.Duration) bool {
	if a.Disabled || a.ConnectionID == "" {
		return false
	}
	return now.Sub(a.LastAlive) <= window
}

// ClearAllocation removes the current job allocation.
func (a *JobAgent) ClearAllocation() {
	a.AllocatedFor = ""
	a.AllocatedJob = ""
	a.AllocatedAt = time.Time{}
}
