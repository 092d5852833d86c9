package model

import (
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

// Job type configuration errors.
var (
	ErrWatchAndQuery    = errors.New("job type declares both watch and query")
	ErrUnknownInterval  = errors.New("unknown interval")
	ErrTriggerConflict  = errors.New("job type declares more than one trigger")
	ErrInvalidBatchSize = errors.New("batch size cannot be negative")
)

// intervals maps named intervals to standard cron expressions.
var intervals = map[string]string{
	"minutely": "* * * * *",
	"5min":     "*/5 * * * *",
	"15min":    "*/15 * * * *",
	"30min":    "*/30 * * * *",
	"hourly":   "0 * * * *",
	"daily":    "0 0 * * *",
	"weekly":   "0 0 * * 0",
	"monthly":  "0 0 1 * *",
}

// IntervalSpec returns the cron expression of a named interval.
func IntervalSpec(name string) (string, bool) {
	spec, ok := intervals[name]
	return spec, ok
}

// Selector is a named element selector, optionally restricted to element types.
type Selector struct {
	Name  string   `json:"selector"`
	Types []string `json:"types,omitempty"`
}

// Query describes the elements a job type operates on.
//
// A query either names a single selector or a union of selectors.
type Query struct {
	Selector  string     `json:"selector,omitempty"`
	Types     []string   `json:"types,omitempty"`
	Union     []Selector `json:"union,omitempty"`
	BatchSize int        `json:"batchSize,omitempty"`
}

// Selectors returns the selectors of the query in declaration order.
func (q Query) Selectors() []Selector {
	sels := make([]Selector, 0, len(q.Union)+1)
	if q.Selector != "" {
		sels = append(sels, Selector{Name: q.Selector, Types: q.Types})
	}
	return append(sels, q.Union...)
}

// JobType is a client owned template describing recurring work.
type JobType struct {
	ID           string                 `json:"id"`
	Client       string                 `json:"client"`
	Name         string                 `json:"name"`
	DisplayName  string                 `json:"displayName,omitempty"`
	ManualStart  bool                   `json:"manualStart,omitempty"`
	Interval     string                 `json:"interval,omitempty"`
	CronExp      string                 `json:"cronExp,omitempty"`
	Watch        string                 `json:"watch,omitempty"`
	Query        *Query                 `json:"query,omitempty"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	Timeout      int                    `json:"timeout,omitempty"`
	ContentTypes []string               `json:"contentTypes,omitempty"`
	Types        []string               `json:"types,omitempty"`
	ElementMode  string                 `json:"elementMode,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// IsInterval determines if the job type is triggered on a schedule.
func (t *JobType) IsInterval() bool {
	return t.Interval != "" || t.CronExp != ""
}

// IsWatch determines if the job type is triggered by collection changes.
func (t *JobType) IsWatch() bool {
	return t.Watch != ""
}

// TimeoutDuration returns the job timeout. Zero means unbounded.
func (t *JobType) TimeoutDuration() time.Duration {
	if t.Timeout <= 0 {
		return 0
	}
	return time.Duration(t.Timeout) * time.Second
}

// CronSpec returns the cron expression the job type is scheduled with,
// resolving named intervals.
func (t *JobType) CronSpec() (string, error) {
	if t.CronExp != "" {
		return t.CronExp, nil
	}
	if t.Interval == "" {
		return "", nil
	}

	spec, ok := IntervalSpec(t.Interval)
	if !ok {
		return "", errors.Wrapf(ErrUnknownInterval, "interval %q", t.Interval)
	}
	return spec, nil
}

// Validate checks that the job type triggers are consistent.
func (t *JobType) Validate() error {
	if t.IsWatch() && t.Query != nil {
		return ErrWatchAndQuery
	}
	if t.IsWatch() && t.IsInterval() {
		return ErrTriggerConflict
	}
	if t.Query != nil && t.Query.BatchSize < 0 {
		return ErrInvalidBatchSize
	}

	spec, err := t.CronSpec()
	if err != nil {
		return err
	}
	if spec != "" {
		if _, err := cron.ParseStandard(spec); err != nil {
			return errors.Wrapf(err, "invalid cron expression %q", spec)
		}
	}
	return nil
}

// Clone returns a copy of the job type that can be mutated.
func (t *JobType) Clone() *JobType {
	c := *t
	if t.Query != nil {
		q := *t.Query
		q.Types = cloneStrings(t.Query.Types)
		q.Union = append([]Selector(nil), t.Query.Union...)
		c.Query = &q
	}
	c.Parameters = cloneMap(t.Parameters)
	c.ContentTypes = cloneStrings(t.ContentTypes)
	c.Types = cloneStrings(t.Types)
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}
