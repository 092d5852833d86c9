package log_test

import (
	"errors"
	"testing"

	logadapter "github.com/nrwiersma/jobcluster/pkg/log"
	"github.com/stretchr/testify/assert"
)

type entry struct {
	lvl string
	msg string
	ctx []interface{}
}

type recordLogger struct {
	entries []entry
}

func (l *recordLogger) Debug(msg string, ctx ...interface{}) {
	l.entries = append(l.entries, entry{"debug", msg, ctx})
}

func (l *recordLogger) Info(msg string, ctx ...interface{}) {
	l.entries = append(l.entries, entry{"info", msg, ctx})
}

func (l *recordLogger) Error(msg string, ctx ...interface{}) {
	l.entries = append(l.entries, entry{"error", msg, ctx})
}

func TestBridge(t *testing.T) {
	l := &recordLogger{}
	std := logadapter.NewBridge(l, logadapter.Info, "serf: ")

	std.Print("[INFO] joined")
	std.Print("[ERR] failed")
	std.Print("[DEBUG] probing")

	assert.Equal(t, []entry{
		{"info", "serf: [INFO] joined", nil},
		{"error", "serf: [ERR] failed", nil},
		{"debug", "serf: [DEBUG] probing", nil},
	}, l.entries)
}

func TestHCLBridge_WithAndNamed(t *testing.T) {
	l := &recordLogger{}
	hcl := logadapter.NewHCLBridge(l, "raft: ")

	hcl.Named("snapshot").With("node", "a").Info("taking", "index", 3)
	hcl.Warn("slow")

	assert.Equal(t, []entry{
		{"info", "raft: snapshot: taking", []interface{}{"node", "a", "index", 3}},
		{"info", "raft: slow", nil},
	}, l.entries)
}

func TestHCLBridge_ResetNamed(t *testing.T) {
	l := &recordLogger{}
	hcl := logadapter.NewHCLBridge(l, "")

	hcl.Named("a").Named("b").ResetNamed("c").Error("boom")

	assert.Equal(t, []entry{{"error", "c: boom", nil}}, l.entries)
}

func TestCronBridge(t *testing.T) {
	l := &recordLogger{}
	c := logadapter.NewCronBridge(l, "cron: ")
	err := errors.New("test")

	c.Info("schedule", "entry", 1)
	c.Error(err, "panic")

	assert.Equal(t, []entry{
		{"debug", "cron: schedule", []interface{}{"entry", 1}},
		{"error", "cron: panic", []interface{}{"error", err}},
	}, l.entries)
}
