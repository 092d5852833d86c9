// Package protocol defines the messages exchanged with job agents over
// their control channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/nrwiersma/jobcluster/model"
	"github.com/pkg/errors"
)

// Inbound message types.
const (
	TypeLogin    = "login"
	TypeResult   = "result"
	TypeProgress = "progress"
	TypeSysInfo  = "sysinfo"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
)

// Outbound commands.
const (
	CommandExec    = "exec"
	CommandSysInfo = "sysinfo"
	CommandRestart = "restart"
)

// Decode errors.
var (
	ErrUnknownType = errors.New("protocol: unknown message type")
	ErrMalformed   = errors.New("protocol: malformed message")
)

// Message is a message received from an agent.
type Message interface {
	Type() string
}

// Login binds the connection to an agent.
type Login struct {
	ID string
}

// Type returns the message type.
func (Login) Type() string { return TypeLogin }

// Result is the outcome of the job assigned to the agent.
type Result struct {
	Success bool
	Log     string
	Error   string
}

// Type returns the message type.
func (Result) Type() string { return TypeResult }

// Progress is the progress of the job assigned to the agent.
type Progress struct {
	Value int
}

// Type returns the message type.
func (Progress) Type() string { return TypeProgress }

// SysInfo carries the system metrics of the agent.
type SysInfo struct {
	Data json.RawMessage
}

// Type returns the message type.
func (SysInfo) Type() string { return TypeSysInfo }

type envelope struct {
	Type     string          `json:"type"`
	ID       string          `json:"id"`
	Result   string          `json:"result"`
	Log      string          `json:"log"`
	Error    string          `json:"error"`
	Progress json.RawMessage `json:"progress"`
	Data     json.RawMessage `json:"data"`
}

// Decode decodes a message received from an agent.
func Decode(b []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	switch env.Type {
	case TypeLogin:
		if env.ID == "" {
			return nil, errors.Wrap(ErrMalformed, "login requires an id")
		}
		return Login{ID: env.ID}, nil

	case TypeResult:
		switch env.Result {
		case ResultSuccess:
			return Result{Success: true, Log: env.Log}, nil
		case ResultFailed:
			return Result{Log: env.Log, Error: env.Error}, nil
		default:
			return nil, errors.Wrapf(ErrMalformed, "unknown result %q", env.Result)
		}

	case TypeProgress:
		p, err := parseProgress(env.Progress)
		if err != nil {
			return nil, err
		}
		return Progress{Value: p}, nil

	case TypeSysInfo:
		return SysInfo{Data: env.Data}, nil

	case "":
		return nil, errors.Wrap(ErrMalformed, "missing type")

	default:
		return nil, errors.Wrapf(ErrUnknownType, "type %q", env.Type)
	}
}

// parseProgress accepts a number or a numeric string, clamped to [0,100].
func parseProgress(raw json.RawMessage) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, errors.Wrap(ErrMalformed, "missing progress")
	}

	var f float64
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, errors.Wrap(ErrMalformed, err.Error())
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, errors.Wrapf(ErrMalformed, "invalid progress %q", s)
		}
		f = v
	} else if err := json.Unmarshal(raw, &f); err != nil {
		return 0, errors.Wrap(ErrMalformed, err.Error())
	}

	if math.IsNaN(f) {
		return 0, errors.Wrap(ErrMalformed, "invalid progress")
	}
	switch {
	case f < 0:
		f = 0
	case f > 100:
		f = 100
	}
	return int(f), nil
}

// Reply answers a login or a malformed message.
type Reply struct {
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Success returns a success reply.
func Success() Reply {
	return Reply{Result: ResultSuccess}
}

// Failure returns a failure reply with the given reason.
func Failure(reason string) Reply {
	return Reply{Result: ResultFailed, Error: reason}
}

// Command is a parameterless command sent to an agent.
type Command struct {
	Command string `json:"command"`
}

// Restart asks the agent to restart itself.
func Restart() Command {
	return Command{Command: CommandRestart}
}

// SysInfoRequest asks the agent to push fresh system metrics.
func SysInfoRequest() Command {
	return Command{Command: CommandSysInfo}
}

// Exec instructs an agent to execute a job.
type Exec struct {
	Command    string                 `json:"command"`
	Job        string                 `json:"job"`
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	Client     string                 `json:"client"`
	Batch      []model.ElementRef     `json:"batch"`
	Elements   []string               `json:"elements"`
	APIToken   string                 `json:"api_token"`
	APIURL     string                 `json:"api_url"`
	User       string                 `json:"user,omitempty"`
}

// NewExec returns the exec command of a job.
func NewExec(job *model.Job, token, apiURL string) Exec {
	params := job.Parameters
	if params == nil {
		params = map[string]interface{}{}
	}

	return Exec{
		Command:    CommandExec,
		Job:        job.ID,
		Type:       job.Type,
		Parameters: params,
		Client:     job.Client,
		Batch:      job.Batch,
		Elements:   job.Elements,
		APIToken:   token,
		APIURL:     apiURL,
		User:       job.User,
	}
}
