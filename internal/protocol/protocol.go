// Package protocol implements the line-oriented wire format spoken between
// the coordinator and its worker processes.
//
// Every record is a single newline-terminated line. The coordinator sends
// plain-text commands ("do <path>", "exit"); the worker answers with the
// readiness signal "next", the recycling signal "restart", or a one-line
// JSON result carrying at most one of "job", "attrs" or "error".
//
// The codec is stateless and has no retry logic.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/adisbladis/hydra-evaluator/internal/attr"
)

// Worker→coordinator control lines.
const (
	// SignalNext is sent by a worker that is ready to accept a command.
	SignalNext = "next"
	// SignalRestart is sent by a worker that is about to self-terminate and
	// wants to be respawned.
	SignalRestart = "restart"
)

const doPrefix = "do "

// CommandKind discriminates coordinator→worker commands.
type CommandKind int

const (
	// CmdDo requests evaluation of one attribute path.
	CmdDo CommandKind = iota
	// CmdExit requests a clean worker shutdown.
	CmdExit
)

// Command is one decoded coordinator→worker line.
type Command struct {
	Kind CommandKind
	Path attr.Path
}

// EncodeDo renders the command requesting evaluation of path.
func EncodeDo(path attr.Path) string {
	return doPrefix + path.String()
}

// EncodeExit renders the clean-shutdown command.
func EncodeExit() string {
	return "exit"
}

// ParseCommand decodes one coordinator→worker line. Out-of-vocabulary lines
// are a protocol error.
func ParseCommand(line string) (Command, error) {
	switch {
	case line == "exit":
		return Command{Kind: CmdExit}, nil
	case strings.HasPrefix(line, doPrefix):
		return Command{Kind: CmdDo, Path: attr.Path(line[len(doPrefix):])}, nil
	default:
		return Command{}, fmt.Errorf("unknown command line %q", line)
	}
}

// Job describes one concrete, buildable unit.
type Job struct {
	DrvPath string `json:"drvPath"`
}

// Result is the structured worker→coordinator answer to a "do" command.
// Exactly one of the fields is set for a job, expansion or per-node error;
// all fields empty means the node was null and contributes nothing.
type Result struct {
	Job   *Job     `json:"job,omitempty"`
	Attrs []string `json:"attrs,omitempty"`
	Error string   `json:"error,omitempty"`
}

// Encode serializes r as a single line (without the trailing newline).
func (r Result) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode result: %w", err)
	}
	return string(b), nil
}

// ParseResult decodes a worker result line. Lines that are not valid JSON,
// or that set more than one of job/attrs/error, are protocol errors.
func ParseResult(line string) (Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(line), &r); err != nil {
		return Result{}, fmt.Errorf("malformed result line %q: %w", line, err)
	}

	set := 0
	if r.Job != nil {
		set++
	}
	if r.Attrs != nil {
		set++
	}
	if r.Error != "" {
		set++
	}
	if set > 1 {
		return Result{}, fmt.Errorf("result line %q sets more than one of job/attrs/error", line)
	}
	return r, nil
}
