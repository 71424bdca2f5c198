// Package qmp implements the QMP Client component (spec.md §4.3): a
// QEMU Machine Protocol connection split across two line channels, a
// "main" channel used for ordinary commands and a "yank" channel kept
// free for out-of-band recovery commands when the main channel stalls.
//
// The split and the timeout-triggered recovery it enables are
// grounded directly on the daemon's own qmp.c: every command is issued
// while holding an exclusive per-channel lock; if the read of its
// reply times out, the client issues query-yank/yank on the yank
// channel and retries the original read exactly once, marking the
// eventual result as recovered-via-yank.
package qmp

import (
	"encoding/json"
	"fmt"

	"github.com/colodha/colod/jsonval"
)

// Command is a single QMP request. Set OOB for commands that must be
// processed out of band (query-yank, yank) — QEMU requires capability
// negotiation with "enable": ["oob"] before it will accept any.
type Command struct {
	Execute   string
	Arguments jsonval.Value
	OOB       bool
}

func (c Command) encode() ([]byte, error) {
	m := make(map[string]any, 2)
	if c.OOB {
		m["exec-oob"] = c.Execute
	} else {
		m["execute"] = c.Execute
	}

	if c.Arguments != nil {
		m["arguments"] = c.Arguments
	}

	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("qmp: encoding command %q: %w", c.Execute, err)
	}

	return data, nil
}

// Event is a parsed QMP event line.
type Event struct {
	Name string
	Data jsonval.Value
	Raw  jsonval.Value
}

// CommandError is the decoded "error" member of a QMP reply.
type CommandError struct {
	Class string
	Desc  string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("qmp: %s: %s", e.Class, e.Desc)
}

// AsCommandError extracts the error member from a raw reply, or nil if
// val is a successful reply. Exported so ectx can classify outcomes
// (did_qmp_error, spec.md §4.4) without re-parsing the wire shape.
func AsCommandError(val jsonval.Value) *CommandError {
	errVal, ok := jsonval.Field(val, "error")
	if !ok {
		return nil
	}

	class, _ := jsonval.Field(errVal, "class")
	desc, _ := jsonval.Field(errVal, "desc")

	return &CommandError{Class: jsonval.String(class), Desc: jsonval.String(desc)}
}

// Result is the outcome of one Execute call.
type Result struct {
	Value   jsonval.Value
	DidYank bool
}
