// Package ectx implements the Execution Context (spec.md §4.4): a
// per-command-sequence wrapper around a qmp.Client that applies an
// error policy across an ordered run of commands and accumulates a
// single outcome the caller must inspect before the Ectx is dropped.
//
// Grounded on original_source/qmpexectx.c: one "coroutine" owns a
// sequence of qmp_execute calls behind ignore_qmp_error/ignore_yank
// flags, accumulating exactly the outcome fields below, with the same
// first-error-wins and "unchecked is a bug" invariants.
package ectx

import (
	"context"
	"errors"
	"runtime"

	"github.com/oklog/ulid/v2"

	"github.com/colodha/colod/colodlog"
	"github.com/colodha/colod/jsonval"
	"github.com/colodha/colod/qmp"
)

// DebugAssertUnchecked, when true, installs a finalizer on every Ectx
// that panics if it is garbage collected with its outcome still
// unchecked (spec.md §4.4's "enforce via a debug assertion"). Off by
// default; cmd/colod turns it on under --trace.
var DebugAssertUnchecked = false

// Command is one step of a sequence run through an Ectx.
type Command struct {
	Execute   string
	Arguments jsonval.Value
}

// Flags select an Ectx's error policy.
type Flags struct {
	// IgnoreQMPError keeps a QMP-level error (QEMU replied {"error":
	// ...}) from aborting the sequence or counting toward Failed().
	// It is still recorded and logged at Warn.
	IgnoreQMPError bool

	// IgnoreYank keeps a recovered-via-yank result from counting
	// toward Failed(). did_yank is still recorded.
	IgnoreYank bool

	// InterruptCB runs before each step; returning true halts the
	// sequence and marks it interrupted.
	InterruptCB func() bool
}

// Ectx runs a command sequence against a QMP client and collects its
// outcome. The zero value is not usable; construct one with New.
type Ectx struct {
	client *qmp.Client
	flags  Flags
	log    *colodlog.Logger
	id     string

	didYank      bool
	didError     bool
	didQMPError  bool
	didInterrupt bool
	firstError   error
	firstQMPErr  *qmp.CommandError

	unchecked bool
}

// New creates an Ectx bound to client. Every Ectx must be inspected
// (Failed, DidAny, or any outcome accessor) before it's dropped.
func New(client *qmp.Client, flags Flags, log *colodlog.Logger) *Ectx {
	if log == nil {
		log = colodlog.Discard()
	}

	e := &Ectx{
		client:    client,
		flags:     flags,
		log:       log.Scoped("ectx", nil),
		id:        ulid.Make().String(),
		unchecked: true,
	}

	if DebugAssertUnchecked {
		runtime.SetFinalizer(e, func(e *Ectx) {
			if e.unchecked {
				panic("ectx: outcome dropped without being inspected: " + e.id)
			}
		})
	}

	return e
}

// Run executes seq in order. It stops early on a transport error, on
// an interrupt, or on a non-ignored QMP/yank outcome — matching
// qmpexectx.c, where ignore_qmp_error/ignore_yank only suppress
// Failed(), they don't make the daemon blindly run the rest of a
// sequence after QEMU has reported trouble with it unless the caller
// opted into that explicitly.
func (e *Ectx) Run(ctx context.Context, seq []Command) *Ectx {
	for _, cmd := range seq {
		if e.flags.InterruptCB != nil && e.flags.InterruptCB() {
			e.didInterrupt = true
			e.unchecked = true

			return e
		}

		res, err := e.client.Execute(ctx, cmd.Execute, cmd.Arguments)
		if err != nil {
			var qerr *qmp.CommandError
			if errors.As(err, &qerr) {
				e.didQMPError = true
				if e.firstQMPErr == nil {
					e.firstQMPErr = qerr
				}

				e.log.Warn("qmp command returned an error", colodlog.Ctx{
					"command": cmd.Execute,
					"class":   qerr.Class,
					"desc":    qerr.Desc,
				})

				if !e.flags.IgnoreQMPError {
					e.unchecked = true
					return e
				}
			} else {
				e.didError = true
				if e.firstError == nil {
					e.firstError = err
				}

				e.unchecked = true

				return e
			}
		}

		if res.DidYank {
			e.didYank = true

			if !e.flags.IgnoreYank {
				e.unchecked = true
				return e
			}
		}
	}

	e.unchecked = true

	return e
}

// Failed reports whether any non-ignored outcome fired.
func (e *Ectx) Failed() bool {
	e.unchecked = false

	if e.didInterrupt || e.didError {
		return true
	}

	if e.didQMPError && !e.flags.IgnoreQMPError {
		return true
	}

	if e.didYank && !e.flags.IgnoreYank {
		return true
	}

	return false
}

// DidAny reports whether any outcome fired at all, ignored or not.
func (e *Ectx) DidAny() bool {
	e.unchecked = false

	return e.didError || e.didQMPError || e.didYank || e.didInterrupt
}

// DidYank reports whether any step in the sequence recovered via yank.
func (e *Ectx) DidYank() bool {
	e.unchecked = false

	return e.didYank
}

// DidInterrupt reports whether InterruptCB halted the sequence.
func (e *Ectx) DidInterrupt() bool {
	e.unchecked = false

	return e.didInterrupt
}

// FirstError returns the first transport-level error encountered, if
// any.
func (e *Ectx) FirstError() error {
	e.unchecked = false

	return e.firstError
}

// FirstQMPError returns the first QMP-level error encountered, if any.
func (e *Ectx) FirstQMPError() *qmp.CommandError {
	e.unchecked = false

	return e.firstQMPErr
}

// Check marks the outcome inspected without asserting anything about
// it — an escape hatch for call sites that only care that Run
// completed, not why.
func (e *Ectx) Check() {
	e.unchecked = false
}
