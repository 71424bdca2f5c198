package qmp

import (
	"context"
	"fmt"

	"github.com/colodha/colod/jsonval"
)

// maxYankAttempts bounds the DeviceNotFound retry loop below. The
// daemon's own yank recovery recurses unconditionally on that one
// error class; a small bound is substituted here for the same reason
// any retry loop in a long-running daemon needs one — QEMU reporting
// DeviceNotFound indefinitely means recovery can't converge, not that
// the next attempt will.
const maxYankAttempts = 8

// yankRecover runs query-yank/yank on the yank channel (spec.md §4.3,
// §9): query which devices are currently blocked, filter to the ones
// the caller is configured to recover (yankInstances, an
// object_matches template list — see pickYankInstances), then yank
// exactly those. QEMU replies DeviceNotFound if the device list raced
// with a device disappearing; that's the only error this retries.
//
// The yank channel's lock is acquired once for the whole sequence,
// not per sub-command: releasing it between query-yank and yank would
// let the channel's own background listener steal it and block
// forever waiting for a line that only arrives once this sequence
// writes its next command.
func (cl *Client) yankRecover(ctx context.Context) error {
	if err := cl.yank.acquire(ctx); err != nil {
		return err
	}
	defer cl.yank.release()

	for attempt := 0; attempt < maxYankAttempts; attempt++ {
		queryResult, err := cl.roundTrip(cl.yank, Command{Execute: "query-yank", OOB: true})
		if err != nil {
			return fmt.Errorf("query-yank: %w", err)
		}

		if qerr := AsCommandError(queryResult); qerr != nil {
			return fmt.Errorf("query-yank: %w", qerr)
		}

		cl.yankInstancesMu.Lock()
		templates := cl.yankInstances
		cl.yankInstancesMu.Unlock()

		instances := pickYankInstances(queryResult, templates)

		yankCmd := Command{Execute: "yank", Arguments: map[string]jsonval.Value{"instances": instances}, OOB: true}

		yankResult, err := cl.roundTrip(cl.yank, yankCmd)
		if err != nil {
			return fmt.Errorf("yank: %w", err)
		}

		if qerr := AsCommandError(yankResult); qerr != nil {
			if qerr.Class == "DeviceNotFound" {
				continue
			}

			return fmt.Errorf("yank: %w", qerr)
		}

		return nil
	}

	return fmt.Errorf("qmp: yank recovery did not converge after %d attempts", maxYankAttempts)
}

// pickYankInstances keeps the query-yank "return" array entries that
// match at least one of templates (spec.md's object_matches).
func pickYankInstances(queryResult jsonval.Value, templates []jsonval.Value) []jsonval.Value {
	ret, _ := jsonval.Field(queryResult, "return")

	arr, ok := ret.([]jsonval.Value)
	if !ok {
		return nil
	}

	var out []jsonval.Value
	for _, elem := range arr {
		for _, tmpl := range templates {
			if jsonval.Matches(tmpl, elem) {
				out = append(out, elem)
				break
			}
		}
	}

	return out
}
