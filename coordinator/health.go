package coordinator

import (
	"context"
	"fmt"

	"github.com/colodha/colod/jsonval"
)

// HealthCheck is spec.md §4.7.7: cross-reference QEMU's own
// query-status/query-colo-status against the daemon's notion of
// (primary, replication), enqueueing a Failed event with a diagnostic
// on a disagreement outside of a transition window.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	status, err := c.qmpc.Execute(ctx, "query-status", nil)
	if err != nil {
		return fmt.Errorf("health check: query-status: %w", err)
	}

	colo, err := c.qmpc.Execute(ctx, "query-colo-status", nil)
	if err != nil {
		return fmt.Errorf("health check: query-colo-status: %w", err)
	}

	st := c.Status()
	if st.Transitioning {
		return nil
	}

	qemuStatus := fieldString(status.Value, "status")
	mode := fieldString(colo.Value, "mode")
	reason := fieldString(colo.Value, "reason")

	expectPrimary, expectReplication, ok := expectedRoles(qemuStatus, mode, reason)
	if !ok {
		return nil
	}

	if expectPrimary != st.Primary || expectReplication != st.Replication {
		c.Enqueue(Event{Tag: Failed, Reason: fmt.Sprintf(
			"health check mismatch: qemu status=%q colo mode=%q reason=%q, daemon primary=%v replication=%v",
			qemuStatus, mode, reason, st.Primary, st.Replication)})
	}

	return nil
}

// fieldString reads key from the "return" member of a QMP reply.
func fieldString(v jsonval.Value, key string) string {
	ret, _ := jsonval.Field(v, "return")
	f, _ := jsonval.Field(ret, key)
	return jsonval.String(f)
}

// expectedRoles derives the daemon's expected (primary, replication)
// from QEMU's reported status (spec.md §4.7.7's qemu.status ∈
// {running, finish-migrate, colo, prelaunch, paused} combined with
// colo.mode ∈ {none, primary, secondary}). A colo.reason of "request"
// means COLO itself is mid-transition for a reason the daemon caused;
// that's tolerated here the same way the transitioning flag is,
// rather than treated as a third combination to validate against.
func expectedRoles(qemuStatus, mode, reason string) (primary, replication, ok bool) {
	switch qemuStatus {
	case "running", "finish-migrate", "colo", "prelaunch", "paused":
	default:
		return false, false, false
	}

	if reason == "request" {
		return false, false, false
	}

	switch mode {
	case "none":
		return true, false, true
	case "primary":
		return true, true, true
	case "secondary":
		return false, true, true
	default:
		return false, false, false
	}
}
