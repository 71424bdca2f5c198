package tmplset

import "fmt"

// Set holds all seven named sequences of spec.md §3. Field order
// matches the order they're introduced there.
type Set struct {
	PrepareSecondary    Sequence `json:"prepare_secondary"`
	MigrationStart      Sequence `json:"migration_start"`
	MigrationSwitchover Sequence `json:"migration_switchover"`
	FailoverPrimary     Sequence `json:"failover_primary"`
	FailoverSecondary   Sequence `json:"failover_secondary"`
	QEMUPrimaryArgs     Sequence `json:"qemu_primary_args"`
	QEMUSecondaryArgs   Sequence `json:"qemu_secondary_args"`
}

// Named looks up one sequence by the wire name used in config files and
// in the ctldispatch set-* commands (spec.md §4.8's
// set-prepare-secondary/set-migration-start/set-migration-switchover/
// set-primary-failover/set-secondary-failover map to these five; the two
// qemu_*_args sequences are config-only, not independently settable at
// runtime).
func (s *Set) Named(name string) (Sequence, bool) {
	switch name {
	case "prepare_secondary":
		return s.PrepareSecondary, true
	case "migration_start":
		return s.MigrationStart, true
	case "migration_switchover":
		return s.MigrationSwitchover, true
	case "failover_primary":
		return s.FailoverPrimary, true
	case "failover_secondary":
		return s.FailoverSecondary, true
	case "qemu_primary_args":
		return s.QEMUPrimaryArgs, true
	case "qemu_secondary_args":
		return s.QEMUSecondaryArgs, true
	default:
		return nil, false
	}
}

// SetNamed installs seq as the named sequence, replacing whatever was
// there. Callers (ctldispatch) are expected to have already validated
// seq with a Formatter before calling this.
func (s *Set) SetNamed(name string, seq Sequence) error {
	switch name {
	case "prepare_secondary":
		s.PrepareSecondary = seq
	case "migration_start":
		s.MigrationStart = seq
	case "migration_switchover":
		s.MigrationSwitchover = seq
	case "failover_primary":
		s.FailoverPrimary = seq
	case "failover_secondary":
		s.FailoverSecondary = seq
	case "qemu_primary_args":
		s.QEMUPrimaryArgs = seq
	case "qemu_secondary_args":
		s.QEMUSecondaryArgs = seq
	default:
		return fmt.Errorf("tmplset: unknown sequence %q", name)
	}

	return nil
}
