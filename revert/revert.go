// Package revert provides a scope-bound cleanup guard, adapted from
// canonical-lxd's lxd/revert package. spec.md §5 requires that timers,
// watches, channel handles and launched processes are released on
// every exit path of a failed command sequence or cluster join; a
// Reverter gives a sequence that guarantee without a hand-rolled defer
// chain at each call site. No other package of this module imports it.
package revert

// Reverter accumulates cleanup functions and runs them in reverse
// order (LIFO — later-acquired resources are released first) unless
// Success is called before it goes out of scope.
type Reverter struct {
	fns []func()
}

// New returns a Reverter with no registered cleanup functions.
func New() *Reverter {
	return &Reverter{}
}

// Add registers a cleanup function to run on Fail.
func (r *Reverter) Add(fn func()) {
	r.fns = append(r.fns, fn)
}

// Fail runs every registered cleanup function in reverse order. Safe
// to call via defer unconditionally; it is a no-op after Success.
func (r *Reverter) Fail() {
	for i := len(r.fns) - 1; i >= 0; i-- {
		r.fns[i]()
	}

	r.fns = nil
}

// Success discards all registered cleanup functions, so a subsequent
// Fail (typically deferred) does nothing.
func (r *Reverter) Success() {
	r.fns = nil
}

// Clone returns a new Reverter carrying the same pending cleanup
// functions, for handing partial ownership of a sequence's guards to a
// nested call that may itself fail independently.
func (r *Reverter) Clone() *Reverter {
	clone := &Reverter{fns: make([]func(), len(r.fns))}
	copy(clone.fns, r.fns)
	return clone
}
