// Package tmplset implements the Command Template Set (spec.md §3,
// §4.8): the seven named sequences of placeholder-bearing template
// strings that the QEMU launch formatter expands into QMP command
// arrays and process arguments. The formatter itself is kept to the
// "pure function format(template, bindings) -> sequence<string>"
// boundary the spec describes; everything around it (process launch,
// command dispatch) lives in launcher/ectx/ctldispatch instead.
package tmplset

// Template is one line of a sequence: a QMP command object or a QEMU
// argument, written with @@PLACEHOLDER@@ tokens that the Formatter
// expands. @@DECL_NAME@@ {...json...} additionally declares a default
// JSON payload for NAME, merged with any operator override before
// substitution; see formatter.go.
type Template string

// Sequence is an ordered list of Templates executed or emitted in
// order, e.g. the commands of a migration step or the argv of a QEMU
// invocation.
type Sequence []Template
