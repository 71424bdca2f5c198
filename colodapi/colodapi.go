// Package colodapi defines the shared request/response JSON shapes the
// control socket (ctldispatch) reads and writes (spec.md §4.8, §6).
// Every command is one JSON-line request in, one JSON-line response
// out; the types here give those lines a concrete Go shape instead of
// passing jsonval.Value around ad hoc at the dispatcher boundary.
package colodapi

import "github.com/colodha/colod/jsonval"

// Request is one line read from the control socket. ExecColod carries
// spec.md §4.8's "exec-colod" key; when the line has no such key the
// whole decoded line is pass-through mode and is forwarded to QMP verbatim instead
// (ctldispatch handles that case before ever building a Request).
type Request struct {
	ExecColod string `json:"exec-colod"`

	// Sequence carries the set-* template-installation commands'
	// new sequence, one formatter template string per line.
	Sequence []string `json:"sequence,omitempty"`

	// Store carries set-store's opaque blob.
	Store jsonval.Value `json:"store,omitempty"`

	// Instances carries set-yank's replacement filter.
	Instances []jsonval.Value `json:"instances,omitempty"`

	// Peer carries set-peer's new peer name.
	Peer string `json:"peer,omitempty"`
}

// StatusResponse answers query-status.
type StatusResponse struct {
	Primary      bool `json:"primary"`
	Replication  bool `json:"replication"`
	Failed       bool `json:"failed"`
	PeerFailover bool `json:"peer-failover"`
	PeerFailed   bool `json:"peer-failed"`
}

// PeerResponse answers query-peer/set-peer.
type PeerResponse struct {
	Name       string `json:"name"`
	Failed     bool   `json:"failed"`
	Yellow     bool   `json:"yellow"`
	FailedOver bool   `json:"failed-over"`
}

// ErrorResponse is returned in place of a command's normal response
// when it fails in a way the caller should see (spec.md §4.8's
// `{error: ...}` shape).
type ErrorResponse struct {
	Error string `json:"error"`
}

// Empty is the `{}` response most commands return on plain success.
type Empty struct{}
