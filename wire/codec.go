// Package wire encodes and decodes the 4-byte big-endian cluster group
// message codes described in spec.md §6.
package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageCode is a cluster group broadcast payload.
type MessageCode uint32

// The codes assumed by the cluster group transport (spec.md §6). HELLO
// and the SHUTDOWN*/REBOOT* codes are declared but not acted on by any
// component: clustermsg delivers them like any other known code and
// peer.Manager has no case for them, so they are ignored without a
// log entry. Only codes outside this set are logged (by clustermsg).
const (
	Failover        MessageCode = 1
	Failed          MessageCode = 2
	Hello           MessageCode = 3
	Yellow          MessageCode = 4
	Unyellow        MessageCode = 5
	ShutdownRequest MessageCode = 6
	Shutdown        MessageCode = 7
	ShutdownDone    MessageCode = 8
	Reboot          MessageCode = 9
	RebootRestart   MessageCode = 10
)

func (c MessageCode) String() string {
	switch c {
	case Failover:
		return "FAILOVER"
	case Failed:
		return "FAILED"
	case Hello:
		return "HELLO"
	case Yellow:
		return "YELLOW"
	case Unyellow:
		return "UNYELLOW"
	case ShutdownRequest:
		return "SHUTDOWN_REQUEST"
	case Shutdown:
		return "SHUTDOWN"
	case ShutdownDone:
		return "SHUTDOWN_DONE"
	case Reboot:
		return "REBOOT"
	case RebootRestart:
		return "REBOOT_RESTART"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
	}
}

// Known reports whether c is one of the codes named in spec.md §6.
// Unknown codes are ignored by the caller rather than treated as an
// error (spec.md: "Unknown codes are ignored").
func (c MessageCode) Known() bool {
	switch c {
	case Failover, Failed, Hello, Yellow, Unyellow, ShutdownRequest, Shutdown, ShutdownDone, Reboot, RebootRestart:
		return true
	default:
		return false
	}
}

// Encode renders a message code as its 4-byte big-endian wire payload.
func Encode(c MessageCode) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(c))
	return buf
}

// ErrBadLength is returned by Decode when the payload is not exactly 4
// bytes. spec.md §6: "Messages of any other length are dropped with a
// log entry" — the caller is expected to log and drop on this error.
var ErrBadLength = fmt.Errorf("cluster message payload must be exactly 4 bytes")

// Decode parses a wire payload into a message code. The caller should
// check Known() before acting on the result.
func Decode(payload []byte) (MessageCode, error) {
	if len(payload) != 4 {
		return 0, ErrBadLength
	}

	return MessageCode(binary.BigEndian.Uint32(payload)), nil
}
