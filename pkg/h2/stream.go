// Package h2 is the frame-level HTTP/2 driver behind the send state
// machine's h2 path, built directly on golang.org/x/net/http2's Framer
// and hpack encoder/decoder.
package h2

// StreamState mirrors RFC 7540 §5.1's stream state machine, trimmed to the
// states a client-only driver observes.
type StreamState int

const (
	StateIdle StreamState = iota
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

// frameResult carries one parsed HEADERS/DATA/trailer event up to the
// stream's consumer.
type frameResult struct {
	headers    map[string]string // never populated; header events carry orderedHdr
	orderedHdr []headerField
	data       []byte
	endStream  bool
	err        error
}

type headerField struct {
	Name  string
	Value string
}

// Stream is one HTTP/2 exchange's client-side handle; each exchange owns
// one stream id for its lifetime.
type Stream struct {
	ID    uint32
	state StreamState

	recvCh chan frameResult
	// sendWindow is the stream's view of the peer's flow-control window,
	// updated by WINDOW_UPDATE frames the connection read-loop dispatches.
	sendWindow int64

	closeOnce bool
}

func newStream(id uint32, sendWindow int64) *Stream {
	return &Stream{
		ID:         id,
		state:      StateIdle,
		recvCh:     make(chan frameResult, 8),
		sendWindow: sendWindow,
	}
}
