package h2

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/corehttp/agent/pkg/errors"
)

const clientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// Settings mirrors the subset of RFC 7540 SETTINGS this driver negotiates.
type Settings struct {
	HeaderTableSize      uint32
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
}

// DefaultSettings returns the client's initial SETTINGS payload.
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:      4096,
		MaxConcurrentStreams: 100,
		InitialWindowSize:    65535,
		MaxFrameSize:         16384,
	}
}

// Connection is the HTTP/2 protocol driver for one TCP(+TLS) stream,
// multiplexing concurrent exchanges as HTTP/2 streams.
type Connection struct {
	netConn net.Conn

	writeMu sync.Mutex // serializes Framer writes; http2.Framer is not concurrency-safe
	framer  *http2.Framer

	hpackEnc    *hpack.Encoder
	hpackEncBuf *bytes.Buffer
	hpackDec    *hpack.Decoder

	mu                sync.Mutex
	streams           map[uint32]*Stream
	nextStreamID      uint32
	maxStreams        uint32
	peerInitialWindow uint32
	connWindow        int64
	goaway            bool
	lastStreamID      uint32
	readErr           error

	closeOnce sync.Once
	closed    chan struct{}
}

// Open performs the client connection preface and initial SETTINGS
// exchange, then starts the background frame read loop.
func Open(netConn net.Conn, settings Settings) (*Connection, error) {
	if _, err := netConn.Write([]byte(clientPreface)); err != nil {
		return nil, errors.NewConnectionError("", 0, err)
	}

	framer := http2.NewFramer(netConn, netConn)
	framer.ReadMetaHeaders = nil // we decode headers ourselves to track per-stream flow control precisely

	var hpackBuf bytes.Buffer
	c := &Connection{
		netConn:           netConn,
		framer:            framer,
		hpackEnc:          hpack.NewEncoder(&hpackBuf),
		hpackEncBuf:       &hpackBuf,
		hpackDec:          hpack.NewDecoder(4096, nil),
		streams:           make(map[uint32]*Stream),
		nextStreamID:      1,
		maxStreams:        settings.MaxConcurrentStreams,
		peerInitialWindow: 65535, // RFC 7540 §6.9.2 default until the peer's SETTINGS says otherwise
		connWindow:        int64(settings.InitialWindowSize),
		closed:            make(chan struct{}),
	}

	if err := framer.WriteSettings(
		http2.Setting{ID: http2.SettingHeaderTableSize, Val: settings.HeaderTableSize},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: settings.InitialWindowSize},
		http2.Setting{ID: http2.SettingMaxFrameSize, Val: settings.MaxFrameSize},
	); err != nil {
		return nil, errors.NewProtocolError("failed to write initial SETTINGS", err)
	}

	go c.readLoop()
	return c, nil
}

// Closed reports whether the connection has received GOAWAY or hit a fatal
// read error — new streams must not be opened on it, though streams
// already open are allowed to finish.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.goaway || c.readErr != nil
}

// Close tears down the underlying connection.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.netConn.Close()
}

// OpenStream allocates a new client stream id; each exchange owns one
// stream for its lifetime.
func (c *Connection) OpenStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.goaway {
		return nil, errors.NewProtocolError("connection received GOAWAY, cannot open new stream", nil)
	}
	active := 0
	for _, s := range c.streams {
		if s.state == StateOpen || s.state == StateHalfClosedLocal {
			active++
		}
	}
	if c.maxStreams > 0 && uint32(active) >= c.maxStreams {
		return nil, errors.NewProtocolError("max concurrent streams reached", nil)
	}

	id := c.nextStreamID
	c.nextStreamID += 2
	s := newStream(id, int64(c.peerInitialWindow))
	s.state = StateOpen
	c.streams[id] = s
	return s, nil
}

// WriteHead emits a HEADERS frame carrying pseudo-headers followed by
// regular headers, in RFC 7540 §8.1.2.3 pseudo-header-first order.
func (c *Connection) WriteHead(streamID uint32, pseudo map[string]string, headers [][2]string, endStream bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.hpackEncBuf.Reset()
	for _, k := range []string{":method", ":scheme", ":authority", ":path"} {
		if v, ok := pseudo[k]; ok {
			if err := c.hpackEnc.WriteField(hpack.HeaderField{Name: k, Value: v}); err != nil {
				return errors.NewProtocolError("hpack encode failed", err)
			}
		}
	}
	for _, kv := range headers {
		if isConnectionSpecificHeader(kv[0]) {
			continue
		}
		if err := c.hpackEnc.WriteField(hpack.HeaderField{Name: kv[0], Value: kv[1]}); err != nil {
			return errors.NewProtocolError("hpack encode failed", err)
		}
	}

	return c.framer.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: c.hpackEncBuf.Bytes(),
		EndHeaders:    true,
		EndStream:     endStream,
	})
}

func isConnectionSpecificHeader(name string) bool {
	switch http2.CanonicalHeader(name) {
	case "Connection", "Keep-Alive", "Proxy-Connection", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}

// WriteBody streams r through DATA frames, chunked to MaxFrameSize and
// gated by the stream's flow-control window.
func (c *Connection) WriteBody(ctx context.Context, s *Stream, r io.Reader) error {
	buf := make([]byte, 16384)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			if err := c.writeDataFrame(ctx, s, buf[:n], false); err != nil {
				return err
			}
		}
		if readErr == io.EOF {
			return c.writeDataFrame(ctx, s, nil, true)
		}
		if readErr != nil {
			return errors.NewUserBodyError(readErr)
		}
	}
}

func (c *Connection) writeDataFrame(ctx context.Context, s *Stream, data []byte, endStream bool) error {
	if len(data) == 0 {
		c.writeMu.Lock()
		err := c.framer.WriteData(s.ID, endStream, nil)
		c.writeMu.Unlock()
		if err != nil {
			return errors.NewIOError("write", err)
		}
		return nil
	}
	// Flow control: block until the stream's peer window can absorb this
	// frame, or ctx is cancelled.
	for len(data) > 0 {
		c.mu.Lock()
		avail := s.sendWindow
		c.mu.Unlock()
		if avail <= 0 {
			select {
			case <-ctx.Done():
				return errors.NewCancelledError("write_body")
			case <-time.After(10 * time.Millisecond):
				continue
			}
		}
		n := len(data)
		if int64(n) > avail {
			n = int(avail)
		}
		c.writeMu.Lock()
		err := c.framer.WriteData(s.ID, endStream && n == len(data), data[:n])
		c.writeMu.Unlock()
		if err != nil {
			return errors.NewIOError("write", err)
		}
		c.mu.Lock()
		s.sendWindow -= int64(n)
		c.mu.Unlock()
		data = data[n:]
	}
	return nil
}

// ReadHead blocks until the response HEADERS frame for s arrives, skipping
// any 1xx informational responses; it returns the parsed status and
// ordered header list.
func (c *Connection) ReadHead(ctx context.Context, s *Stream) (status int, headers [][2]string, endStream bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return 0, nil, false, errors.NewCancelledError("read_head")
		case ev, ok := <-s.recvCh:
			if !ok {
				return 0, nil, false, errors.NewResetError("read_head", io.ErrUnexpectedEOF)
			}
			if ev.err != nil {
				return 0, nil, false, ev.err
			}
			st := 0
			var rest [][2]string
			for _, f := range ev.orderedHdr {
				if f.Name == ":status" {
					fmt.Sscanf(f.Value, "%d", &st)
					continue
				}
				rest = append(rest, [2]string{f.Name, f.Value})
			}
			if st >= 100 && st < 200 {
				continue // discard 1xx, re-enter ReadHead
			}
			return st, rest, ev.endStream, nil
		}
	}
}

// StreamBodyReader returns an io.Reader yielding s's DATA frames in order,
// issuing WINDOW_UPDATE as it consumes bytes.
func (c *Connection) StreamBodyReader(s *Stream) io.Reader {
	return &streamReader{conn: c, stream: s}
}

type streamReader struct {
	conn   *Connection
	stream *Stream
	buf    []byte
	eof    bool
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 && !r.eof {
		ev, ok := <-r.stream.recvCh
		if !ok {
			return 0, errors.NewResetError("read_body", io.ErrUnexpectedEOF)
		}
		if ev.err != nil {
			return 0, ev.err
		}
		r.buf = ev.data
		if ev.endStream {
			r.eof = true
		}
	}
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.conn.sendWindowUpdate(r.stream.ID, uint32(n))
	return n, nil
}

func (c *Connection) sendWindowUpdate(streamID uint32, n uint32) {
	if n == 0 {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.framer.WriteWindowUpdate(streamID, n)
	c.framer.WriteWindowUpdate(0, n)
}

// CancelStream aborts s by issuing RST_STREAM with CANCEL.
func (c *Connection) CancelStream(s *Stream) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	s.state = StateClosed
	c.mu.Unlock()
	return c.framer.WriteRSTStream(s.ID, http2.ErrCodeCancel)
}

func (c *Connection) readLoop() {
	dec := c.hpackDec
	for {
		f, err := c.framer.ReadFrame()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			streams := c.streams
			c.mu.Unlock()
			for _, s := range streams {
				select {
				case s.recvCh <- frameResult{err: errors.NewResetError("read", err)}:
				default:
				}
			}
			return
		}

		switch fr := f.(type) {
		case *http2.HeadersFrame:
			fields, decErr := dec.DecodeFull(fr.HeaderBlockFragment())
			var hdrs []headerField
			for _, h := range fields {
				hdrs = append(hdrs, headerField{Name: h.Name, Value: h.Value})
			}
			c.dispatch(fr.StreamID, frameResult{orderedHdr: hdrs, endStream: fr.StreamEnded(), err: wrapDecodeErr(decErr)})

		case *http2.DataFrame:
			data := append([]byte(nil), fr.Data()...)
			c.dispatch(fr.StreamID, frameResult{data: data, endStream: fr.StreamEnded()})

		case *http2.RSTStreamFrame:
			c.dispatch(fr.StreamID, frameResult{err: errors.NewResetError("rst_stream", fmt.Errorf("RST_STREAM code=%v", fr.ErrCode))})

		case *http2.GoAwayFrame:
			c.mu.Lock()
			c.goaway = true
			c.lastStreamID = fr.LastStreamID
			c.mu.Unlock()

		case *http2.WindowUpdateFrame:
			c.mu.Lock()
			if fr.StreamID == 0 {
				c.connWindow += int64(fr.Increment)
			} else if s, ok := c.streams[fr.StreamID]; ok {
				s.sendWindow += int64(fr.Increment)
			}
			c.mu.Unlock()

		case *http2.SettingsFrame:
			if !fr.IsAck() {
				c.mu.Lock()
				fr.ForeachSetting(func(s http2.Setting) error {
					switch s.ID {
					case http2.SettingMaxConcurrentStreams:
						c.maxStreams = s.Val
					case http2.SettingInitialWindowSize:
						c.peerInitialWindow = s.Val
					}
					return nil
				})
				c.mu.Unlock()
				c.writeMu.Lock()
				c.framer.WriteSettingsAck()
				c.writeMu.Unlock()
			}

		case *http2.PingFrame:
			if !fr.IsAck() {
				c.writeMu.Lock()
				c.framer.WritePing(true, fr.Data)
				c.writeMu.Unlock()
			}
		}
	}
}

func wrapDecodeErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.NewProtocolError("hpack decode failed", err)
}

func (c *Connection) dispatch(streamID uint32, ev frameResult) {
	c.mu.Lock()
	s, ok := c.streams[streamID]
	if ok && ev.endStream {
		s.state = StateClosed
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.recvCh <- ev:
	case <-c.closed:
	}
}
