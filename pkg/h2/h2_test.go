package h2

import (
	"bufio"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// serverSide is a minimal HTTP/2 server handshake used only to exercise
// Connection's client-side framing against a real peer over a socket pair.
func serverSide(t *testing.T, conn net.Conn, done chan<- struct{}) {
	t.Helper()
	br := bufio.NewReader(conn)
	preface := make([]byte, len(clientPreface))
	if _, err := io.ReadFull(br, preface); err != nil {
		t.Errorf("server: read preface: %v", err)
		return
	}

	framer := http2.NewFramer(conn, br)
	framer.WriteSettings()

	var hdrBuf []byte
	dec := hpack.NewDecoder(4096, nil)

	for {
		f, err := framer.ReadFrame()
		if err != nil {
			return
		}
		switch fr := f.(type) {
		case *http2.SettingsFrame:
			if !fr.IsAck() {
				framer.WriteSettingsAck()
			}
		case *http2.HeadersFrame:
			hdrBuf = append(hdrBuf, fr.HeaderBlockFragment()...)
			if fr.HeadersEnded() {
				if _, err := dec.DecodeFull(hdrBuf); err != nil {
					t.Errorf("server: decode headers: %v", err)
					return
				}
				var buf encoderBuf
				e := hpack.NewEncoder(&buf)
				e.WriteField(hpack.HeaderField{Name: ":status", Value: "200"})
				e.WriteField(hpack.HeaderField{Name: "content-type", Value: "text/plain"})
				framer.WriteHeaders(http2.HeadersFrameParam{
					StreamID:      fr.StreamID,
					BlockFragment: buf.Bytes(),
					EndHeaders:    true,
				})
				framer.WriteData(fr.StreamID, true, []byte("ok"))
				close(done)
			}
		}
	}
}

type encoderBuf struct{ b []byte }

func (e *encoderBuf) Write(p []byte) (int, error) {
	e.b = append(e.b, p...)
	return len(p), nil
}
func (e *encoderBuf) Bytes() []byte { return e.b }

func TestConnectionRoundTrip(t *testing.T) {
	// A loopback TCP pair, not net.Pipe: both peers write their SETTINGS
	// before reading, which only works with kernel socket buffering.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		sc, _ := ln.Accept()
		accepted <- sc
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server := <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	defer server.Close()

	done := make(chan struct{})
	go serverSide(t, server, done)

	c, err := Open(client, DefaultSettings())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()

	s, err := c.OpenStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if err := c.WriteHead(s.ID, map[string]string{
		":method": "GET", ":scheme": "https", ":authority": "h", ":path": "/",
	}, nil, true); err != nil {
		t.Fatalf("write head: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, _, endStream, err := c.ReadHead(ctx, s)
	if err != nil {
		t.Fatalf("read head: %v", err)
	}
	if status != 200 {
		t.Errorf("expected status 200, got %d", status)
	}
	if endStream {
		t.Fatalf("expected body to follow")
	}

	body, err := io.ReadAll(c.StreamBodyReader(s))
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("expected body %q, got %q", "ok", body)
	}

	<-done
}

func TestIsConnectionSpecificHeader(t *testing.T) {
	for _, name := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade"} {
		if !isConnectionSpecificHeader(name) {
			t.Errorf("expected %q to be filtered", name)
		}
	}
	if isConnectionSpecificHeader("Content-Type") {
		t.Error("expected Content-Type to pass through")
	}
}
