// Package send drives one request/response exchange over either HTTP/1.1
// or HTTP/2 through an explicit state machine:
// Start -> WriteHead -> WriteBody -> ReadHead -> ReadBody -> Done | Failed.
package send

import (
	"context"
	"io"

	"github.com/corehttp/agent/pkg/body"
	"github.com/corehttp/agent/pkg/conn"
	"github.com/corehttp/agent/pkg/errors"
	"github.com/corehttp/agent/pkg/h2"
	"github.com/corehttp/agent/pkg/uri"
)

// State names the exchange's current step. Keeping it as an explicit value
// on Exchange (rather than implicit call-stack position) makes
// cancellation well-defined at any point and the current step observable
// for testing.
type State int

const (
	StateStart State = iota
	StateWriteHead
	StateWriteBody
	StateReadHead
	StateReadBody
	StateDone
	StateFailed
)

// Request is what the state machine consumes for one exchange.
type Request struct {
	Method  string
	Target  *uri.Target
	Headers *body.Headers
	Body    *body.Source
}

// Response is what the state machine produces. Body is a lazy reader that
// owns the exclusive right to read the Connection until EOF.
type Response struct {
	StatusCode int
	Headers    *body.Headers
	Body       io.ReadCloser

	// ConnectionReusable reports whether the protocol and headers observed
	// during this exchange allow returning the Connection to the pool once
	// Body is fully consumed.
	ConnectionReusable bool
}

// Exchange holds one in-flight request/response's state-machine position.
type Exchange struct {
	State State
	req   *Request
	c     *conn.Connection
	pcfg  body.PipelineConfig
}

// Do runs the exchange to completion's ReadHead step: it writes the
// request head and body, then parses the response head. The caller reads
// the returned Response.Body to drive ReadBody.
func Do(ctx context.Context, c *conn.Connection, req *Request, pcfg body.PipelineConfig) (*Response, error) {
	ex := &Exchange{State: StateStart, req: req, c: c, pcfg: pcfg}

	if c.Protocol == conn.ProtocolH2 {
		return ex.doH2(ctx)
	}
	return ex.doH1(ctx)
}

// Cancel aborts an in-flight or held Exchange: for h1 this closes (never
// returns) the connection; for h2 it issues RST_STREAM CANCEL on the owning
// connection without killing sibling streams. streamHandle is the
// exchange's *h2.Stream for h2 (nil for h1); Response does not carry it.
func Cancel(c *conn.Connection, streamHandle any) error {
	if c.Protocol == conn.ProtocolH2 {
		if drv, ok := c.Driver.(*h2.Connection); ok {
			if s, ok := streamHandle.(*h2.Stream); ok {
				return drv.CancelStream(s)
			}
		}
		return nil
	}
	c.MarkBroken()
	return c.Close()
}

func wrapTransportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*errors.Error); ok {
		return err
	}
	return errors.NewIOError(op, err)
}
