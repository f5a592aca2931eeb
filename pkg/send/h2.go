package send

import (
	"bytes"
	"context"
	"io"

	"github.com/corehttp/agent/pkg/body"
	"github.com/corehttp/agent/pkg/errors"
	"github.com/corehttp/agent/pkg/h2"
)

// doH2 drives one exchange over the connection's shared h2.Connection
// driver, opening it lazily on first use and caching it on the pooled
// Connection for reuse by later streams.
func (ex *Exchange) doH2(ctx context.Context) (*Response, error) {
	ex.State = StateWriteHead

	drv, err := ex.h2Driver()
	if err != nil {
		ex.State = StateFailed
		return nil, wrapTransportErr("h2_open", err)
	}

	stream, err := drv.OpenStream()
	if err != nil {
		ex.State = StateFailed
		return nil, wrapTransportErr("h2_open_stream", err)
	}

	pseudo := ex.req.Target.PseudoHeaders(ex.req.Method)
	pairs := headerPairs(ex.req.Headers)

	hasBody := ex.req.Body != nil && ex.req.Body.Kind != body.KindEmpty
	if err := drv.WriteHead(stream.ID, pseudo, pairs, !hasBody); err != nil {
		ex.State = StateFailed
		return nil, wrapTransportErr("h2_write_head", err)
	}

	ex.State = StateWriteBody
	if hasBody {
		r, err := ex.req.Body.Open()
		if err != nil {
			ex.State = StateFailed
			return nil, errors.NewUserBodyError(err)
		}
		if err := drv.WriteBody(ctx, stream, r); err != nil {
			ex.State = StateFailed
			return nil, wrapTransportErr("h2_write_body", err)
		}
	}

	ex.State = StateReadHead
	status, pairsIn, endStream, err := drv.ReadHead(ctx, stream)
	if err != nil {
		ex.State = StateFailed
		return nil, wrapTransportErr("h2_read_head", err)
	}

	headers := body.NewHeaders()
	for _, p := range pairsIn {
		headers.Add(p[0], p[1])
	}

	ex.State = StateReadBody
	var wire io.Reader = bytes.NewReader(nil)
	if !endStream {
		wire = drv.StreamBodyReader(stream)
	}

	respBody, err := body.BuildResponseReader(wire, headers, ex.pcfg)
	if err != nil {
		ex.State = StateFailed
		return nil, err
	}

	ex.State = StateDone
	return &Response{
		StatusCode:         status,
		Headers:            headers,
		Body:               io.NopCloser(respBody),
		ConnectionReusable: true,
	}, nil
}

// h2Driver returns the connection's cached *h2.Connection, opening one over
// the raw socket on first use. conn.Connection.Driver is untyped so that
// pkg/conn need not import pkg/h2; this is the one place that casts it.
func (ex *Exchange) h2Driver() (*h2.Connection, error) {
	drv, err := ex.c.DriverOrInit(
		func(d any) bool { return d.(*h2.Connection).Closed() },
		func() (any, error) { return h2.Open(ex.c.NetConn, h2.DefaultSettings()) },
	)
	if err != nil {
		return nil, err
	}
	return drv.(*h2.Connection), nil
}

func headerPairs(h *body.Headers) [][2]string {
	if h == nil {
		return nil
	}
	var out [][2]string
	for _, k := range h.Keys() {
		for _, v := range h.Values(k) {
			out = append(out, [2]string{k, v})
		}
	}
	return out
}
