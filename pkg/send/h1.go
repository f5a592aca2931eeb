package send

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/corehttp/agent/pkg/body"
	"github.com/corehttp/agent/pkg/errors"
)

const maxHeaderBytes = 1 << 20

// doH1 writes the request line and headers directly to the connection's
// socket, then writes the body while concurrently parsing the status line
// and headers off a buffered reader wrapping the same socket.
func (ex *Exchange) doH1(ctx context.Context) (*Response, error) {
	ex.State = StateWriteHead

	headers := ex.req.Headers
	if headers == nil {
		headers = body.NewHeaders()
	}
	if headers.Get("Host") == "" {
		headers.Set("Host", ex.req.Target.Authority())
	}

	src := ex.req.Body
	if src == nil {
		src = body.Empty()
	}
	hasBody := src.Kind != body.KindEmpty

	bodyWriter, closeBody, err := body.PrepareRequestWriter(ex.c.NetConn, src, headers, false, ex.pcfg)
	if err != nil {
		ex.State = StateFailed
		return nil, err
	}

	if err := writeRequestLine(ex.c.NetConn, ex.req.Method, ex.req.Target); err != nil {
		ex.State = StateFailed
		return nil, wrapTransportErr("h1_write_request_line", err)
	}
	if err := writeHeaders(ex.c.NetConn, headers); err != nil {
		ex.State = StateFailed
		return nil, wrapTransportErr("h1_write_headers", err)
	}

	ex.State = StateWriteBody
	reader := bufio.NewReader(ex.c.NetConn)

	// The head is read on its own goroutine so a server that answers early
	// (a 1xx interim response, or a final status like 413 sent before it
	// has read the whole request) doesn't deadlock behind a still-running
	// io.Copy of a large body.
	headCh := make(chan headResult, 1)
	go func() {
		status, hdrs, err := readHead(reader)
		headCh <- headResult{status: status, headers: hdrs, err: err}
	}()

	bodyDone := make(chan error, 1)
	if hasBody {
		go func() {
			r, err := src.Open()
			if err != nil {
				bodyDone <- err
				return
			}
			if _, err := io.Copy(bodyWriter, r); err != nil {
				bodyDone <- err
				return
			}
			bodyDone <- closeBody()
		}()
	} else {
		bodyDone <- nil
	}

	ex.State = StateReadHead

	var hr headResult
	var bodyErr error
	bodyFinished := false

	select {
	case hr = <-headCh:
		select {
		case bodyErr = <-bodyDone:
			bodyFinished = true
		default:
		}
	case bodyErr = <-bodyDone:
		bodyFinished = true
		hr = <-headCh
	}

	if hr.err != nil {
		ex.State = StateFailed
		if bodyFinished && bodyErr != nil {
			return nil, wrapTransportErr("h1_write_body", bodyErr)
		}
		return nil, hr.err
	}

	status, respHeaders := hr.status, hr.headers

	ex.State = StateReadBody
	var wire io.Reader = reader
	if body.NoBodyExpected(status, ex.req.Method) && reader.Buffered() == 0 {
		wire = strings.NewReader("")
	}

	respBody, err := body.BuildResponseReader(wire, respHeaders, ex.pcfg)
	if err != nil {
		ex.State = StateFailed
		return nil, err
	}

	// A response that arrived while the request body was still being
	// written (an early status, or the server simply hanging up) leaves
	// the connection in an indeterminate write state: never reuse it.
	reusable := bodyFinished && bodyErr == nil &&
		!strings.EqualFold(respHeaders.Get("Connection"), "close")

	ex.State = StateDone
	return &Response{
		StatusCode:         status,
		Headers:            respHeaders,
		Body:               io.NopCloser(respBody),
		ConnectionReusable: reusable,
	}, nil
}

type headResult struct {
	status  int
	headers *body.Headers
	err     error
}

// readHead reads the status line and headers, discarding any 1xx
// informational responses (100 Continue among them) and re-reading until
// a final status arrives.
func readHead(r *bufio.Reader) (int, *body.Headers, error) {
	for {
		statusLine, err := readLine(r)
		if err != nil {
			return 0, nil, errors.NewProtocolError("reading status line", err)
		}
		status, err := parseStatusLine(statusLine)
		if err != nil {
			return 0, nil, err
		}
		headers, err := readHeaders(r)
		if err != nil {
			return 0, nil, err
		}
		if status >= 100 && status < 200 {
			continue
		}
		return status, headers, nil
	}
}

func writeRequestLine(w io.Writer, method string, target interface{ RequestTarget() string }) error {
	_, err := fmt.Fprintf(w, "%s %s HTTP/1.1\r\n", method, target.RequestTarget())
	return err
}

func writeHeaders(w io.Writer, h *body.Headers) error {
	for _, k := range h.Keys() {
		for _, v := range h.Values(k) {
			if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, v); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// readLine reads one CRLF- or LF-terminated line, stripping the
// terminator.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) >= 2 && line[len(line)-2:] == "\r\n" {
		return line[:len(line)-2], nil
	}
	return strings.TrimRight(line, "\n"), nil
}

func parseStatusLine(statusLine string) (int, error) {
	parts := strings.SplitN(statusLine, " ", 3)
	if len(parts) < 2 {
		return 0, errors.NewProtocolError("invalid status line", nil)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, errors.NewProtocolError("invalid status code", err)
	}
	return code, nil
}

// readHeaders reads header lines up to the blank-line terminator, folding
// obsolete line continuations (RFC 7230 3.2.4) into the preceding value.
func readHeaders(r *bufio.Reader) (*body.Headers, error) {
	headers := body.NewHeaders()
	total := 0
	var lastKey string

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, errors.NewProtocolError("reading headers", err)
		}

		total += len(line)
		if total > maxHeaderBytes {
			return nil, errors.NewProtocolError("headers exceed maximum size", nil)
		}

		if line == "\r\n" || line == "\n" {
			break
		}

		trimmed := strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(trimmed, " ") || strings.HasPrefix(trimmed, "\t") {
			if lastKey == "" {
				continue
			}
			headers.AppendToLast(lastKey, " "+strings.TrimSpace(trimmed))
			continue
		}

		parts := strings.SplitN(trimmed, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		headers.Add(key, value)
		lastKey = key
	}

	return headers, nil
}
