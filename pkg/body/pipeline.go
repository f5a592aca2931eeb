package body

import (
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// Headers is the case-insensitive, order-preserving, multi-value header map
// used by both Request and Response.
type Headers struct {
	keys   []string // canonical keys in insertion order (first occurrence)
	values map[string][]string
}

// NewHeaders returns an empty header map.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

// Add appends a value, preserving insertion order and allowing duplicates.
func (h *Headers) Add(key, value string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		h.keys = append(h.keys, ck)
	}
	h.values[ck] = append(h.values[ck], value)
}

// Set replaces all values for key.
func (h *Headers) Set(key, value string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		h.keys = append(h.keys, ck)
	}
	h.values[ck] = []string{value}
}

// Get returns the first value for key, or "".
func (h *Headers) Get(key string) string {
	vs := h.values[textproto.CanonicalMIMEHeaderKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values for key in insertion order.
func (h *Headers) Values(key string) []string {
	return h.values[textproto.CanonicalMIMEHeaderKey(key)]
}

// Keys returns the canonical header names in first-insertion order.
func (h *Headers) Keys() []string { return h.keys }

// AppendToLast folds suffix onto the most recently added value for key,
// used to splice RFC 7230 3.2.4 line-continuation text onto the header
// line it belongs to without disturbing any earlier values sharing key.
func (h *Headers) AppendToLast(key, suffix string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	vs := h.values[ck]
	if len(vs) == 0 {
		return
	}
	vs[len(vs)-1] = vs[len(vs)-1] + suffix
}

// PipelineConfig controls the optional transform layers the body
// construction rules may install.
type PipelineConfig struct {
	AutoContentDecode bool // gzip/br Content-Encoding auto-layer
	AutoCharsetDecode bool // charset -> UTF-8 auto-layer
	AutoContentEncode bool
	AutoCharsetEncode bool
}

// BuildResponseReader applies the construction rules for a response body
// over wire, the raw byte-stream owned by the Connection, given the
// parsed response headers.
func BuildResponseReader(wire io.Reader, headers *Headers, cfg PipelineConfig) (io.Reader, error) {
	var r io.Reader = wire

	switch {
	case isChunked(headers):
		r = NewChunkedReader(r)
	default:
		if cl, ok := contentLength(headers); ok {
			r = NewLengthLimitedReader(r, cl)
		}
		// else: until-EOF framing, r is used as-is (step 3).
	}

	if cfg.AutoContentDecode {
		switch strings.ToLower(headers.Get("Content-Encoding")) {
		case "gzip":
			gr, err := NewGzipReader(r)
			if err != nil {
				return nil, err
			}
			r = gr
		case "br":
			r = NewBrotliReader(r)
		}
	}

	if cfg.AutoCharsetDecode {
		cr, err := NewCharsetReader(r, headers.Get("Content-Type"))
		if err != nil {
			return nil, err
		}
		r = cr
	}

	return r, nil
}

func isChunked(headers *Headers) bool {
	te := strings.ToLower(headers.Get("Transfer-Encoding"))
	return strings.Contains(te, "chunked")
}

func contentLength(headers *Headers) (int64, bool) {
	v := headers.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// NoBodyExpected reports whether framing rules forbid a body regardless of
// headers: 1xx, 204, 304, and HEAD responses never carry a body.
func NoBodyExpected(status int, requestMethod string) bool {
	if status >= 100 && status < 200 {
		return true
	}
	if status == 204 || status == 304 {
		return true
	}
	return strings.EqualFold(requestMethod, "HEAD")
}

// PrepareRequestWriter applies the request-side layering: it returns the
// outermost writer to stream the source through and a closer that
// finishes the framing (the terminating chunk, when chunked). Any
// Content-Length or Transfer-Encoding header it has to set is written
// into headers, since those must go into the request head before the
// body starts. Only framing and charset layers are installed; no
// content-encoding layer is applied and AutoContentEncode is not read.
func PrepareRequestWriter(sink io.Writer, src *Source, headers *Headers, http2 bool, cfg PipelineConfig) (io.Writer, func() error, error) {
	declared := src.DeclaredLength()

	var w io.Writer = sink
	var closer func() error = func() error { return nil }

	if headers.Get("Content-Length") == "" && headers.Get("Transfer-Encoding") == "" {
		switch {
		case declared != nil:
			headers.Set("Content-Length", strconv.FormatInt(*declared, 10))
		case http2:
			// HTTP/2 relies on end-of-stream framing; no header needed.
		default:
			headers.Set("Transfer-Encoding", "chunked")
			cw := NewChunkedWriter(sink)
			w = cw
			closer = cw.Close
		}
	}

	if cfg.AutoCharsetEncode && src.Charset() != "" {
		cwr, err := NewCharsetWriter(w, src.Charset())
		if err != nil {
			return nil, nil, err
		}
		w = cwr
	}

	return w, closer, nil
}
