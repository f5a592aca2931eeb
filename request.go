package agent

import "github.com/corehttp/agent/pkg/body"

// Request is one exchange's method, absolute URL, headers, and body. Host
// is derived from URL and does not need a separate Host header unless the
// caller wants to override it.
type Request struct {
	Method  string
	URL     string
	Headers *body.Headers
	Body    *body.Source
}

// NewRequest returns a Request with an empty header set and no body.
func NewRequest(method, url string) *Request {
	return &Request{Method: method, URL: url, Headers: body.NewHeaders()}
}

// WithBody attaches src as the request body.
func (r *Request) WithBody(src *body.Source) *Request {
	r.Body = src
	return r
}

// SetHeader sets a single-valued header on the request.
func (r *Request) SetHeader(key, value string) *Request {
	if r.Headers == nil {
		r.Headers = body.NewHeaders()
	}
	r.Headers.Set(key, value)
	return r
}
