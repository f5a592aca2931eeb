package agent

import (
	"io"
	"sync"

	"github.com/corehttp/agent/pkg/body"
)

// Response is a received response head plus a lazily-read body. Body must
// be closed by the caller (even if fully drained) so the underlying
// Connection can return to the pool.
type Response struct {
	StatusCode int
	Headers    *body.Headers
	Body       io.ReadCloser
}

// releasingBody wraps a response body reader so that Close runs the
// Connection's pool-release (or discard) decision exactly once, whether
// the caller closes explicitly or the body is drained to EOF and then
// closed per the io.ReadCloser contract. release is only told the
// connection is safe to return to the pool if the body was actually
// read to EOF first: closing early (or erroring mid-read) always forces
// a discard, since there may still be unread bytes of this response sitting
// on the wire that would otherwise be mistaken for the start of the next one.
type releasingBody struct {
	r       io.ReadCloser
	once    sync.Once
	atEOF   bool
	release func(atEOF bool)
}

func (b *releasingBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		b.atEOF = true
	}
	return n, err
}

func (b *releasingBody) Close() error {
	err := b.r.Close()
	b.once.Do(func() { b.release(b.atEOF) })
	return err
}
