package body

import (
	"io"

	"github.com/corehttp/agent/pkg/buffer"
)

// FromBufferedReader drains r into a memory/disk-backed buffer.Buffer up
// front and returns a restartable Source over the captured bytes. Use this
// when a caller has only a one-shot io.Reader (no reopen func) but still
// wants the body to survive a redirect or a retried attempt: bodies past
// memLimit spill to a temp file instead of staying resident. memLimit <= 0
// uses buffer.DefaultMemoryLimit. Call Source.Close once the body is no
// longer needed to remove any spilled temp file.
func FromBufferedReader(r io.Reader, memLimit int64) (*Source, error) {
	buf := buffer.New(memLimit)
	if _, err := io.Copy(buf, r); err != nil {
		buf.Close()
		return nil, err
	}

	reopen := func() (io.Reader, error) {
		return buf.Reader()
	}

	first, err := buf.Reader()
	if err != nil {
		buf.Close()
		return nil, err
	}

	length := buf.Size()
	src := &Source{
		Kind:           KindLazyDeclared,
		reader:         first,
		reopen:         reopen,
		restartable:    true,
		declaredLength: &length,
		closer:         buf.Close,
	}
	return src, nil
}
