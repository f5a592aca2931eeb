// Package body implements the layered byte-transform pipeline that sits
// between the wire and the caller for both request and response bodies.
package body

import (
	"bytes"
	"io"
)

// Kind tags the variant a Source carries.
type Kind int

const (
	// KindEmpty carries no bytes.
	KindEmpty Kind = iota
	// KindExact carries a fully materialized byte slice.
	KindExact
	// KindLazyUnknown wraps a reader of unknown length.
	KindLazyUnknown
	// KindLazyDeclared wraps a reader with a declared length.
	KindLazyDeclared
	// KindEncoded wraps a typed value plus its encoder (e.g. JSON).
	KindEncoded
)

// Encoder turns a typed value into bytes, the "body from value" producer
// the request-builder extension surface owns; this package only consumes
// it through this interface.
type Encoder interface {
	Encode(v any) ([]byte, error)
	ContentType() string
}

// Source is a request or response body in one of several forms. Exactly
// one of the fields relevant to Kind is populated.
type Source struct {
	Kind Kind

	exact []byte

	reader     io.Reader
	restartable bool
	reopen      func() (io.Reader, error)

	value   any
	encoder Encoder

	declaredLength *int64
	charset        string

	closer func() error
}

// Empty returns a Source carrying no bytes.
func Empty() *Source {
	return &Source{Kind: KindEmpty, restartable: true}
}

// FromBytes returns a Source wrapping an in-memory byte slice. Exact-bytes
// sources are always restartable.
func FromBytes(b []byte) *Source {
	return &Source{Kind: KindExact, exact: b, restartable: true}
}

// FromReader returns a Source wrapping a lazy reader of unknown length.
// reopen, if non-nil, makes the source restartable by producing a fresh
// reader over the same logical content.
func FromReader(r io.Reader, reopen func() (io.Reader, error)) *Source {
	return &Source{
		Kind:        KindLazyUnknown,
		reader:      r,
		reopen:      reopen,
		restartable: reopen != nil,
	}
}

// FromReaderWithLength returns a Source wrapping a lazy reader with a
// declared length.
func FromReaderWithLength(r io.Reader, length int64, reopen func() (io.Reader, error)) *Source {
	return &Source{
		Kind:           KindLazyDeclared,
		reader:         r,
		reopen:         reopen,
		restartable:    reopen != nil,
		declaredLength: &length,
	}
}

// FromValue returns a Source that lazily encodes v with enc on Open. Typed
// values are always restartable since Open re-encodes from the value.
func FromValue(v any, enc Encoder) *Source {
	return &Source{Kind: KindEncoded, value: v, encoder: enc, restartable: true}
}

// DeclaredLength reports the source's known length, if any.
func (s *Source) DeclaredLength() *int64 {
	switch s.Kind {
	case KindEmpty:
		zero := int64(0)
		return &zero
	case KindExact:
		n := int64(len(s.exact))
		return &n
	default:
		return s.declaredLength
	}
}

// ContentTypeHint returns the content-type the source suggests, if any.
func (s *Source) ContentTypeHint() string {
	if s.Kind == KindEncoded && s.encoder != nil {
		return s.encoder.ContentType()
	}
	return ""
}

// IsRestartable reports whether Open can be called more than once and
// produce identical bytes, which redirect and retry both require before
// replaying a body.
func (s *Source) IsRestartable() bool { return s.restartable }

// Close releases any resources the source holds open (e.g. a spooled temp
// file backing a buffered reader). Safe to call on a Source with nothing
// to release.
func (s *Source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// SetCharset records the source's declared character set (request side).
func (s *Source) SetCharset(cs string) { s.charset = cs }

// Charset returns the source's declared character set, if any.
func (s *Source) Charset() string { return s.charset }

// Open returns a fresh reader over the source's bytes. For restartable
// sources this may be called repeatedly (redirect/retry replay); for
// non-restartable lazy readers it may only be called once.
func (s *Source) Open() (io.Reader, error) {
	switch s.Kind {
	case KindEmpty:
		return bytes.NewReader(nil), nil
	case KindExact:
		return bytes.NewReader(s.exact), nil
	case KindEncoded:
		b, err := s.encoder.Encode(s.value)
		if err != nil {
			return nil, err
		}
		n := int64(len(b))
		s.declaredLength = &n
		return bytes.NewReader(b), nil
	default:
		if s.reader != nil {
			r := s.reader
			s.reader = nil
			return r, nil
		}
		if s.reopen != nil {
			return s.reopen()
		}
		return nil, io.ErrClosedPipe
	}
}
