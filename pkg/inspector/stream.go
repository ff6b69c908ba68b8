package inspector

import (
	"io"
)

// TableStream is a pull iterator over table definitions. Next returns io.EOF
// after the last entry. Callers must Close the stream to release the
// underlying cursor, even after io.EOF.
type TableStream struct {
	next    func() (*TableEntry, error)
	close   func() error
	closed  bool
	done    bool
	lastErr error
}

// NewTableStream builds a stream from a next function and an optional
// closer. next must return io.EOF when exhausted.
func NewTableStream(next func() (*TableEntry, error), close func() error) *TableStream {
	return &TableStream{next: next, close: close}
}

// Next returns the next table definition, or io.EOF when the stream is
// exhausted. Any non-EOF error is terminal; subsequent calls return the same
// error.
func (s *TableStream) Next() (*TableEntry, error) {
	if s.lastErr != nil {
		return nil, s.lastErr
	}
	if s.done || s.closed {
		return nil, io.EOF
	}

	entry, err := s.next()
	if err == io.EOF {
		s.done = true
		return nil, io.EOF
	}
	if err != nil {
		s.lastErr = err
		return nil, err
	}
	return entry, nil
}

// Close releases the stream's resources. Safe to call more than once.
func (s *TableStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.close != nil {
		return s.close()
	}
	return nil
}

// SliceStream wraps a fixed slice of table entries, mostly for tests and for
// engines that materialize results up front (cloud catalog APIs).
func SliceStream(entries []*TableEntry) *TableStream {
	i := 0
	return NewTableStream(func() (*TableEntry, error) {
		if i >= len(entries) {
			return nil, io.EOF
		}
		e := entries[i]
		i++
		return e, nil
	}, nil)
}
