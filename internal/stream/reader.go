package stream

import (
	"errors"
	"io"
	"sync"
)

const readChunkSize = 4096

// EventStream reads events lazily from a response body. It is finite and
// cannot be restarted.
//
//	s := stream.NewEventStream(resp.Body)
//	defer s.Close()
//	for s.Next() {
//		ev := s.Current()
//	}
//	if err := s.Err(); err != nil { ... }
type EventStream struct {
	body    io.ReadCloser
	dec     Decoder
	buf     []byte
	pending []Event
	current Event
	err     error
	ended   bool

	closeOnce sync.Once
	closed    chan struct{}
}

// NewEventStream wraps body. The stream owns body and closes it on Close.
func NewEventStream(body io.ReadCloser) *EventStream {
	return &EventStream{
		body:   body,
		buf:    make([]byte, readChunkSize),
		closed: make(chan struct{}),
	}
}

// Next advances to the next event. It returns false at the sentinel, at end
// of input, after Close, or on a read error (see Err).
func (s *EventStream) Next() bool {
	for len(s.pending) == 0 {
		if s.ended {
			return false
		}
		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.dec.Push(s.buf[:n])...)
			if s.dec.Done() {
				s.ended = true
			}
		}
		if err != nil {
			s.ended = true
			s.dec.Finish()
			if !errors.Is(err, io.EOF) && !s.isClosed() {
				s.err = err
			}
		}
	}

	s.current = s.pending[0]
	s.pending = s.pending[1:]
	return true
}

// Current returns the event produced by the last successful Next.
func (s *EventStream) Current() Event {
	return s.current
}

// Err returns the read error that ended the stream, if any. A stream ended by
// Close reports no error.
func (s *EventStream) Err() error {
	return s.err
}

// Close aborts any in-flight read and releases the body. It is safe to call
// concurrently with Next and more than once.
func (s *EventStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.body.Close()
	})
	return err
}

func (s *EventStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}
