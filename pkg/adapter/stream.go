package adapter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"
)

// FrameDecoder turns one raw frame into an event. Returning a non-nil error
// ends the stream with that error.
type FrameDecoder func(frame []byte) (json.RawMessage, error)

// ErrStreamConsumed is returned when All is ranged over a second time.
var ErrStreamConsumed = errors.New("stream already consumed")

// Stream is a lazy, single-use sequence of events read from a long-lived
// response. It ends when the server closes the connection, a frame decodes to
// an error, or Close is called. A new stream requires a new call.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	decode FrameDecoder

	mu       sync.Mutex
	err      error
	ranged   bool
	closed   bool
	onClose  []func()
	closeErr error
}

// NewStream reads blank-line-delimited frames from body. Lines starting with
// "data:" have the prefix stripped so server-sent event framing is accepted.
func NewStream(body io.ReadCloser, decode FrameDecoder) *Stream {
	if decode == nil {
		decode = func(frame []byte) (json.RawMessage, error) {
			return json.RawMessage(frame), nil
		}
	}
	return &Stream{body: body, reader: bufio.NewReader(body), decode: decode}
}

// AfterClose registers fn to run once the stream is closed, whether by the
// caller or by reaching its end.
func (s *Stream) AfterClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

// Recv returns the next event, or io.EOF once the server ended the stream.
// Terminal errors are sticky.
func (s *Stream) Recv() (json.RawMessage, error) {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	frame, err := s.nextFrame()
	if err == nil {
		var event json.RawMessage
		event, err = s.decode(frame)
		if err == nil {
			return event, nil
		}
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	err = s.err
	s.mu.Unlock()
	_ = s.Close()
	return nil, err
}

func (s *Stream) nextFrame() ([]byte, error) {
	var frame bytes.Buffer
	for {
		line, err := s.reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			if bytes.HasPrefix(trimmed, []byte("data:")) {
				trimmed = bytes.TrimSpace(trimmed[len("data:"):])
			}
			if frame.Len() > 0 {
				frame.WriteByte('\n')
			}
			frame.Write(trimmed)
		} else if frame.Len() > 0 && err == nil {
			return frame.Bytes(), nil
		}
		if err != nil {
			if frame.Len() > 0 && errors.Is(err, io.EOF) {
				return frame.Bytes(), nil
			}
			return nil, err
		}
	}
}

// All exposes the stream as an iterator. It may be ranged over once; a second
// range yields ErrStreamConsumed. Breaking out of the loop closes the stream.
func (s *Stream) All() iter.Seq2[json.RawMessage, error] {
	return func(yield func(json.RawMessage, error) bool) {
		s.mu.Lock()
		if s.ranged {
			s.mu.Unlock()
			yield(nil, ErrStreamConsumed)
			return
		}
		s.ranged = true
		s.mu.Unlock()
		defer s.Close()
		for {
			event, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(event, nil) {
				return
			}
		}
	}
}

// Close releases the underlying response. It is safe to call more than once.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return err
	}
	s.closed = true
	if s.err == nil {
		s.err = io.EOF
	}
	hooks := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	err := s.body.Close()
	for _, fn := range hooks {
		fn()
	}
	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()
	return err
}
