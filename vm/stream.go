package vm

import (
	"errors"
	"io"
)

// StreamStatus is the outcome of asking a stream for more data.
type StreamStatus int

const (
	// StreamOK: data was added to the buffer.
	StreamOK StreamStatus = iota
	// StreamNeedInput: nothing is available yet; the embedder will feed
	// more later.
	StreamNeedInput
	// StreamEOF: no more data will ever arrive.
	StreamEOF
)

const streamChunk = 4096

// Stream is a byte cursor over a growable buffer. Process is the refill
// callback: it appends to the buffer (through Feed) and reports whether
// data arrived, none is available yet, or the data has ended. Refills
// only ever append, so positions within the buffer stay valid until the
// consumer discards what it has read.
type Stream struct {
	Name    string
	Process func(s *Stream) (StreamStatus, error)

	buf    []byte
	pos    int
	eof    bool
	closed bool
	closer io.Closer
	w      io.Writer
}

// NewStringStream returns a stream over fixed data.
func NewStringStream(name string, data []byte) *Stream {
	return &Stream{Name: name, buf: data, eof: true}
}

// NewReaderStream returns a stream that refills from r. It never needs
// input from the embedder: reads block until data or EOF.
func NewReaderStream(name string, r io.Reader) *Stream {
	s := &Stream{Name: name}
	if c, ok := r.(io.Closer); ok {
		s.closer = c
	}
	s.Process = func(s *Stream) (StreamStatus, error) {
		var tmp [streamChunk]byte
		n, err := r.Read(tmp[:])
		if n > 0 {
			s.Feed(tmp[:n])
			return StreamOK, nil
		}
		if errors.Is(err, io.EOF) {
			return StreamEOF, nil
		}
		if err != nil {
			return StreamEOF, err
		}
		return StreamOK, nil
	}
	return s
}

// NewInputStream returns a stream the embedder feeds explicitly. Running
// dry suspends the interpreter until Feed or CloseInput is called.
func NewInputStream(name string) *Stream {
	s := &Stream{Name: name}
	s.Process = func(*Stream) (StreamStatus, error) { return StreamNeedInput, nil }
	return s
}

// NewWriterStream returns an output stream writing to w.
func NewWriterStream(name string, w io.Writer) *Stream {
	return &Stream{Name: name, w: w, eof: true}
}

// Feed appends data to the stream's buffer.
func (s *Stream) Feed(data []byte) {
	s.buf = append(s.buf, data...)
}

// CloseInput marks the end of data: once the buffer is consumed the
// stream reports EOF instead of asking for input.
func (s *Stream) CloseInput() { s.eof = true }

// Buffered returns the number of unread bytes.
func (s *Stream) Buffered() int { return len(s.buf) - s.pos }

// IsOutput reports whether the stream writes rather than reads.
func (s *Stream) IsOutput() bool { return s.w != nil }

// Closed reports whether Close was called.
func (s *Stream) Closed() bool { return s.closed }

// fill asks for more data once the buffer is used up.
func (s *Stream) fill() (StreamStatus, error) {
	if s.closed {
		return StreamEOF, nil
	}
	if s.pos < len(s.buf) {
		return StreamOK, nil
	}
	if s.eof {
		return StreamEOF, nil
	}
	if s.Process == nil {
		return StreamNeedInput, nil
	}
	st, err := s.Process(s)
	if st == StreamEOF {
		s.eof = true
	}
	return st, err
}

// discard drops the consumed prefix of the buffer when it has grown large.
func (s *Stream) discard() {
	if s.pos >= streamChunk && s.pos*2 >= len(s.buf) {
		n := copy(s.buf, s.buf[s.pos:])
		s.buf = s.buf[:n]
		s.pos = 0
	}
}

// ReadByte reads one byte for the read operator.
func (s *Stream) ReadByte() (byte, StreamStatus, error) {
	for s.pos >= len(s.buf) {
		st, err := s.fill()
		if err != nil || st != StreamOK {
			return 0, st, err
		}
	}
	b := s.buf[s.pos]
	s.pos++
	return b, StreamOK, nil
}

// Write writes to an output stream.
func (s *Stream) Write(p []byte) (int, error) {
	if s.w == nil || s.closed {
		return 0, ErrInvalidAccess
	}
	return s.w.Write(p)
}

// Flush flushes an output stream whose writer buffers.
func (s *Stream) Flush() error {
	if f, ok := s.w.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

// ensure refills until n bytes are buffered, without consuming any. It
// returns StreamOK once they are there, or the status that stopped it.
func (s *Stream) ensure(n int) (StreamStatus, error) {
	for s.Buffered() < n {
		if s.closed || s.eof {
			return StreamEOF, nil
		}
		if s.Process == nil {
			return StreamNeedInput, nil
		}
		st, err := s.Process(s)
		if st == StreamEOF {
			s.eof = true
		}
		if err != nil || st != StreamOK {
			return st, err
		}
	}
	return StreamOK, nil
}

// Close releases the stream. Reading a closed stream yields EOF.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.buf = nil
	s.pos = 0
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// File objects
// ---------------------------------------------------------------------------

// fileObj is the VM object behind a file ref. Only a file that owns its
// stream closes it when collected or restored away.
type fileObj struct {
	s     *Stream
	owned bool
}

func (f *fileObj) Release() {
	if f.owned {
		f.s.Close()
	}
}

var fileStructType = &StructType{
	Name:     "file",
	Size:     64,
	Type:     TFile,
	Finalize: func(obj any) { obj.(*fileObj).Release() },
}

// newFile wraps s in a file object in the current space. Files in local
// VM are closed when the save level they were opened at is restored.
func (v *VM) newFile(s *Stream, owned bool) (Ref, error) {
	f := &fileObj{s: s, owned: owned}
	r, err := v.mem.AllocStruct(v.mem.current, fileStructType, f)
	if err != nil {
		return Ref{}, err
	}
	if r.Space() == SpaceLocal {
		v.mem.RegisterResource(f)
	}
	if s.IsOutput() {
		return r.WithAccess(AWrite), nil
	}
	return r.WithAccess(ARead | AExecute), nil
}

// fileStream returns the stream behind a file ref.
func (v *VM) fileStream(r Ref) *Stream {
	return v.mem.structOf(r).(*fileObj).s
}
