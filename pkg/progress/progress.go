package progress

import "io"

// Listener receives advisory progress callbacks while a request body is
// written to the wire. Transferred grows monotonically up to total; total is
// -1 when the body length is unknown.
type Listener interface {
	OnProgress(transferred int64, total int64)
}

// ListenerFunc adapts a plain function to the Listener interface.
type ListenerFunc func(transferred int64, total int64)

// OnProgress calls f.
func (f ListenerFunc) OnProgress(transferred, total int64) {
	f(transferred, total)
}

// Reader wraps an io.Reader and reports cumulative bytes read to a Listener.
type Reader struct {
	reader      io.Reader
	listener    Listener
	total       int64
	transferred int64
}

// NewReader wraps reader so that every successful read reports the running
// byte count to listener.
func NewReader(reader io.Reader, total int64, listener Listener) *Reader {
	return &Reader{
		reader:   reader,
		listener: listener,
		total:    total,
	}
}

// Read reads from the underlying reader and reports progress.
func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if n > 0 {
		r.transferred += int64(n)
		if r.listener != nil {
			r.listener.OnProgress(r.transferred, r.total)
		}
	}
	return n, err
}
