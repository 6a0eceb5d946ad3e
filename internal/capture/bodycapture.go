package capture

import (
	"bytes"
	"io"
	"sync"
)

// bodyBuffer keeps the first limit bytes that pass through a teeBody. The
// transport reads request bodies from its own goroutine and callers may
// close a response body while another goroutine reads it, so access is
// locked.
type bodyBuffer struct {
	mu    sync.Mutex
	limit int64
	buf   bytes.Buffer
	total int64
}

func newBodyBuffer(limit int64) *bodyBuffer {
	if limit < 0 {
		limit = 0
	}
	return &bodyBuffer{limit: limit}
}

// add records p and reports whether more than limit bytes have now been seen
func (b *bodyBuffer) add(p []byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	if room := b.limit - int64(b.buf.Len()); room > 0 {
		if int64(len(p)) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return b.total > b.limit
}

// captured is what a teeBody saw of its body
type captured struct {
	data      []byte
	total     int64
	truncated bool
	// complete is set once the body was read to EOF
	complete bool
	err      error
}

func (b *bodyBuffer) snapshot() captured {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := make([]byte, b.buf.Len())
	copy(data, b.buf.Bytes())
	return captured{
		data:      data,
		total:     b.total,
		truncated: b.total > int64(len(data)),
	}
}

// teeBody hands reads through to rc unchanged while copying up to a limit
// aside. finish, when set, runs once with what was copied: at EOF, on the
// first read error, as soon as the limit is passed, or on Close, whichever
// comes first. Reads are never delayed by the copy.
type teeBody struct {
	rc     io.ReadCloser
	buf    *bodyBuffer
	finish func(captured)
	once   sync.Once
}

func newTeeBody(rc io.ReadCloser, limit int64, finish func(captured)) *teeBody {
	return &teeBody{rc: rc, buf: newBodyBuffer(limit), finish: finish}
}

func (t *teeBody) Read(p []byte) (int, error) {
	n, err := t.rc.Read(p)
	over := false
	if n > 0 {
		over = t.buf.add(p[:n])
	}
	switch {
	case err == io.EOF:
		t.settle(true, nil)
	case err != nil:
		t.settle(false, err)
	case over:
		t.settle(false, nil)
	}
	return n, err
}

func (t *teeBody) Close() error {
	err := t.rc.Close()
	t.settle(false, nil)
	return err
}

func (t *teeBody) settle(complete bool, err error) {
	if t.finish == nil {
		return
	}
	t.once.Do(func() {
		c := t.buf.snapshot()
		c.complete = complete
		c.err = err
		t.finish(c)
	})
}

// replayReadCloser serves bytes already read from a body before handing
// over to the rest of the original stream.
type replayReadCloser struct {
	io.Reader
	closer io.Closer
}

func (r *replayReadCloser) Close() error {
	return r.closer.Close()
}

type errReader struct {
	err error
}

func (r errReader) Read([]byte) (int, error) {
	return 0, r.err
}

func readLimited(r io.Reader, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return data, false, err
	}
	if int64(len(data)) > limit {
		return data[:limit], true, nil
	}
	return data, false, nil
}
