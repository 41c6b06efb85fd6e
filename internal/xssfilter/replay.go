package xssfilter

import (
	"bytes"
	"io"
	"net/http"
)

// replayBody is a body held in memory that can be opened any number of
// times. When err is set, every cursor yields data and then fails with err
// instead of io.EOF, so a read error seen while draining the original body
// reaches whoever reads the replay.
type replayBody struct {
	data []byte
	err  error
}

func (b *replayBody) open() io.ReadCloser {
	if b.err == nil {
		return replayReader{bytes.NewReader(b.data)}
	}
	return &failingReader{r: bytes.NewReader(b.data), err: b.err}
}

// replayReader is an independent cursor over the replay bytes. It keeps
// bytes.Reader's ReadByte, Seek and WriteTo.
type replayReader struct {
	*bytes.Reader
}

func (replayReader) Close() error { return nil }

type failingReader struct {
	r   *bytes.Reader
	err error
}

func (f *failingReader) Read(p []byte) (int, error) {
	n, err := f.r.Read(p)
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, f.err
	}
	return n, err
}

func (f *failingReader) Close() error { return nil }

// drain reads rc to the end and closes it on every path.
func drain(rc io.ReadCloser) ([]byte, error) {
	if rc == nil || rc == http.NoBody {
		return nil, nil
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
