package hfile

import (
	"io"

	"github.com/juju/ratelimit"
)

type limitedReader struct {
	io.Reader
	bucket *ratelimit.Bucket
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.Reader.Read(p)
	if l.bucket != nil {
		l.bucket.Wait(int64(n))
	}
	return n, err
}

type limitedWriter struct {
	io.Writer
	bucket *ratelimit.Bucket
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.bucket != nil {
		l.bucket.Wait(int64(len(p)))
	}
	return l.Writer.Write(p)
}

// NewLimitedReader throttles r to bytesPerSec. A non-positive rate
// returns r unchanged.
func NewLimitedReader(r io.Reader, bytesPerSec int64) io.Reader {
	if bytesPerSec <= 0 {
		return r
	}
	return &limitedReader{r, ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec)}
}

// NewLimitedWriter throttles w to bytesPerSec.
func NewLimitedWriter(w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	return &limitedWriter{w, ratelimit.NewBucketWithRate(float64(bytesPerSec), bytesPerSec)}
}
