package socket

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// overflowBuffer is a temp file used as a FIFO. Appends go through w and the drain reads through r;
// both are opened on the same path so each keeps its own offset.
type overflowBuffer struct {
	path string
	w    *os.File
	r    *os.File

	written int64
	read    int64
}

func newOverflowBuffer(dir string) (*overflowBuffer, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, "procpool-buf-"+uuid.NewString())
	w, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating overflow file: %w", err)
	}
	r, err := os.Open(path)
	if err != nil {
		w.Close()
		os.Remove(path)
		return nil, fmt.Errorf("opening overflow file for reading: %w", err)
	}
	return &overflowBuffer{path: path, w: w, r: r}, nil
}

func (b *overflowBuffer) append(p []byte) error {
	n, err := b.w.Write(p)
	b.written += int64(n)
	if err != nil {
		return fmt.Errorf("appending to overflow file: %w", err)
	}
	return nil
}

func (b *overflowBuffer) next(p []byte) (int, error) {
	n, err := b.r.Read(p)
	b.read += int64(n)
	return n, err
}

// pending is the number of appended bytes not yet read back.
func (b *overflowBuffer) pending() int64 {
	return b.written - b.read
}

func (b *overflowBuffer) destroy() error {
	werr := b.w.Close()
	rerr := b.r.Close()
	err := os.Remove(b.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	if werr != nil {
		return werr
	}
	return rerr
}
