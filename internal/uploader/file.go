// internal/uploader/file.go
package uploader

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// osFile adapts an on-disk file to the File interface.
type osFile struct {
	*os.File
	name    string
	size    int64
	modTime time.Time
}

func (f *osFile) Name() string       { return f.name }
func (f *osFile) Size() int64        { return f.size }
func (f *osFile) ModTime() time.Time { return f.modTime }

// Open opens path as an upload payload. The caller owns the returned close
// function.
func Open(path string) (File, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open payload: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("stat payload: %w", err)
	}
	wrapped := &osFile{
		File:    f,
		name:    filepath.Base(path),
		size:    info.Size(),
		modTime: info.ModTime(),
	}
	return wrapped, f.Close, nil
}
