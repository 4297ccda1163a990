package audio

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
)

// Source is a recording handed over by a transport.
type Source interface {
	// Name is a file name hint; only its extension is used.
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

// sizer is implemented by sources that know their length before being read.
type sizer interface {
	Size() (int64, error)
}

type fileSource string

// File is a recording already on disk. The file is copied, never moved.
func File(path string) Source { return fileSource(path) }

func (f fileSource) Name() string { return filepath.Base(string(f)) }

func (f fileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(string(f))
}

func (f fileSource) Size() (int64, error) {
	info, err := os.Stat(string(f))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

type bytesSource struct {
	name string
	data []byte
}

// Bytes is a recording held in memory, as downloaded by a chat transport.
func Bytes(name string, data []byte) Source { return bytesSource{name: name, data: data} }

func (b bytesSource) Name() string { return b.name }

func (b bytesSource) Open(context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

func (b bytesSource) Size() (int64, error) { return int64(len(b.data)), nil }
