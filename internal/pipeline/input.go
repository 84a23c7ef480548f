package pipeline

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Raw files ending in one of these are decompressed while they are read.
const (
	gzipExt = ".gz"
	zstdExt = ".zst"
)

// openRaw opens a raw input file, decompressing gzip and zstd files by
// extension. Other files are returned as-is.
func openRaw(path string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case gzipExt:
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open gzip input: %w", err)
		}
		return &decompressor{Reader: gz, close: func() error {
			_ = gz.Close()
			return f.Close()
		}}, nil

	case zstdExt:
		dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(256<<20))
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open zstd input: %w", err)
		}
		return &decompressor{Reader: dec, close: func() error {
			dec.Close()
			return f.Close()
		}}, nil

	default:
		return f, nil
	}
}

type decompressor struct {
	io.Reader
	close func() error
}

func (d *decompressor) Close() error { return d.close() }

// trimCompressedExt drops a trailing .gz or .zst from name.
func trimCompressedExt(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case gzipExt, zstdExt:
		return name[:len(name)-len(filepath.Ext(name))]
	}
	return name
}
