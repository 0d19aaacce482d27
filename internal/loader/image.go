package loader

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
)

func readerAt(data []byte) io.ReaderAt { return bytes.NewReader(data) }

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// Load reads an image from disk. ELF executables keep their own load
// addresses and entry point; anything else is a flat binary placed at
// loadAddr. Gzip-compressed files are decompressed transparently.
func Load(path string, loadAddr uint64) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	if isGzip(data) {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip %s: %w", path, err)
		}
		data, err = io.ReadAll(gz)
		gz.Close()
		if err != nil {
			return nil, fmt.Errorf("decompressing %s: %w", path, err)
		}
	}

	if isELF(data) {
		return loadELF(data)
	}
	return &Image{
		Entry:    loadAddr,
		Segments: []Segment{{Addr: loadAddr, Data: data}},
	}, nil
}
