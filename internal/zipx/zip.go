// Package zipx writes zip containers for multi-file saves.
package zipx

import (
	"archive/zip"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/flate"
)

// Entry is one file to place in the container. R is drained completely.
type Entry struct {
	Name     string
	Modified time.Time
	R        io.Reader
}

// Write streams entries into w as a single zip container. Entries are
// compressed with Deflate; each entry's reader is consumed in order, so
// sources may themselves be live streams.
func Write(w io.Writer, entries []Entry) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.DefaultCompression)
	})

	for _, e := range entries {
		modified := e.Modified
		if modified.IsZero() {
			modified = time.Now()
		}
		fw, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.Name,
			Method:   zip.Deflate,
			Modified: modified,
		})
		if err != nil {
			zw.Close()
			return fmt.Errorf("zip entry %s: %w", e.Name, err)
		}
		if _, err := io.Copy(fw, e.R); err != nil {
			zw.Close()
			return fmt.Errorf("zip entry %s: %w", e.Name, err)
		}
	}

	return zw.Close()
}
