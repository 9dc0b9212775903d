package penumbra

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/dusklabs/penumbra/internal/filex"
	"github.com/dusklabs/penumbra/internal/zipx"
)

// SaveOperation is a running disk write started by Save. Cancel aborts the
// local write and removes the partial file; the jobs feeding the streams are
// left to run out on their own. Wait blocks until the write finishes or is
// cancelled.
type SaveOperation struct {
	cancel context.CancelFunc
	done   chan error
}

// Cancel aborts the local write. Safe to call more than once.
func (s *SaveOperation) Cancel() { s.cancel() }

// Wait returns the outcome of the write: nil on success, context.Canceled
// after Cancel, or the first I/O error.
func (s *SaveOperation) Wait() error { return <-s.done }

// Save writes the batch to dir in the background. One file is written
// directly under fileName; several files become a single zip container with
// each entry named by the file's prefix and path. An empty fileName derives
// a name from the first file. The returned operation cancels only the local
// disk pipe.
func (c *Client) Save(ctx context.Context, files []*File, fileName, dir string) (*SaveOperation, error) {
	if len(files) == 0 {
		return nil, ErrArgumentMissing
	}
	for _, f := range files {
		if f == nil || f.Data == nil {
			return nil, ErrArgumentMissing
		}
	}

	if _, err := filex.EnsureDir(dir); err != nil {
		return nil, err
	}

	if fileName == "" {
		fileName = saveName(files[0])
	}
	if len(files) > 1 && !strings.HasSuffix(fileName, ".zip") {
		fileName += ".zip"
	}
	target := filepath.Join(dir, fileName)

	readers := make([]io.ReadCloser, len(files))
	for i, f := range files {
		readers[i] = dataReader(f.Data)
	}

	saveCtx, cancel := context.WithCancel(context.Background())
	op := &SaveOperation{cancel: cancel, done: make(chan error, 1)}

	// Cancellation, from either the token or the submitting context, closes
	// the local readers so a copy blocked mid-stream wakes up. The producing
	// jobs are left alone.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-saveCtx.Done():
		}
		for _, r := range readers {
			r.Close()
		}
	}()

	go func() {
		err := c.writeSave(saveCtx, files, readers, target)
		if err != nil && saveCtx.Err() != nil {
			err = saveCtx.Err()
		}
		cancel()
		if err != nil {
			os.Remove(target)
		}
		op.done <- err
	}()

	return op, nil
}

func (c *Client) writeSave(ctx context.Context, files []*File, readers []io.ReadCloser, target string) error {
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	defer out.Close()

	dst := &cancellableWriter{ctx: ctx, w: out}

	if len(files) == 1 {
		_, err = io.Copy(dst, readers[0])
		return err
	}

	entries := make([]zipx.Entry, len(files))
	for i, f := range files {
		entries[i] = zipx.Entry{
			Name:     entryName(f),
			Modified: f.LastModified,
			R:        readers[i],
		}
	}
	return zipx.Write(dst, entries)
}

// cancellableWriter stops a copy at the next write after its context ends.
type cancellableWriter struct {
	ctx context.Context
	w   io.Writer
}

func (c *cancellableWriter) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.w.Write(p)
}

// saveName derives a file name from a file's own metadata.
func saveName(f *File) string {
	if f.Path != "" {
		return path.Base(f.Path)
	}
	return fmt.Sprintf("file-%d", f.ID)
}

// entryName builds the container path of one zip entry, keeping each file's
// prefix as a directory level.
func entryName(f *File) string {
	name := f.Path
	if name == "" {
		name = fmt.Sprintf("file-%d", f.ID)
	}
	if f.FilePrefix != "" {
		name = path.Join(f.FilePrefix, name)
	}
	return name
}

// ResourceName derives a display/save name from a resource's URL path.
func ResourceName(r RemoteResource) string {
	u, err := url.Parse(r.URL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return ""
	}
	return path.Base(u.Path)
}
