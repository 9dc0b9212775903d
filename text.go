package penumbra

import (
	"context"
	"fmt"
	"os"

	"github.com/dusklabs/penumbra/internal/mimes"
)

// TextOrURI is one file rendered for display: inline text for viewable-text
// mimetypes, otherwise a file:// URI pointing at a temp copy on disk.
// Mimetype is the file's declared type, sniffed from content when nothing
// was declared.
type TextOrURI struct {
	Text     string
	URI      string
	Mimetype string
}

// uriEntry is one cached temp file and the mimetype resolved for it.
type uriEntry struct {
	path     string
	mimetype string
}

// GetTextOrURI renders each file of the batch. Viewable text (text/*, JSON,
// XML and kin) comes back inline; everything else is written to a temp file
// registered in the client's revocation cache, one temp file per job no
// matter how often it is asked for. RevokeURIs deletes the lot. Results are
// in input order.
func (c *Client) GetTextOrURI(ctx context.Context, files ...*File) ([]TextOrURI, error) {
	if len(files) == 0 {
		return nil, ErrArgumentMissing
	}

	out := make([]TextOrURI, len(files))
	for i, f := range files {
		if f == nil || f.Data == nil {
			return nil, ErrArgumentMissing
		}

		if mimes.ViewableText(f.Mimetype) {
			src := dataReader(f.Data)
			data, err := readAllCtx(ctx, src)
			src.Close()
			if err != nil {
				return nil, err
			}
			out[i] = TextOrURI{Text: string(data), Mimetype: f.Mimetype}
			continue
		}

		entry, err := c.fileURI(ctx, f)
		if err != nil {
			return nil, err
		}
		out[i] = TextOrURI{URI: "file://" + entry.path, Mimetype: entry.mimetype}
	}
	return out, nil
}

// fileURI returns the cached temp-file entry for a job, writing the payload
// to disk only on first request. Files without a job id are never cached
// against each other; each render gets its own temp file, still registered
// for revocation.
func (c *Client) fileURI(ctx context.Context, f *File) (uriEntry, error) {
	if f.ID != 0 {
		c.mu.Lock()
		if e, ok := c.uriByJob[f.ID]; ok {
			c.mu.Unlock()
			return e, nil
		}
		c.mu.Unlock()
	}

	src := dataReader(f.Data)
	data, err := readAllCtx(ctx, src)
	src.Close()
	if err != nil {
		return uriEntry{}, err
	}

	mt := f.Mimetype
	if mt == "" {
		mt = mimes.Detect(data)
	}

	tmp, err := os.CreateTemp("", fmt.Sprintf("penumbra-%d-*", f.ID))
	if err != nil {
		return uriEntry{}, err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return uriEntry{}, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return uriEntry{}, err
	}

	entry := uriEntry{path: tmp.Name(), mimetype: mt}

	c.mu.Lock()
	defer c.mu.Unlock()
	if f.ID == 0 {
		c.anonURIs = append(c.anonURIs, entry.path)
		return entry, nil
	}
	if prev, ok := c.uriByJob[f.ID]; ok {
		// Lost the race to another caller; keep theirs.
		os.Remove(entry.path)
		return prev, nil
	}
	c.uriByJob[f.ID] = entry
	return entry, nil
}

// RevokeURIs deletes every temp file handed out by GetTextOrURI and empties
// the cache. URIs returned earlier stop resolving.
func (c *Client) RevokeURIs() {
	c.mu.Lock()
	paths := make([]string, 0, len(c.uriByJob)+len(c.anonURIs))
	for _, e := range c.uriByJob {
		paths = append(paths, e.path)
	}
	paths = append(paths, c.anonURIs...)
	c.uriByJob = make(map[JobID]uriEntry)
	c.anonURIs = nil
	c.mu.Unlock()

	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			c.logger.Warn(context.Background(), "revoking uri failed", "path", p, "err", err)
		}
	}
}
