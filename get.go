package penumbra

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dusklabs/penumbra/internal/channel"
	"github.com/dusklabs/penumbra/internal/cryptox"
	"github.com/dusklabs/penumbra/internal/job"
	"github.com/dusklabs/penumbra/internal/mimes"
	"github.com/dusklabs/penumbra/internal/rpc"
)

// maxBufferedBytes caps how much payload the buffered fallback path will
// hold in memory for one batch.
const maxBufferedBytes = 16 << 20

// Get fetches every resource of the batch. With a worker available each
// file's Data is a live stream fed by the worker as bytes arrive from the
// source; otherwise the whole batch is fetched into memory, subject to the
// fallback size ceiling. Results are in input order. Validation is atomic:
// a bad item fails the call before any job starts.
func (c *Client) Get(ctx context.Context, resources ...RemoteResource) ([]*File, error) {
	if len(resources) == 0 {
		return nil, ErrArgumentMissing
	}
	for _, r := range resources {
		if r.URL == "" {
			return nil, ErrResourceMissingURL
		}
	}

	if c.dispatcher.Available(ctx) {
		return c.streamGet(ctx, resources)
	}
	return c.bufferGet(ctx, resources)
}

func (c *Client) streamGet(ctx context.Context, resources []RemoteResource) ([]*File, error) {
	n := len(resources)
	ids := make([]uint64, n)
	tokens := make([]string, n)
	wire := make([]rpc.Resource, n)
	pairs := make([]*channel.Pair, n)

	for i, r := range resources {
		id := c.registry.NextID()
		p := channel.NewPair(channel.Inbound)
		ids[i] = uint64(id)
		tokens[i] = p.Token()
		pairs[i] = p
		wire[i] = rpc.Resource{
			URL:        r.URL,
			Header:     r.Header,
			Mimetype:   r.Mimetype,
			Decryption: toWireDescriptor(r.DecryptionInfo),
		}
	}

	if _, err := c.dispatcher.Get(ctx, &rpc.GetRequest{IDs: ids, Tokens: tokens, Resources: wire}); err != nil {
		return nil, err
	}

	files := make([]*File, n)
	for i, r := range resources {
		go c.dispatcher.ReceiveStream(pairs[i].Token(), pairs[i].TransportWriter())
		files[i] = &File{
			ID:           JobID(ids[i]),
			Data:         &StreamData{R: pairs[i].LocalReader()},
			Size:         SizeUnknown,
			Mimetype:     r.Mimetype,
			FilePrefix:   r.FilePrefix,
			LastModified: time.Now(),
		}
	}
	return files, nil
}

func (c *Client) bufferGet(ctx context.Context, resources []RemoteResource) ([]*File, error) {
	n := len(resources)
	ids := make([]JobID, n)
	for i := range resources {
		ids[i] = JobID(c.registry.NextID())
	}

	files := make([]*File, n)
	budget := newByteBudget(maxBufferedBytes)

	g, ctx := errgroup.WithContext(ctx)
	for i, r := range resources {
		g.Go(func() error {
			f, err := c.bufferOne(ctx, ids[i], r, budget)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}

func (c *Client) bufferOne(ctx context.Context, id JobID, r RemoteResource, budget *byteBudget) (*File, error) {
	result, err := c.fetcher.Fetch(ctx, r.URL, r.Header)
	if err != nil {
		return nil, err
	}
	defer result.Body.Close()

	raw, err := readCapped(result.Body, budget)
	if err != nil {
		return nil, err
	}

	data := raw
	if r.DecryptionInfo != nil {
		dec, derr := cryptox.NewStreamDecrypter(cryptox.Descriptor{
			Key:     r.DecryptionInfo.Key,
			IV:      r.DecryptionInfo.IV,
			AuthTag: r.DecryptionInfo.AuthTag,
		})
		if derr != nil {
			return nil, derr
		}
		var plain bytes.Buffer
		if _, derr := dec.Pipe(&plain, bytes.NewReader(raw), nil); derr != nil {
			return nil, derr
		}
		data = plain.Bytes()
	}

	mimetype := r.Mimetype
	if mimetype == "" {
		mimetype = result.Mimetype
	}
	if mimetype == "" {
		mimetype = mimes.Detect(data)
	}

	c.registry.Publish(job.Complete{Job: job.ID(id), Size: int64(len(data)), Mimetype: mimetype})

	return &File{
		ID:           id,
		Data:         &BufferData{B: data},
		Size:         int64(len(data)),
		Mimetype:     mimetype,
		FilePrefix:   r.FilePrefix,
		LastModified: time.Now(),
	}, nil
}

// byteBudget is the shared memory allowance of one fallback batch.
type byteBudget struct {
	mu   sync.Mutex
	left int64
}

func newByteBudget(limit int64) *byteBudget {
	return &byteBudget{left: limit}
}

func (b *byteBudget) take(n int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.left {
		return false
	}
	b.left -= n
	return true
}

// readCapped buffers r fully, charging the batch budget as it goes.
func readCapped(r io.Reader, budget *byteBudget) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if !budget.take(int64(n)) {
				return nil, ErrTooLargeForFallback
			}
			buf.Write(chunk[:n])
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func toWireDescriptor(d *DecryptionInfo) *rpc.Descriptor {
	if d == nil {
		return nil
	}
	return &rpc.Descriptor{Key: d.Key, IV: d.IV, AuthTag: d.AuthTag}
}
