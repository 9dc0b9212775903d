package penumbra

import (
	"bytes"
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/dusklabs/penumbra/internal/channel"
	"github.com/dusklabs/penumbra/internal/cryptox"
	"github.com/dusklabs/penumbra/internal/job"
	"github.com/dusklabs/penumbra/internal/rpc"
)

// Encrypt ciphers every file of the batch. A nil opts generates fresh key
// material per file; either way the resulting descriptor is recorded under
// the file's job id (kept from the input file when it already has one) and
// retrievable with GetDecryptionInfo. Ciphertext has the same length as the
// plaintext, so Size carries over. Results are in input order.
func (c *Client) Encrypt(ctx context.Context, opts *Options, files ...*File) ([]*EncryptedFile, error) {
	if err := validateTransform(files); err != nil {
		return nil, err
	}

	if c.dispatcher.Available(ctx) {
		out, err := c.streamTransform(ctx, opts, files, c.dispatcher.Encrypt)
		if err != nil {
			return nil, err
		}
		return wrapEncrypted(out), nil
	}

	out, err := c.bufferTransform(ctx, opts, files, true)
	if err != nil {
		return nil, err
	}
	return wrapEncrypted(out), nil
}

// Decrypt reverses Encrypt. Per-file descriptors recorded at encryption time
// take precedence; opts supplies key material for files encrypted elsewhere.
// A file encrypted earlier in the same session decrypts without opts even
// while its ciphertext is still streaming: the worker joins the two jobs
// through the shared id. A file with neither source of key material fails on
// its own stream without affecting the rest of the batch. Authenticity is verified at end of stream, after plaintext has
// flowed; the verdict arrives as the stream's final error.
func (c *Client) Decrypt(ctx context.Context, opts *Options, files ...*EncryptedFile) ([]*File, error) {
	plain := make([]*File, len(files))
	for i, f := range files {
		if f != nil {
			plain[i] = &f.File
		}
	}
	if err := validateTransform(plain); err != nil {
		return nil, err
	}

	if c.dispatcher.Available(ctx) {
		return c.streamTransform(ctx, opts, plain, c.dispatcher.Decrypt)
	}
	return c.bufferTransform(ctx, opts, plain, false)
}

func validateTransform(files []*File) error {
	if len(files) == 0 {
		return ErrArgumentMissing
	}
	for _, f := range files {
		if f == nil || f.Data == nil {
			return ErrArgumentMissing
		}
		if f.Size < 0 {
			return ErrSizeUndetermined
		}
	}
	return nil
}

func wrapEncrypted(files []*File) []*EncryptedFile {
	out := make([]*EncryptedFile, len(files))
	for i, f := range files {
		out[i] = &EncryptedFile{File: *f}
	}
	return out
}

func (c *Client) streamTransform(
	ctx context.Context,
	opts *Options,
	files []*File,
	call func(context.Context, *rpc.TransformRequest) (*rpc.Accepted, error),
) ([]*File, error) {
	n := len(files)
	req := &rpc.TransformRequest{
		Options:     optionsDescriptor(opts),
		IDs:         make([]uint64, n),
		Sizes:       make([]int64, n),
		In:          make([]string, n),
		Out:         make([]string, n),
		Descriptors: make([]*rpc.Descriptor, n),
	}

	ins := make([]*channel.Pair, n)
	outs := make([]*channel.Pair, n)
	for i, f := range files {
		// A file produced by an earlier call keeps its job id, so a
		// same-session re-decryption finds the descriptor recorded under it.
		id := job.ID(f.ID)
		if id == 0 {
			id = c.registry.NextID()
		}
		c.registry.Track(id, f.Size)
		ins[i] = channel.NewPair(channel.Outbound)
		outs[i] = channel.NewPair(channel.Inbound)

		req.IDs[i] = uint64(id)
		req.Sizes[i] = f.Size
		req.In[i] = ins[i].Token()
		req.Out[i] = outs[i].Token()
		if d, ok := c.registry.Descriptor(job.ID(f.ID)); ok && len(d.Key) > 0 {
			req.Descriptors[i] = &rpc.Descriptor{Key: d.Key, IV: d.IV, AuthTag: d.AuthTag}
		}
	}

	if _, err := call(ctx, req); err != nil {
		return nil, err
	}

	results := make([]*File, n)
	for i, f := range files {
		go feedPair(ins[i].LocalWriter(), dataReader(f.Data))
		go c.dispatcher.SendStream(ins[i].Token(), ins[i].TransportReader())
		go c.dispatcher.ReceiveStream(outs[i].Token(), outs[i].TransportWriter())

		results[i] = &File{
			ID:           JobID(req.IDs[i]),
			Data:         &StreamData{R: outs[i].LocalReader()},
			Size:         f.Size,
			Mimetype:     f.Mimetype,
			FilePrefix:   f.FilePrefix,
			Path:         f.Path,
			LastModified: f.LastModified,
		}
	}
	return results, nil
}

// feedPair drains src into the pair's local endpoint. A source failure is
// carried through the pipe so the consuming job fails instead of ciphering a
// silently truncated payload.
func feedPair(w *io.PipeWriter, src io.ReadCloser) {
	_, err := io.Copy(w, src)
	src.Close()
	w.CloseWithError(err)
}

func (c *Client) bufferTransform(ctx context.Context, opts *Options, files []*File, encrypt bool) ([]*File, error) {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	if total > maxBufferedBytes {
		return nil, ErrTooLargeForFallback
	}

	n := len(files)
	ids := make([]JobID, n)
	for i := range files {
		ids[i] = files[i].ID
		if ids[i] == 0 {
			ids[i] = JobID(c.registry.NextID())
		}
		c.registry.Track(job.ID(ids[i]), files[i].Size)
	}

	results := make([]*File, n)
	g, _ := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			var (
				out *File
				err error
			)
			if encrypt {
				out, err = c.bufferEncryptOne(ids[i], opts, f)
			} else {
				out, err = c.bufferDecryptOne(ids[i], opts, f)
			}
			if err != nil {
				return err
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Client) bufferEncryptOne(id JobID, opts *Options, f *File) (*File, error) {
	key, iv, err := keyMaterial(opts)
	if err != nil {
		return nil, err
	}
	enc, err := cryptox.NewStreamEncrypter(key, iv)
	if err != nil {
		return nil, err
	}

	src := dataReader(f.Data)
	defer src.Close()

	var buf bytes.Buffer
	size, err := enc.Pipe(&buf, src, nil)
	if err != nil {
		return nil, err
	}

	c.registry.Publish(job.Complete{
		Job:  job.ID(id),
		Info: cryptox.Descriptor{Key: key, IV: iv, AuthTag: enc.Tag()},
		Size: size,
	})

	return bufferedResult(id, f, buf.Bytes(), size), nil
}

func (c *Client) bufferDecryptOne(id JobID, opts *Options, f *File) (*File, error) {
	desc, ok := c.registry.Descriptor(job.ID(f.ID))
	if !ok || len(desc.Key) == 0 {
		if opts == nil {
			return nil, ErrArgumentMissing
		}
		desc = cryptox.Descriptor{Key: opts.Key, IV: opts.IV, AuthTag: opts.AuthTag}
	}

	dec, err := cryptox.NewStreamDecrypter(desc)
	if err != nil {
		return nil, err
	}

	src := dataReader(f.Data)
	defer src.Close()

	var buf bytes.Buffer
	size, err := dec.Pipe(&buf, src, nil)
	if err != nil {
		return nil, err
	}

	c.registry.Publish(job.Complete{Job: job.ID(id), Size: size, Mimetype: f.Mimetype})

	return bufferedResult(id, f, buf.Bytes(), size), nil
}

func bufferedResult(id JobID, f *File, data []byte, size int64) *File {
	return &File{
		ID:           id,
		Data:         &BufferData{B: data},
		Size:         size,
		Mimetype:     f.Mimetype,
		FilePrefix:   f.FilePrefix,
		Path:         f.Path,
		LastModified: f.LastModified,
	}
}

func keyMaterial(opts *Options) (key, iv []byte, err error) {
	if opts != nil && len(opts.Key) > 0 {
		key = opts.Key
	} else if key, err = cryptox.GenerateKey(); err != nil {
		return nil, nil, err
	}
	if opts != nil && len(opts.IV) > 0 {
		iv = opts.IV
	} else if iv, err = cryptox.GenerateIV(); err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

func optionsDescriptor(opts *Options) *rpc.Descriptor {
	if opts == nil {
		return nil
	}
	return &rpc.Descriptor{Key: opts.Key, IV: opts.IV, AuthTag: opts.AuthTag}
}
