package penumbra

import (
	"context"
	"io"

	"github.com/dusklabs/penumbra/internal/mimes"
)

// GetBlob materializes exactly one file in memory and returns its bytes and
// mimetype. Streaming files are drained completely, so this is only suitable
// for payloads the caller is willing to buffer.
func (c *Client) GetBlob(ctx context.Context, files ...*File) ([]byte, string, error) {
	if len(files) == 0 {
		return nil, "", ErrArgumentMissing
	}
	if len(files) > 1 {
		return nil, "", ErrMultipleFilesNotSupported
	}

	f := files[0]
	if f == nil || f.Data == nil {
		return nil, "", ErrArgumentMissing
	}

	src := dataReader(f.Data)
	defer src.Close()

	data, err := readAllCtx(ctx, src)
	if err != nil {
		return nil, "", err
	}

	mimetype := f.Mimetype
	if mimetype == "" {
		mimetype = mimes.Detect(data)
	}
	return data, mimetype, nil
}

// readAllCtx buffers src fully, abandoning the read when ctx ends. The
// producing job keeps running; only this consumer gives up.
func readAllCtx(ctx context.Context, src io.Reader) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(src)
		done <- result{data, err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
