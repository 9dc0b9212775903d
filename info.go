package penumbra

import (
	"context"

	"github.com/dusklabs/penumbra/internal/job"
)

// GetDecryptionInfo resolves the decryption descriptor of an encrypted file.
// It answers immediately once the encryption job has completed and otherwise
// waits for the completion event; bound the wait with ctx, since a stalled
// job is never timed out from here.
func (c *Client) GetDecryptionInfo(ctx context.Context, file *EncryptedFile) (DecryptionInfo, error) {
	if file == nil {
		return DecryptionInfo{}, ErrArgumentMissing
	}
	d, err := c.registry.AwaitDescriptor(ctx, job.ID(file.ID))
	if err != nil {
		return DecryptionInfo{}, err
	}
	return DecryptionInfo{Key: d.Key, IV: d.IV, AuthTag: d.AuthTag}, nil
}
