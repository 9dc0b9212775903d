// Package penumbra fetches, encrypts and decrypts large byte payloads
// without holding them in the calling process's memory. Work is delegated to
// a separate worker process and the payload travels through streamed channel
// pairs; when no worker is available, small batches fall back to buffered
// in-process execution.
package penumbra

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// SizeUnknown marks a file whose byte count has not been determined yet. The
// real size is announced by the job's completion event.
const SizeUnknown int64 = -1

// JobID identifies the job behind a file for the lifetime of a Client.
type JobID uint64

// Data is the payload of a File: either a live stream or an in-memory
// buffer. Consumers type-switch on the two variants.
type Data interface {
	isData()
}

// StreamData is payload that arrives incrementally. Reading drives the
// producing job; a job failure surfaces as the reader's error. The consumer
// owns R and must close it.
type StreamData struct {
	R io.ReadCloser
}

func (*StreamData) isData() {}

// BufferData is payload held fully in memory, produced by the buffered
// fallback path.
type BufferData struct {
	B []byte
}

func (*BufferData) isData() {}

// File is one fetched or transformed payload with its metadata. Size is
// SizeUnknown until the underlying job completes.
type File struct {
	ID           JobID
	Data         Data
	Size         int64
	Mimetype     string
	FilePrefix   string
	Path         string
	LastModified time.Time
}

// EncryptedFile is a File whose payload is ciphertext. Its decryption
// descriptor is held by the client's registry under the file's ID and is
// retrieved with GetDecryptionInfo.
type EncryptedFile struct {
	File
}

// DecryptionInfo carries everything needed to decrypt one file: the AES key,
// the CTR IV, and the authentication tag computed over the ciphertext.
type DecryptionInfo struct {
	Key     []byte
	IV      []byte
	AuthTag []byte
}

// RemoteResource names one payload to fetch. DecryptionInfo, when set, makes
// the worker decrypt the payload as it streams. Treat a resource as
// immutable once submitted.
type RemoteResource struct {
	URL            string
	Header         http.Header
	FilePrefix     string
	Mimetype       string
	DecryptionInfo *DecryptionInfo
}

// Options supplies key material for a whole Encrypt or Decrypt batch. A nil
// Options on Encrypt generates fresh material per file; on Decrypt the
// per-file descriptors recorded at encryption time are used instead. AuthTag
// only applies to Decrypt; leaving it empty skips integrity verification for
// files whose descriptor is not in the registry.
type Options struct {
	Key     []byte
	IV      []byte
	AuthTag []byte
}

// reader returns the payload as a stream regardless of variant.
func dataReader(d Data) io.ReadCloser {
	switch v := d.(type) {
	case *StreamData:
		return v.R
	case *BufferData:
		return io.NopCloser(bytes.NewReader(v.B))
	default:
		return nil
	}
}
