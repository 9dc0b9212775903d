// Package cryptox implements the stream transform used for file encryption
// and decryption: AES-256-CTR over the payload with an encrypt-then-MAC
// HMAC-SHA256 authentication tag covering the IV and the full ciphertext.
//
// The transform is deliberately streamable: plaintext or ciphertext is
// consumed chunk by chunk and the authentication tag is produced (or
// verified) only once the stream ends, so payloads of arbitrary size never
// need to be resident in memory.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// IVSize is the CTR initialization vector length in bytes.
	IVSize = aes.BlockSize
	// TagSize is the HMAC-SHA256 authentication tag length in bytes.
	TagSize = sha256.Size

	// chunkSize is how much data is transformed per read.
	chunkSize = 64 * 1024
)

// macInfo is the HKDF info string separating the MAC key from the cipher key.
var macInfo = []byte("penumbra.v1 stream auth")

var (
	// ErrAuthentication indicates the ciphertext or its tag was tampered with.
	ErrAuthentication = errors.New("ciphertext authentication failed")

	ErrInvalidKeySize = errors.New("key must be 32 bytes")
	ErrInvalidIVSize  = errors.New("iv must be 16 bytes")
)

// Descriptor is the key/IV/authentication-tag bundle needed to decrypt a
// stream. AuthTag is empty until encryption of the stream has finished.
type Descriptor struct {
	Key     []byte
	IV      []byte
	AuthTag []byte
}

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	return randBytes(KeySize)
}

// GenerateIV returns a fresh random CTR initialization vector.
func GenerateIV() ([]byte, error) {
	return randBytes(IVSize)
}

func randBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("reading random bytes: %w", err)
	}
	return b, nil
}

// DeriveKey derives an AES-256 key from a passphrase and salt using argon2id.
// Same inputs always produce the same key.
func DeriveKey(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
}

// Wipe overwrites b with zeros. Use it on passphrases and key material that
// are no longer needed. A nil slice is a no-op.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// newTransform validates the key material and builds the CTR stream plus the
// HMAC keyed with an HKDF-derived MAC key. The IV is authenticated up front.
func newTransform(key, iv []byte) (cipher.Stream, hash.Hash, error) {
	if len(key) != KeySize {
		return nil, nil, ErrInvalidKeySize
	}
	if len(iv) != IVSize {
		return nil, nil, ErrInvalidIVSize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}

	macKey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, macInfo), macKey); err != nil {
		return nil, nil, fmt.Errorf("deriving mac key: %w", err)
	}

	mac := hmac.New(sha256.New, macKey)
	mac.Write(iv)

	return cipher.NewCTR(block, iv), mac, nil
}

// StreamEncrypter encrypts a plaintext stream. After Pipe returns, Tag holds
// the authentication tag over the IV and the produced ciphertext.
type StreamEncrypter struct {
	stream cipher.Stream
	mac    hash.Hash
}

func NewStreamEncrypter(key, iv []byte) (*StreamEncrypter, error) {
	stream, mac, err := newTransform(key, iv)
	if err != nil {
		return nil, err
	}
	return &StreamEncrypter{stream: stream, mac: mac}, nil
}

// Pipe reads plaintext from src, writes ciphertext to dst and reports the
// running byte count through progress (which may be nil). It returns the
// total number of plaintext bytes consumed.
func (e *StreamEncrypter) Pipe(dst io.Writer, src io.Reader, progress func(total int64)) (int64, error) {
	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			e.stream.XORKeyStream(buf[:n], buf[:n])
			e.mac.Write(buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("writing ciphertext: %w", werr)
			}
			total += int64(n)
			if progress != nil {
				progress(total)
			}
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, fmt.Errorf("reading plaintext: %w", err)
		}
	}
}

// Tag returns the authentication tag accumulated so far. Call it only after
// the whole plaintext has been piped.
func (e *StreamEncrypter) Tag() []byte {
	return e.mac.Sum(nil)
}

// StreamDecrypter decrypts a ciphertext stream and verifies its
// authentication tag once the stream is exhausted.
type StreamDecrypter struct {
	stream cipher.Stream
	mac    hash.Hash
	want   []byte
}

// NewStreamDecrypter builds a decrypter for the given descriptor. If
// d.AuthTag is empty, verification is skipped; decryption still proceeds.
func NewStreamDecrypter(d Descriptor) (*StreamDecrypter, error) {
	stream, mac, err := newTransform(d.Key, d.IV)
	if err != nil {
		return nil, err
	}
	return &StreamDecrypter{stream: stream, mac: mac, want: d.AuthTag}, nil
}

// Pipe reads ciphertext from src, writes plaintext to dst and verifies the
// authentication tag at end of stream. A verification failure is returned as
// ErrAuthentication after all plaintext has already been written: streaming
// consumers observe the error at stream end, not before.
func (d *StreamDecrypter) Pipe(dst io.Writer, src io.Reader, progress func(total int64)) (int64, error) {
	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			d.mac.Write(buf[:n])
			d.stream.XORKeyStream(buf[:n], buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("writing plaintext: %w", werr)
			}
			total += int64(n)
			if progress != nil {
				progress(total)
			}
		}
		if err == io.EOF {
			return total, d.Verify()
		}
		if err != nil {
			return total, fmt.Errorf("reading ciphertext: %w", err)
		}
	}
}

// Verify checks the accumulated MAC against the descriptor's tag.
func (d *StreamDecrypter) Verify() error {
	return d.VerifyAgainst(d.want)
}

// VerifyAgainst checks the accumulated MAC against a tag supplied after the
// stream has been piped. Used when the tag is published only once the
// producing encryption finishes. An empty tag skips verification.
func (d *StreamDecrypter) VerifyAgainst(tag []byte) error {
	if len(tag) == 0 {
		return nil
	}
	if !hmac.Equal(d.mac.Sum(nil), tag) {
		return ErrAuthentication
	}
	return nil
}
