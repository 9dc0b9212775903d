package cryptox

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStream_RoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	iv, err := GenerateIV()
	require.NoError(t, err)

	plaintext := make([]byte, 3*chunkSize+17) // force several partial chunks
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	enc, err := NewStreamEncrypter(key, iv)
	require.NoError(t, err)

	var ciphertext bytes.Buffer
	n, err := enc.Pipe(&ciphertext, bytes.NewReader(plaintext), nil)
	require.NoError(t, err)
	require.Equal(t, int64(len(plaintext)), n)
	require.Equal(t, len(plaintext), ciphertext.Len(), "CTR keeps length")
	require.NotEqual(t, plaintext, ciphertext.Bytes())

	dec, err := NewStreamDecrypter(Descriptor{Key: key, IV: iv, AuthTag: enc.Tag()})
	require.NoError(t, err)

	var decrypted bytes.Buffer
	_, err = dec.Pipe(&decrypted, bytes.NewReader(ciphertext.Bytes()), nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted.Bytes())
}

func TestStream_TamperedCiphertextFailsAuthentication(t *testing.T) {
	key, _ := GenerateKey()
	iv, _ := GenerateIV()

	enc, err := NewStreamEncrypter(key, iv)
	require.NoError(t, err)

	var ciphertext bytes.Buffer
	_, err = enc.Pipe(&ciphertext, bytes.NewReader([]byte("attack at dawn")), nil)
	require.NoError(t, err)

	tampered := ciphertext.Bytes()
	tampered[3] ^= 0xff

	dec, err := NewStreamDecrypter(Descriptor{Key: key, IV: iv, AuthTag: enc.Tag()})
	require.NoError(t, err)

	_, err = dec.Pipe(io.Discard, bytes.NewReader(tampered), nil)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestStream_WrongTagFailsAuthentication(t *testing.T) {
	key, _ := GenerateKey()
	iv, _ := GenerateIV()

	enc, err := NewStreamEncrypter(key, iv)
	require.NoError(t, err)

	var ciphertext bytes.Buffer
	_, err = enc.Pipe(&ciphertext, bytes.NewReader([]byte("payload")), nil)
	require.NoError(t, err)

	badTag := make([]byte, TagSize)
	dec, err := NewStreamDecrypter(Descriptor{Key: key, IV: iv, AuthTag: badTag})
	require.NoError(t, err)

	_, err = dec.Pipe(io.Discard, bytes.NewReader(ciphertext.Bytes()), nil)
	require.ErrorIs(t, err, ErrAuthentication)
}

func TestStream_EmptyTagSkipsVerification(t *testing.T) {
	key, _ := GenerateKey()
	iv, _ := GenerateIV()

	enc, err := NewStreamEncrypter(key, iv)
	require.NoError(t, err)

	var ciphertext bytes.Buffer
	_, err = enc.Pipe(&ciphertext, bytes.NewReader([]byte("payload")), nil)
	require.NoError(t, err)

	dec, err := NewStreamDecrypter(Descriptor{Key: key, IV: iv})
	require.NoError(t, err)

	var out bytes.Buffer
	_, err = dec.Pipe(&out, bytes.NewReader(ciphertext.Bytes()), nil)
	require.NoError(t, err)
	require.Equal(t, "payload", out.String())
}

func TestStream_ProgressReportsRunningTotal(t *testing.T) {
	key, _ := GenerateKey()
	iv, _ := GenerateIV()

	enc, err := NewStreamEncrypter(key, iv)
	require.NoError(t, err)

	plaintext := make([]byte, chunkSize+chunkSize/2)
	var seen []int64
	_, err = enc.Pipe(io.Discard, bytes.NewReader(plaintext), func(total int64) {
		seen = append(seen, total)
	})
	require.NoError(t, err)
	require.NotEmpty(t, seen)
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1], "progress must be monotonic")
	}
	require.Equal(t, int64(len(plaintext)), seen[len(seen)-1])
}

func TestNewStreamEncrypter_RejectsBadKeyMaterial(t *testing.T) {
	iv, _ := GenerateIV()
	_, err := NewStreamEncrypter([]byte("short"), iv)
	require.ErrorIs(t, err, ErrInvalidKeySize)

	key, _ := GenerateKey()
	_, err = NewStreamEncrypter(key, []byte("short"))
	require.ErrorIs(t, err, ErrInvalidIVSize)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	k1 := DeriveKey([]byte("secret-password"), []byte("fixed-salt"))
	k2 := DeriveKey([]byte("secret-password"), []byte("fixed-salt"))
	require.Equal(t, k1, k2)
	require.Len(t, k1, KeySize)

	k3 := DeriveKey([]byte("secret-password"), []byte("other-salt"))
	require.NotEqual(t, k1, k3)
}
