package penumbra

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/dusklabs/penumbra/internal/fetch"
	"github.com/dusklabs/penumbra/internal/logging"
	"github.com/dusklabs/penumbra/internal/rpc"
	"github.com/dusklabs/penumbra/internal/worker"
)

// newStreamingClient wires a Client to an in-process worker over an
// in-memory connection, exercising the same path a spawned worker binary
// would serve.
func newStreamingClient(t *testing.T) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	logger := logging.Discard()

	srv := grpc.NewServer(grpc.ForceServerCodec(rpc.Codec{}))
	rpc.RegisterWorkerServer(srv, worker.NewServer(logger, fetch.New(logger, fetch.Options{})))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	c := New(WithWorkerTarget("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	))
	t.Cleanup(func() { c.Close() })
	return c
}

func TestStreaming_GetDeliversLiveStream(t *testing.T) {
	body := bytes.Repeat([]byte("stream me. "), 20000)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(body)
	}))
	defer ts.Close()

	c := newStreamingClient(t)

	files, err := c.Get(context.Background(), RemoteResource{URL: ts.URL})
	require.NoError(t, err)
	require.Len(t, files, 1)

	stream, ok := files[0].Data.(*StreamData)
	require.True(t, ok, "worker-backed Get must return stream data")
	require.Equal(t, SizeUnknown, files[0].Size)

	got, err := io.ReadAll(stream.R)
	require.NoError(t, err)
	stream.R.Close()
	require.Equal(t, body, got)
}

func TestStreaming_EncryptDecryptRoundTrip(t *testing.T) {
	c := newStreamingClient(t)
	ctx := context.Background()

	plaintext := bytes.Repeat([]byte("do not buffer me in the caller. "), 10000)
	in := &File{
		Data:     &BufferData{B: plaintext},
		Size:     int64(len(plaintext)),
		Mimetype: "text/plain",
	}

	encrypted, err := c.Encrypt(ctx, nil, in)
	require.NoError(t, err)

	encStream, ok := encrypted[0].Data.(*StreamData)
	require.True(t, ok)
	ciphertext, err := io.ReadAll(encStream.R)
	require.NoError(t, err)
	encStream.R.Close()
	require.Len(t, ciphertext, len(plaintext))
	require.NotEqual(t, plaintext, ciphertext)

	infoCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := c.GetDecryptionInfo(infoCtx, encrypted[0])
	require.NoError(t, err)
	require.NotEmpty(t, info.AuthTag)

	// Decrypt re-streams the buffered ciphertext; the recorded descriptor is
	// found by the encrypted file's ID.
	reloaded := &EncryptedFile{File: File{
		ID:   encrypted[0].ID,
		Data: &BufferData{B: ciphertext},
		Size: int64(len(ciphertext)),
	}}
	decrypted, err := c.Decrypt(ctx, nil, reloaded)
	require.NoError(t, err)

	decStream, ok := decrypted[0].Data.(*StreamData)
	require.True(t, ok)
	got, err := io.ReadAll(decStream.R)
	require.NoError(t, err)
	decStream.R.Close()
	require.Equal(t, plaintext, got)
}

func TestStreaming_DecryptConsumesLiveCiphertextStream(t *testing.T) {
	c := newStreamingClient(t)
	ctx := context.Background()

	// Big enough that the ciphertext cannot sit fully buffered between the
	// two jobs: decryption must run while encryption is still producing and
	// the authentication tag is not yet known.
	plaintext := bytes.Repeat([]byte("same session, straight through. "), 32768)

	encrypted, err := c.Encrypt(ctx, nil, &File{
		Data: &BufferData{B: plaintext}, Size: int64(len(plaintext)),
	})
	require.NoError(t, err)

	// The ciphertext stream is handed to Decrypt unread.
	decrypted, err := c.Decrypt(ctx, nil, encrypted[0])
	require.NoError(t, err)
	require.Equal(t, encrypted[0].ID, decrypted[0].ID, "re-decryption keeps the job id")

	got, err := io.ReadAll(decrypted[0].Data.(*StreamData).R)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)

	// The descriptor recorded for the shared id still names the encryption
	// key material.
	infoCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	info, err := c.GetDecryptionInfo(infoCtx, encrypted[0])
	require.NoError(t, err)
	require.NotEmpty(t, info.Key)
	require.NotEmpty(t, info.AuthTag)
}

func TestStreaming_PerItemErrorLeavesBatchAlive(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad" {
			http.Error(w, "nope", http.StatusForbidden)
			return
		}
		w.Write([]byte("good bytes"))
	}))
	defer ts.Close()

	c := newStreamingClient(t)

	files, err := c.Get(context.Background(),
		RemoteResource{URL: ts.URL + "/good"},
		RemoteResource{URL: ts.URL + "/bad"},
	)
	require.NoError(t, err)

	good, err := io.ReadAll(files[0].Data.(*StreamData).R)
	require.NoError(t, err)
	require.Equal(t, "good bytes", string(good))

	_, err = io.ReadAll(files[1].Data.(*StreamData).R)
	require.Error(t, err, "failed item surfaces on its own stream")
}

func TestStreaming_SubscribeSeesWorkerEvents(t *testing.T) {
	c := newStreamingClient(t)
	ctx := context.Background()

	events := make(chan Event, 64)
	unsub := c.Subscribe(func(ev Event) { events <- ev })
	defer unsub()

	plaintext := bytes.Repeat([]byte("y"), 200*1024)
	encrypted, err := c.Encrypt(ctx, nil, &File{
		Data: &BufferData{B: plaintext}, Size: int64(len(plaintext)),
	})
	require.NoError(t, err)

	data, err := io.ReadAll(encrypted[0].Data.(*StreamData).R)
	require.NoError(t, err)
	require.Len(t, data, len(plaintext))

	deadline := time.After(5 * time.Second)
	var sawProgress, sawComplete bool
	for !(sawProgress && sawComplete) {
		select {
		case ev := <-events:
			switch ev.(type) {
			case ProgressEvent:
				sawProgress = true
			case CompleteEvent:
				sawComplete = true
			}
		case <-deadline:
			t.Fatalf("missing events: progress=%v complete=%v", sawProgress, sawComplete)
		}
	}
}
