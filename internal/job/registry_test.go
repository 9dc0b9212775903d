package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dusklabs/penumbra/internal/cryptox"
)

func TestNextID_StrictlyIncreasing(t *testing.T) {
	r := NewRegistry()
	prev := r.NextID()
	for i := 0; i < 100; i++ {
		id := r.NextID()
		require.Greater(t, id, prev)
		prev = id
	}
}

func TestNextID_ConcurrentUnique(t *testing.T) {
	r := NewRegistry()

	const n = 64
	ids := make(chan ID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids <- r.NextID()
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[ID]bool, n)
	for id := range ids {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestRecordDescriptor_LastWriteWins(t *testing.T) {
	r := NewRegistry()
	id := r.NextID()

	r.RecordDescriptor(id, cryptox.Descriptor{Key: []byte("one")})
	r.RecordDescriptor(id, cryptox.Descriptor{Key: []byte("two")})

	d, ok := r.Descriptor(id)
	require.True(t, ok)
	require.Equal(t, []byte("two"), d.Key)
}

func TestAwaitDescriptor_BeforeAndAfterCompletion(t *testing.T) {
	r := NewRegistry()
	id := r.NextID()
	want := cryptox.Descriptor{Key: []byte("k"), IV: []byte("iv"), AuthTag: []byte("tag")}

	type res struct {
		d   cryptox.Descriptor
		err error
	}
	early := make(chan res, 1)
	go func() {
		d, err := r.AwaitDescriptor(context.Background(), id)
		early <- res{d, err}
	}()

	// Give the early waiter a moment to subscribe.
	time.Sleep(10 * time.Millisecond)
	r.Publish(Complete{Job: id, Info: want, Size: 42})

	got := <-early
	require.NoError(t, got.err)
	require.Equal(t, want, got.d)

	// A late call resolves from the cache with the identical descriptor.
	late, err := r.AwaitDescriptor(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, want, late)
}

func TestAwaitDescriptor_ContextCancelled(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.AwaitDescriptor(ctx, r.NextID())
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublish_DeliversToAllPriorSubscribers(t *testing.T) {
	r := NewRegistry()

	var a, b []Event
	r.Subscribe(func(ev Event) { a = append(a, ev) })
	r.Subscribe(func(ev Event) { b = append(b, ev) })

	r.Publish(Progress{Job: 1, BytesProcessed: 10, TotalBytes: 100})
	r.Publish(Complete{Job: 1, Size: 100})

	require.Len(t, a, 2)
	require.Len(t, b, 2)
}

func TestPublish_UnsubscribeInsideHandlerDoesNotAffectOthers(t *testing.T) {
	r := NewRegistry()

	var selfCount, otherCount int
	var cancel func()
	cancel = r.Subscribe(func(ev Event) {
		selfCount++
		cancel()
	})
	r.Subscribe(func(ev Event) { otherCount++ })

	r.Publish(Progress{Job: 1})
	r.Publish(Progress{Job: 1})

	require.Equal(t, 1, selfCount, "unsubscribed after first event")
	require.Equal(t, 2, otherCount, "other subscriber unaffected")
}

func TestPublish_LateSubscriberMissesEvent(t *testing.T) {
	r := NewRegistry()
	r.Publish(Complete{Job: 7, Info: cryptox.Descriptor{Key: []byte("k")}, Size: 1})

	var got []Event
	r.Subscribe(func(ev Event) { got = append(got, ev) })
	require.Empty(t, got)

	// But the descriptor cache still answers for the late reader.
	_, ok := r.Descriptor(7)
	require.True(t, ok)
}

func TestPublish_KeylessCompletionKeepsDescriptor(t *testing.T) {
	r := NewRegistry()
	id := r.NextID()
	want := cryptox.Descriptor{Key: []byte("k"), IV: []byte("iv"), AuthTag: []byte("tag")}

	r.Publish(Complete{Job: id, Info: want, Size: 10})
	// A re-decryption of the same job completes without key material.
	r.Publish(Complete{Job: id, Size: 10})

	d, ok := r.Descriptor(id)
	require.True(t, ok)
	require.Equal(t, want, d)
}

func TestAwaitDescriptor_IgnoresKeylessCompletion(t *testing.T) {
	r := NewRegistry()
	id := r.NextID()
	want := cryptox.Descriptor{Key: []byte("k")}

	got := make(chan cryptox.Descriptor, 1)
	go func() {
		d, err := r.AwaitDescriptor(context.Background(), id)
		require.NoError(t, err)
		got <- d
	}()

	time.Sleep(10 * time.Millisecond)
	r.Publish(Complete{Job: id, Size: 5})
	r.Publish(Complete{Job: id, Info: want, Size: 5})

	select {
	case d := <-got:
		require.Equal(t, want, d)
	case <-time.After(time.Second):
		t.Fatal("descriptor never resolved")
	}
}

func TestTrack_Size(t *testing.T) {
	r := NewRegistry()
	id := r.NextID()

	_, ok := r.Size(id)
	require.False(t, ok)

	r.Track(id, 1024)
	s, ok := r.Size(id)
	require.True(t, ok)
	require.Equal(t, int64(1024), s)
}
