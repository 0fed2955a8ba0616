package heartbeat

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// fakeStore implements only PollCancel/ExtendLease; embedding store.Store
// satisfies the interface without stubbing every method.
type fakeStore struct {
	store.Store
	canceled    atomic.Bool
	extendOK    atomic.Bool
	extendCalls atomic.Int32
}

func (f *fakeStore) PollCancel(ctx context.Context, runID string) (bool, error) {
	return f.canceled.Load(), nil
}

func (f *fakeStore) ExtendLease(ctx context.Context, runID, workerID string, d time.Duration) (bool, error) {
	f.extendCalls.Add(1)
	return f.extendOK.Load(), nil
}

func TestService_StopWithoutTrigger(t *testing.T) {
	fs := &fakeStore{}
	fs.extendOK.Store(true)
	killed := atomic.Bool{}

	svc := NewService(Config{
		Store: fs, WorkerID: "w1", RunID: "r1", LeaseDuration: 300 * time.Millisecond,
		Kill: func() { killed.Store(true) },
	})
	svc.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	svc.Stop()
	require.NoError(t, svc.Wait())
	require.False(t, killed.Load())
}

func TestService_KillsOnCancellation(t *testing.T) {
	fs := &fakeStore{}
	fs.extendOK.Store(true)
	killed := make(chan struct{})

	svc := NewService(Config{
		Store: fs, WorkerID: "w1", RunID: "r1", LeaseDuration: 300 * time.Millisecond,
		Kill: func() { close(killed) },
	})
	svc.Start(context.Background())
	fs.canceled.Store(true)

	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("kill was not called after cancellation request")
	}
	require.ErrorIs(t, svc.Wait(), taskerr.ErrCanceled)
}

func TestService_KillsOnLeaseLoss(t *testing.T) {
	fs := &fakeStore{}
	fs.extendOK.Store(false)
	killed := make(chan struct{})

	svc := NewService(Config{
		Store: fs, WorkerID: "w1", RunID: "r1", LeaseDuration: 300 * time.Millisecond,
		Kill: func() { close(killed) },
	})
	svc.Start(context.Background())

	select {
	case <-killed:
	case <-time.After(2 * time.Second):
		t.Fatal("kill was not called after lease loss")
	}
}
