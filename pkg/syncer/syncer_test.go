package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops/fieldsync/pkg/blob"
	"github.com/fieldops/fieldsync/pkg/connectivity"
	"github.com/fieldops/fieldsync/pkg/queue"
	"github.com/fieldops/fieldsync/pkg/status"
	"github.com/fieldops/fieldsync/pkg/store"
)

type fakeRemote struct {
	mu       sync.Mutex
	applied  []queue.PendingOperation
	uploads  []string
	nextID   int
	applyErr func(op queue.PendingOperation) error
	blobErr  func(ref queue.BlobRef) error
	onApply  func(op queue.PendingOperation)
}

func (f *fakeRemote) Apply(ctx context.Context, op queue.PendingOperation) (string, error) {
	f.mu.Lock()
	hook, fail := f.onApply, f.applyErr
	f.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if fail != nil {
		if err := fail(op); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, op)
	if op.Kind != queue.Create {
		return "", nil
	}
	f.nextID++
	return fmt.Sprintf("srv-%d", f.nextID), nil
}

func (f *fakeRemote) Upload(ctx context.Context, op queue.PendingOperation, ref queue.BlobRef, r io.Reader) (string, error) {
	f.mu.Lock()
	fail := f.blobErr
	f.mu.Unlock()
	if fail != nil {
		if err := fail(ref); err != nil {
			return "", err
		}
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, string(data))
	return "https://cdn.example/" + ref.ID, nil
}

func (f *fakeRemote) appliedOps() []queue.PendingOperation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.PendingOperation(nil), f.applied...)
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

var errUnavailable = &status.Error{Code: status.Server, HTTPStatus: 503, Message: "unavailable"}

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	blobs, err := blob.New(afero.NewMemMapFs(), "blobs")
	require.NoError(t, err)
	q, err := queue.Open(context.Background(), store.NewMemoryStore(), blobs)
	require.NoError(t, err)
	return q
}

func enqueue(t *testing.T, q *queue.Queue, op queue.PendingOperation) queue.PendingOperation {
	t.Helper()
	out, err := q.Enqueue(context.Background(), op)
	require.NoError(t, err)
	return out.Op
}

func TestRunAppliesInOrderAndReconciles(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	remote := &fakeRemote{}

	var applied []string
	s := New(q, remote, connectivity.NewMonitor(true), WithOnApplied(func(op queue.PendingOperation) {
		applied = append(applied, op.EntityType)
	}))

	site := enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site", Payload: map[string]any{"name": "A"}})
	job := enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "job", Payload: map[string]any{"siteId": site.LocalID}})
	enqueue(t, q, queue.PendingOperation{LocalID: "31", Kind: queue.Delete, EntityType: "job"})

	res, err := s.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, []string{"site", "job", "job"}, applied)

	ops := remote.appliedOps()
	require.Len(t, ops, 3)
	assert.Equal(t, "srv-1", ops[1].Payload["siteId"], "dependent payload carries the parent's server id")
	assert.Equal(t, "31", ops[2].ServerID)

	id, ok := q.ServerID(job.LocalID)
	assert.True(t, ok)
	assert.Equal(t, "srv-2", id)
	assert.Equal(t, Idle, s.State())
	assert.Equal(t, Completed, s.LastResult().State)
}

func TestRunRecordsFailureAndSkipsDependents(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	remote := &fakeRemote{applyErr: func(op queue.PendingOperation) error {
		if op.EntityType == "site" {
			return errUnavailable
		}
		return nil
	}}
	s := New(q, remote, connectivity.NewMonitor(true))

	site := enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})
	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "job", Payload: map[string]any{"siteId": site.LocalID}})
	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "note"})

	res, err := s.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, PartiallyFailed, res.State)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 2, res.Remaining)

	failed, ok := q.Get(site.LocalID)
	require.True(t, ok)
	assert.Equal(t, 1, failed.Attempts)
	assert.Contains(t, failed.LastError, "unavailable")
}

func TestRunUploadsBlobsOnce(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	attempts := 0
	remote := &fakeRemote{applyErr: func(op queue.PendingOperation) error {
		attempts++
		if attempts == 1 {
			return errUnavailable
		}
		return nil
	}}
	s := New(q, remote, connectivity.NewMonitor(true))

	ref, err := q.AttachBlob(ctx, strings.NewReader("jpeg"), "image/jpeg", "photoUrl")
	require.NoError(t, err)
	op := enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "inspection", Blobs: []queue.BlobRef{ref}})

	_, err = s.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, remote.uploadCount())
	pending, ok := q.Get(op.LocalID)
	require.True(t, ok)
	assert.Empty(t, pending.PendingBlobs(), "resolved blob is persisted before the record is applied")

	res, err := s.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 1, remote.uploadCount(), "blob must not be uploaded twice")

	ops := remote.appliedOps()
	require.Len(t, ops, 1)
	assert.Equal(t, "https://cdn.example/"+ref.ID, ops[0].Payload["photoUrl"])
}

func TestBlobFailuresParkOperation(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	remote := &fakeRemote{blobErr: func(queue.BlobRef) error { return errUnavailable }}
	s := New(q, remote, connectivity.NewMonitor(true), WithBlobMaxAttempts(2))

	ref, err := q.AttachBlob(ctx, strings.NewReader("jpeg"), "image/jpeg", "photoUrl")
	require.NoError(t, err)
	op := enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "inspection", Blobs: []queue.BlobRef{ref}})

	for i := 0; i < 2; i++ {
		res, err := s.Run(ctx, TriggerPeriodic)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)
	}
	assert.Empty(t, remote.appliedOps(), "record is blocked until its photos upload")

	res, err := s.Run(ctx, TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped, "parked operation is skipped by periodic runs")
	parked, _ := q.Get(op.LocalID)
	assert.Contains(t, parked.LastError, "photo upload failed")

	remote.mu.Lock()
	remote.blobErr = nil
	remote.mu.Unlock()

	res, err = s.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 0, q.Count().Total)
}

func TestDependencyDeletedBeforeSyncIsRecorded(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	remote := &fakeRemote{}
	s := New(q, remote, connectivity.NewMonitor(true))

	site := enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site", Payload: map[string]any{"name": "A"}})
	job := enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "job", Payload: map[string]any{"siteId": site.LocalID}})
	_, err := q.Enqueue(ctx, queue.PendingOperation{LocalID: site.LocalID, Kind: queue.Delete, EntityType: "site"})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		res, err := s.Run(ctx, TriggerManual)
		require.NoError(t, err)
		assert.Equal(t, PartiallyFailed, res.State)
		assert.Equal(t, 1, res.Failed)
		assert.Equal(t, 1, res.Remaining)

		stuck, ok := q.Get(job.LocalID)
		require.True(t, ok)
		assert.Equal(t, i, stuck.Attempts)
		assert.Contains(t, stuck.LastError, "deleted before it synced")
	}
	assert.Empty(t, remote.appliedOps())
}

func TestSkippedOperationsMakeRunPartial(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	remote := &fakeRemote{applyErr: func(queue.PendingOperation) error { return errUnavailable }}
	s := New(q, remote, connectivity.NewMonitor(true), WithMaxAttempts(1))

	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})
	res, err := s.Run(ctx, TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	res, err = s.Run(ctx, TriggerPeriodic)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, PartiallyFailed, res.State)
}

func TestUnauthenticatedEndsRun(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	remote := &fakeRemote{applyErr: func(queue.PendingOperation) error {
		return status.New(status.Unauthenticated, "token expired")
	}}
	s := New(q, remote, connectivity.NewMonitor(true))

	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})
	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})

	res, err := s.Run(ctx, TriggerManual)
	require.Error(t, err)
	assert.Equal(t, status.Unauthenticated, status.CodeOf(err))
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Remaining)
	assert.Equal(t, PartiallyFailed, res.State)
}

func TestConnectivityLossStopsRun(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	monitor := connectivity.NewMonitor(true)
	remote := &fakeRemote{onApply: func(queue.PendingOperation) { monitor.SetOnline(false) }}
	s := New(q, remote, monitor)

	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})
	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})

	res, err := s.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 1, res.Succeeded, "the in-flight operation completes")
	assert.Equal(t, 1, res.Remaining)

	_, err = s.Run(ctx, TriggerManual)
	assert.Equal(t, status.Network, status.CodeOf(err))
}

func TestOperationsAddedDuringRun(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	var once sync.Once
	remote := &fakeRemote{}
	remote.onApply = func(queue.PendingOperation) {
		once.Do(func() {
			enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "note"})
		})
	}
	s := New(q, remote, connectivity.NewMonitor(true))

	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})

	var events []Progress
	unsubscribe := s.Subscribe(func(p Progress) { events = append(events, p) })
	defer unsubscribe()

	res, err := s.Run(ctx, TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, q.Count().Total)

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, Completed, last.State)
	assert.Equal(t, 2, last.Processed)
	assert.Equal(t, float64(100), last.Percent)
	assert.Equal(t, Syncing, events[0].State)
}

func TestStartSyncsWhenOnline(t *testing.T) {
	q := newQueue(t)
	monitor := connectivity.NewMonitor(false)
	remote := &fakeRemote{}
	s := New(q, remote, monitor, WithInterval(time.Hour))

	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		res := s.LastResult()
		return res.Trigger == TriggerConnectivity && res.State == Completed
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, q.Count().Total)
}

func TestPeriodicSync(t *testing.T) {
	q := newQueue(t)
	remote := &fakeRemote{}
	s := New(q, remote, connectivity.NewMonitor(true), WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})
	require.Eventually(t, func() bool {
		res := s.LastResult()
		return res.Trigger == TriggerPeriodic && res.Succeeded == 1
	}, time.Second, 10*time.Millisecond)
	assert.Len(t, remote.appliedOps(), 1)
}

func TestCanceledRun(t *testing.T) {
	q := newQueue(t)
	s := New(q, &fakeRemote{}, connectivity.NewMonitor(true))
	enqueue(t, q, queue.PendingOperation{Kind: queue.Create, EntityType: "site"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := s.Run(ctx, TriggerManual)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.True(t, res.Interrupted)
	assert.Equal(t, 1, res.Remaining)
}
