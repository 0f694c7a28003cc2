// Package syncer replays the offline mutation queue against the remote API.
package syncer

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/fieldsync/pkg/connectivity"
	"github.com/fieldops/fieldsync/pkg/metrics"
	"github.com/fieldops/fieldsync/pkg/pubsub"
	"github.com/fieldops/fieldsync/pkg/queue"
	"github.com/fieldops/fieldsync/pkg/status"
)

// State is the sync lifecycle state
type State int

const (
	Idle State = iota
	Syncing
	Completed
	PartiallyFailed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Syncing:
		return "syncing"
	case Completed:
		return "completed"
	case PartiallyFailed:
		return "partially_failed"
	default:
		return "unknown"
	}
}

// Trigger is what started a run
type Trigger int

const (
	TriggerManual Trigger = iota
	TriggerConnectivity
	TriggerPeriodic
)

func (t Trigger) String() string {
	switch t {
	case TriggerManual:
		return "manual"
	case TriggerConnectivity:
		return "connectivity"
	case TriggerPeriodic:
		return "periodic"
	default:
		return "unknown"
	}
}

// Remote applies queued operations to the server
type Remote interface {
	// Apply sends op, whose payload already carries server ids and blob
	// URLs. It returns the server id assigned by a create.
	Apply(ctx context.Context, op queue.PendingOperation) (serverID string, err error)
	// Upload sends one blob and returns its remote URL
	Upload(ctx context.Context, op queue.PendingOperation, ref queue.BlobRef, r io.Reader) (url string, err error)
}

// Progress is published while a run advances
type Progress struct {
	Trigger   Trigger
	State     State
	Processed int
	Total     int
	Percent   float64
	// LocalID is the operation just processed, empty on start and end events
	LocalID   string
	Err       error
}

// Result summarizes a finished run
type Result struct {
	Trigger     Trigger
	State       State
	StartedAt   time.Time
	FinishedAt  time.Time
	Succeeded   int
	Failed      int
	Skipped     int
	Remaining   int
	Interrupted bool
	Err         error
}

// Syncer drains the queue while the device is online
type Syncer struct {
	queue     *queue.Queue
	remote    Remote
	monitor   *connectivity.Monitor
	logger    *zap.Logger
	collector metrics.Collector
	now       func() time.Time
	progress  *pubsub.Hub[Progress]

	interval        time.Duration
	maxAttempts     int
	blobMaxAttempts int
	onApplied       func(op queue.PendingOperation)

	runMu sync.Mutex

	mu    sync.Mutex
	state State
	last  Result
	stop  chan struct{}
	unsub func()
	wg    sync.WaitGroup
}

// Option configures a Syncer
type Option func(*Syncer)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithCollector sets the metrics collector
func WithCollector(c metrics.Collector) Option {
	return func(s *Syncer) {
		s.collector = c
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

// WithInterval sets the periodic sync interval (default 30s)
func WithInterval(d time.Duration) Option {
	return func(s *Syncer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxAttempts parks operations after n failed applies (default 10).
// Parked operations are only retried by manual runs.
func WithMaxAttempts(n int) Option {
	return func(s *Syncer) {
		s.maxAttempts = n
	}
}

// WithBlobMaxAttempts parks operations with a blob that failed n uploads (default 5)
func WithBlobMaxAttempts(n int) Option {
	return func(s *Syncer) {
		s.blobMaxAttempts = n
	}
}

// WithOnApplied registers a hook run after each operation is applied
func WithOnApplied(fn func(op queue.PendingOperation)) Option {
	return func(s *Syncer) {
		s.onApplied = fn
	}
}

// New creates a syncer for q
func New(q *queue.Queue, remote Remote, monitor *connectivity.Monitor, opts ...Option) *Syncer {
	s := &Syncer{
		queue:           q,
		remote:          remote,
		monitor:         monitor,
		logger:          zap.NewNop(),
		collector:       metrics.Nop{},
		now:             time.Now,
		interval:        30 * time.Second,
		maxAttempts:     10,
		blobMaxAttempts: 5,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.progress = pubsub.NewHub[Progress](s.logger)
	return s
}

// Subscribe registers fn for progress events
func (s *Syncer) Subscribe(fn func(Progress)) (unsubscribe func()) {
	return s.progress.Subscribe(fn)
}

// State returns the current lifecycle state
func (s *Syncer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastResult returns the result of the last finished run
func (s *Syncer) LastResult() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start syncs on every transition to online and periodically while online
// with a non-empty queue. ctx bounds the background runs.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()

	unsub := s.monitor.Subscribe(func(ev connectivity.Event) {
		if !ev.Online {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.background(ctx, TriggerConnectivity)
		}()
	})

	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s.monitor.IsOnline() && s.queue.Count().Total > 0 {
					s.background(ctx, TriggerPeriodic)
				}
			}
		}
	}()
}

func (s *Syncer) background(ctx context.Context, trigger Trigger) {
	if _, err := s.Run(ctx, trigger); err != nil && status.CodeOf(err) != status.Canceled {
		s.logger.Warn("background sync failed", zap.Stringer("trigger", trigger), zap.Error(err))
	}
}

// Stop ends background syncing and waits for running syncs
func (s *Syncer) Stop() {
	s.mu.Lock()
	stop, unsub := s.stop, s.unsub
	s.stop, s.unsub = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	if unsub != nil {
		unsub()
	}
	close(stop)
	s.wg.Wait()
}

// Run drains the queue once. A manual run waits for a run in progress and
// then runs again; other triggers skip while a run is in progress.
func (s *Syncer) Run(ctx context.Context, trigger Trigger) (Result, error) {
	if trigger == TriggerManual {
		s.runMu.Lock()
	} else if !s.runMu.TryLock() {
		return s.LastResult(), nil
	}
	defer s.runMu.Unlock()

	if !s.monitor.IsOnline() {
		return Result{Trigger: trigger, State: Idle, Remaining: s.queue.Count().Total},
			status.New(status.Network, "cannot sync while offline")
	}

	res := s.run(ctx, trigger)

	s.mu.Lock()
	s.state = Idle
	s.last = res
	s.mu.Unlock()

	s.collector.RecordSyncRun(res.State.String())
	s.reportPending()
	return res, res.Err
}

func (s *Syncer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Syncer) run(ctx context.Context, trigger Trigger) Result {
	res := Result{Trigger: trigger, StartedAt: s.now()}
	s.setState(Syncing)

	logger := s.logger.With(zap.Stringer("trigger", trigger))
	logger.Info("sync started", zap.Int("pending", s.queue.Count().Total))

	// attempted holds the revision of each operation handled in this run
	attempted := make(map[string]uint64)
	processed := 0
	s.progress.Publish(Progress{Trigger: trigger, State: Syncing, Total: s.eligible(attempted, trigger)})

	for {
		op, ok := s.next(context.WithoutCancel(ctx), attempted, trigger, &res)
		if !ok {
			break
		}
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			res.Interrupted = true
			break
		}
		if !s.monitor.IsOnline() {
			logger.Info("sync interrupted by connectivity loss")
			res.Interrupted = true
			break
		}

		attempted[op.LocalID] = op.Revision
		err := s.process(context.WithoutCancel(ctx), op)
		processed++
		if err != nil {
			res.Failed++
			logger.Warn("operation failed to sync",
				zap.String("local_id", op.LocalID),
				zap.String("entity_type", op.EntityType),
				zap.Stringer("kind", op.Kind),
				zap.Error(err))
		} else {
			res.Succeeded++
		}

		total := processed + s.eligible(attempted, trigger)
		s.progress.Publish(Progress{
			Trigger:   trigger,
			State:     Syncing,
			Processed: processed,
			Total:     total,
			Percent:   percent(processed, total),
			LocalID:   op.LocalID,
			Err:       err,
		})

		if status.CodeOf(err) == status.Unauthenticated {
			logger.Warn("sync aborted, credentials rejected")
			res.Err = err
			break
		}
	}

	res.FinishedAt = s.now()
	res.Remaining = s.queue.Count().Total
	res.State = Completed
	if res.Failed > 0 || res.Interrupted || res.Err != nil || (res.Skipped > 0 && res.Remaining > 0) {
		res.State = PartiallyFailed
	}
	s.setState(res.State)

	logger.Info("sync finished",
		zap.Stringer("state", res.State),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.Int("remaining", res.Remaining),
		zap.Duration("duration", res.FinishedAt.Sub(res.StartedAt)))

	s.progress.Publish(Progress{
		Trigger:   trigger,
		State:     res.State,
		Processed: processed,
		Total:     processed,
		Percent:   100,
		Err:       res.Err,
	})
	return res
}

// next returns the first operation in replay order not yet handled at its
// current revision. Parked operations and operations waiting on unsynced
// dependencies are skipped. An operation depending on an entity that is
// neither queued nor synced is recorded as failed.
func (s *Syncer) next(ctx context.Context, attempted map[string]uint64, trigger Trigger, res *Result) (queue.PendingOperation, bool) {
	for _, op := range s.queue.List("") {
		if rev, ok := attempted[op.LocalID]; ok && rev == op.Revision {
			continue
		}
		if trigger != TriggerManual && op.Parked(s.maxAttempts, s.blobMaxAttempts) {
			attempted[op.LocalID] = op.Revision
			res.Skipped++
			continue
		}
		if deps := s.queue.Unresolved(op); len(deps) > 0 {
			attempted[op.LocalID] = op.Revision
			if orphans := s.queue.Orphaned(op); len(orphans) > 0 {
				err := status.Errorf(status.Client, "depends on %s, deleted before it synced", strings.Join(orphans, ", "))
				if _, rerr := s.queue.RecordFailure(ctx, op.LocalID, err); rerr != nil {
					s.logger.Error("failed to record sync failure", zap.String("local_id", op.LocalID), zap.Error(rerr))
				}
				res.Failed++
				s.logger.Warn("operation depends on a deleted entity",
					zap.String("local_id", op.LocalID), zap.Strings("depends_on", orphans))
				continue
			}
			res.Skipped++
			s.logger.Debug("operation waits for dependencies",
				zap.String("local_id", op.LocalID), zap.Strings("depends_on", deps))
			continue
		}
		return op, true
	}
	return queue.PendingOperation{}, false
}

func (s *Syncer) eligible(attempted map[string]uint64, trigger Trigger) int {
	n := 0
	for _, op := range s.queue.List("") {
		if rev, ok := attempted[op.LocalID]; ok && rev == op.Revision {
			continue
		}
		if trigger != TriggerManual && op.Parked(s.maxAttempts, s.blobMaxAttempts) {
			continue
		}
		n++
	}
	return n
}

// process uploads the pending blobs of op and then applies it
func (s *Syncer) process(ctx context.Context, op queue.PendingOperation) error {
	var uploadErr error
	for _, ref := range op.PendingBlobs() {
		if err := s.upload(ctx, op, ref); err != nil {
			if _, rerr := s.queue.RecordBlobFailure(ctx, op.LocalID, ref.ID, err); rerr != nil {
				s.logger.Error("failed to record blob failure", zap.String("local_id", op.LocalID), zap.Error(rerr))
			}
			if status.CodeOf(err) == status.Unauthenticated {
				return err
			}
			if uploadErr == nil {
				uploadErr = err
			}
		}
	}
	if uploadErr != nil {
		return uploadErr
	}

	cur, ok := s.queue.Get(op.LocalID)
	if !ok {
		return nil
	}
	if len(cur.PendingBlobs()) > 0 {
		// edited during upload; picked up again at its new revision
		return nil
	}

	send := cur
	send.Payload = s.queue.Payload(cur)
	serverID, err := s.remote.Apply(ctx, send)
	if err != nil {
		if _, rerr := s.queue.RecordFailure(ctx, cur.LocalID, err); rerr != nil && status.CodeOf(rerr) != status.NotFound {
			s.logger.Error("failed to record sync failure", zap.String("local_id", cur.LocalID), zap.Error(rerr))
		}
		return err
	}

	if cur.Kind == queue.Create && serverID != "" {
		if err := s.queue.Reconcile(ctx, cur.LocalID, serverID); err != nil {
			return err
		}
	}
	if err := s.queue.Complete(ctx, cur.LocalID, cur.Revision, serverID); err != nil {
		return err
	}

	s.logger.Debug("operation synced",
		zap.String("local_id", cur.LocalID),
		zap.String("server_id", firstNonEmpty(serverID, cur.ServerID)),
		zap.String("entity_type", cur.EntityType),
		zap.Stringer("kind", cur.Kind))

	if s.onApplied != nil {
		s.onApplied(cur)
	}
	return nil
}

func (s *Syncer) upload(ctx context.Context, op queue.PendingOperation, ref queue.BlobRef) error {
	rc, err := s.queue.OpenBlob(ref.ID)
	if err != nil {
		return err
	}
	defer rc.Close()

	url, err := s.remote.Upload(ctx, op, ref, rc)
	if err != nil {
		return err
	}
	if strings.TrimSpace(url) == "" {
		return status.Errorf(status.Server, "upload of blob %s returned no url", ref.ID)
	}
	_, err = s.queue.ResolveBlob(ctx, op.LocalID, ref.ID, url)
	return err
}

func (s *Syncer) reportPending() {
	c := s.queue.Count()
	s.collector.SetPendingOperations(queue.Create.String(), c.Creates)
	s.collector.SetPendingOperations(queue.Update.String(), c.Updates)
	s.collector.SetPendingOperations(queue.Delete.String(), c.Deletes)
}

func percent(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
