package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldops/fieldsync/pkg/blob"
	"github.com/fieldops/fieldsync/pkg/status"
	"github.com/fieldops/fieldsync/pkg/store"
)

const (
	opPrefix    = store.NamespaceQueue + "op:"
	idmapPrefix = store.NamespaceQueue + "idmap:"
	seqKey      = store.NamespaceQueue + "seq"
)

// Queue is the durable offline mutation queue. Every change is written to
// the store before it becomes visible in memory.
type Queue struct {
	mu      sync.Mutex
	st      store.Store
	blobs   *blob.Store
	logger  *zap.Logger
	now     func() time.Time
	ops     map[string]*PendingOperation
	idmap   map[string]string
	reverse map[string]string
	seq     uint64

	// tombstones remembers creates cancelled by a delete, so a create that
	// was already in flight can be deleted on the server once it lands
	tombstones map[string]string
}

// Option configures a Queue
type Option func(*Queue)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// Open loads the queue persisted in st. Blob payloads live in blobs; blobs
// no operation references are deleted.
func Open(ctx context.Context, st store.Store, blobs *blob.Store, opts ...Option) (*Queue, error) {
	q := &Queue{
		st:         st,
		blobs:      blobs,
		logger:     zap.NewNop(),
		now:        time.Now,
		ops:        make(map[string]*PendingOperation),
		idmap:      make(map[string]string),
		reverse:    make(map[string]string),
		tombstones: make(map[string]string),
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.load(ctx); err != nil {
		return nil, err
	}
	q.collectBlobs()
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	records, err := q.st.List(ctx, store.NamespaceQueue)
	if err != nil {
		return fmt.Errorf("failed to load queue: %w", err)
	}

	for _, rec := range records {
		switch {
		case rec.Key == seqKey:
			n, err := strconv.ParseUint(string(rec.Value), 10, 64)
			if err != nil {
				q.logger.Error("corrupt queue sequence", zap.Error(err))
				continue
			}
			q.seq = n
		case strings.HasPrefix(rec.Key, opPrefix):
			var op PendingOperation
			if err := json.Unmarshal(rec.Value, &op); err != nil {
				q.logger.Error("dropping corrupt queued operation",
					zap.String("key", rec.Key), zap.Error(err))
				continue
			}
			q.ops[op.LocalID] = &op
			if op.Seq > q.seq {
				q.seq = op.Seq
			}
		case strings.HasPrefix(rec.Key, idmapPrefix):
			local := strings.TrimPrefix(rec.Key, idmapPrefix)
			q.idmap[local] = string(rec.Value)
			q.reverse[string(rec.Value)] = local
		}
	}

	if len(q.ops) > 0 {
		q.logger.Info("restored offline queue", zap.Int("pending", len(q.ops)))
	}
	return nil
}

// collectBlobs deletes stored blobs that no queued operation references
func (q *Queue) collectBlobs() {
	ids, err := q.blobs.IDs()
	if err != nil {
		q.logger.Warn("failed to list blobs", zap.Error(err))
		return
	}

	referenced := make(map[string]bool)
	for _, op := range q.ops {
		for _, b := range op.Blobs {
			referenced[b.ID] = true
		}
	}
	for _, id := range ids {
		if !referenced[id] {
			q.deleteBlob(id)
		}
	}
}

// AttachBlob stores a photo payload and returns a reference to put on an
// operation
func (q *Queue) AttachBlob(ctx context.Context, r io.Reader, mimeType, field string) (BlobRef, error) {
	id, size, err := q.blobs.Put(ctx, r)
	if err != nil {
		return BlobRef{}, err
	}
	return BlobRef{ID: id, MimeType: mimeType, SizeBytes: size, Field: field}, nil
}

// DiscardBlob deletes a blob that no queued operation references
func (q *Queue) DiscardBlob(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range q.ops {
		for _, b := range op.Blobs {
			if b.ID == id {
				return
			}
		}
	}
	q.deleteBlob(id)
}

// OpenBlob opens the stored bytes of a blob
func (q *Queue) OpenBlob(id string) (io.ReadCloser, error) {
	return q.blobs.Open(id)
}

// Enqueue records a mutation. A Create without a LocalID gets a new one.
// The mutation is coalesced with the operation already queued for the
// entity.
func (q *Queue) Enqueue(ctx context.Context, op PendingOperation) (Outcome, error) {
	if op.EntityType == "" {
		return Outcome{}, status.New(status.Client, "operation has no entity type")
	}
	if op.LocalID == "" {
		if op.Kind != Create {
			return Outcome{}, status.Errorf(status.Client, "%s of %s needs an entity id", op.Kind, op.EntityType)
		}
		op.LocalID = NewLocalID()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	op.LocalID = q.entityKeyLocked(op.LocalID)
	if op.ServerID == "" {
		op.ServerID = q.idmap[op.LocalID]
	}
	if op.ServerID == "" && !IsLocalID(op.LocalID) {
		op.ServerID = op.LocalID
	}

	now := q.now()
	op = op.clone()
	op.CreatedAt = now
	op.UpdatedAt = now
	op.Attempts = 0
	op.LastError = ""
	op.DependsOn = DependsOn(op)

	var existing []PendingOperation
	cur, queued := q.ops[op.LocalID]
	if queued {
		existing = []PendingOperation{cur.clone()}
	} else {
		if op.Kind != Create && op.ServerID == "" {
			return Outcome{}, status.Errorf(status.NotFound, "%s of unknown local entity %s", op.Kind, op.LocalID)
		}
		op.Seq = q.seq + 1
		op.Revision = 1
	}

	reduced, err := Reduce(existing, op)
	if err != nil {
		return Outcome{}, err
	}

	if len(reduced) == 0 {
		if err := q.st.Delete(ctx, opPrefix+op.LocalID); err != nil {
			return Outcome{}, err
		}
		delete(q.ops, op.LocalID)
		q.tombstones[op.LocalID] = op.EntityType
		q.releaseLocked(cur, nil)
		q.logger.Debug("queued create cancelled by delete",
			zap.String("local_id", op.LocalID), zap.String("entity_type", op.EntityType))
		return Outcome{Coalesced: true, Cancelled: true}, nil
	}

	next := reduced[0]
	if !queued {
		if err := q.st.Put(ctx, seqKey, []byte(strconv.FormatUint(next.Seq, 10))); err != nil {
			return Outcome{}, err
		}
	}
	if err := q.putLocked(ctx, &next); err != nil {
		return Outcome{}, err
	}
	if queued {
		q.releaseLocked(cur, &next)
	} else {
		q.seq = next.Seq
	}

	q.logger.Debug("operation queued",
		zap.String("local_id", next.LocalID),
		zap.String("entity_type", next.EntityType),
		zap.Stringer("kind", next.Kind),
		zap.Bool("coalesced", queued))

	return Outcome{Op: next.clone(), Coalesced: queued}, nil
}

// entityKeyLocked maps a reconciled server id back to its local id, so every
// mutation of one entity shares one queue slot whichever id it names
func (q *Queue) entityKeyLocked(id string) string {
	if local, ok := q.reverse[id]; ok {
		return local
	}
	return id
}

func (q *Queue) putLocked(ctx context.Context, op *PendingOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation %s: %w", op.LocalID, err)
	}
	if err := q.st.Put(ctx, opPrefix+op.LocalID, data); err != nil {
		return err
	}
	stored := op.clone()
	q.ops[op.LocalID] = &stored
	return nil
}

// releaseLocked deletes the blobs of prev that next no longer references
func (q *Queue) releaseLocked(prev, next *PendingOperation) {
	if prev == nil {
		return
	}
	keep := make(map[string]bool)
	if next != nil {
		for _, b := range next.Blobs {
			keep[b.ID] = true
		}
	}
	for _, b := range prev.Blobs {
		if !keep[b.ID] {
			q.deleteBlob(b.ID)
		}
	}
}

func (q *Queue) deleteBlob(id string) {
	if err := q.blobs.Delete(id); err != nil {
		q.logger.Warn("failed to delete blob", zap.String("blob_id", id), zap.Error(err))
	}
}

// List returns the queued operations of entityType in replay order. An
// empty entityType lists every operation.
func (q *Queue) List(entityType string) []PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingOperation, 0, len(q.ops))
	for _, op := range q.ops {
		if entityType == "" || op.EntityType == entityType {
			out = append(out, op.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Get returns the operation queued for localID
func (q *Queue) Get(localID string) (PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[q.entityKeyLocked(localID)]
	if !ok {
		return PendingOperation{}, false
	}
	return op.clone(), true
}

// Has reports whether an operation is queued for the entity
func (q *Queue) Has(id string) bool {
	_, ok := q.Get(id)
	return ok
}

// Count returns the number of queued operations per kind
func (q *Queue) Count() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, op := range q.ops {
		switch op.Kind {
		case Create:
			c.Creates++
		case Update:
			c.Updates++
		case Delete:
			c.Deletes++
		}
	}
	c.Total = len(q.ops)
	return c
}

// Remove drops the queued operation of localID and its blobs
func (q *Queue) Remove(ctx context.Context, localID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	localID = q.entityKeyLocked(localID)
	op, ok := q.ops[localID]
	if !ok {
		return nil
	}
	if err := q.st.Delete(ctx, opPrefix+localID); err != nil {
		return err
	}
	delete(q.ops, localID)
	q.releaseLocked(op, nil)
	return nil
}

// update applies fn to a copy of the queued operation and persists it
func (q *Queue) update(ctx context.Context, localID string, fn func(op *PendingOperation) error) (PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	localID = q.entityKeyLocked(localID)
	cur, ok := q.ops[localID]
	if !ok {
		return PendingOperation{}, status.Errorf(status.NotFound, "no queued operation for %s", localID)
	}
	next := cur.clone()
	if err := fn(&next); err != nil {
		return PendingOperation{}, err
	}
	next.UpdatedAt = q.now()
	if err := q.putLocked(ctx, &next); err != nil {
		return PendingOperation{}, err
	}
	return next.clone(), nil
}

// RecordFailure counts a failed attempt to apply the operation
func (q *Queue) RecordFailure(ctx context.Context, localID string, cause error) (PendingOperation, error) {
	return q.update(ctx, localID, func(op *PendingOperation) error {
		op.Attempts++
		op.LastError = cause.Error()
		return nil
	})
}

// RecordBlobFailure counts a failed upload of one blob of the operation
func (q *Queue) RecordBlobFailure(ctx context.Context, localID, blobID string, cause error) (PendingOperation, error) {
	return q.update(ctx, localID, func(op *PendingOperation) error {
		for i := range op.Blobs {
			if op.Blobs[i].ID == blobID {
				op.Blobs[i].Attempts++
				op.LastError = fmt.Sprintf("photo upload failed: %v", cause)
				return nil
			}
		}
		return status.Errorf(status.NotFound, "operation %s has no blob %s", localID, blobID)
	})
}

// ResolveBlob records the remote URL of an uploaded blob and deletes the
// local bytes once that is persisted
func (q *Queue) ResolveBlob(ctx context.Context, localID, blobID, remoteURL string) (PendingOperation, error) {
	op, err := q.update(ctx, localID, func(op *PendingOperation) error {
		for i := range op.Blobs {
			if op.Blobs[i].ID == blobID {
				op.Blobs[i].RemoteURL = remoteURL
				return nil
			}
		}
		return status.Errorf(status.NotFound, "operation %s has no blob %s", localID, blobID)
	})
	if err != nil {
		return op, err
	}
	q.deleteBlob(blobID)
	return op, nil
}

// Retry clears the attempt counters of a parked operation
func (q *Queue) Retry(ctx context.Context, localID string) error {
	_, err := q.update(ctx, localID, func(op *PendingOperation) error {
		op.Attempts = 0
		op.LastError = ""
		for i := range op.Blobs {
			op.Blobs[i].Attempts = 0
		}
		return nil
	})
	return err
}

// Complete marks revision of localID as applied on the server. serverID is
// the id assigned by an applied create. If the entity was edited while the
// call was in flight the newer edit stays queued, a create becoming an
// update of serverID. A create cancelled while in flight queues a delete of
// serverID.
func (q *Queue) Complete(ctx context.Context, localID string, revision uint64, serverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.ops[localID]
	if !ok {
		entityType, cancelled := q.tombstones[localID]
		if !cancelled || serverID == "" {
			return nil
		}
		del := PendingOperation{
			LocalID:    localID,
			ServerID:   serverID,
			Kind:       Delete,
			EntityType: entityType,
			Seq:        q.seq + 1,
			Revision:   1,
			CreatedAt:  q.now(),
			UpdatedAt:  q.now(),
		}
		if err := q.st.Put(ctx, seqKey, []byte(strconv.FormatUint(del.Seq, 10))); err != nil {
			return err
		}
		if err := q.putLocked(ctx, &del); err != nil {
			return err
		}
		q.seq = del.Seq
		delete(q.tombstones, localID)
		q.logger.Info("queued delete for create cancelled in flight",
			zap.String("local_id", localID), zap.String("server_id", serverID))
		return nil
	}

	if cur.Revision == revision {
		if err := q.st.Delete(ctx, opPrefix+localID); err != nil {
			return err
		}
		delete(q.ops, localID)
		q.releaseLocked(cur, nil)
		return nil
	}

	next := cur.clone()
	if serverID != "" {
		next.ServerID = serverID
	}
	if next.Kind == Create {
		next.Kind = Update
	}
	next.Attempts = 0
	next.LastError = ""
	next.UpdatedAt = q.now()
	if err := q.putLocked(ctx, &next); err != nil {
		return err
	}
	q.logger.Debug("operation edited in flight stays queued",
		zap.String("local_id", localID), zap.Uint64("revision", next.Revision))
	return nil
}

// Reconcile records the server id assigned to a locally created entity
func (q *Queue) Reconcile(ctx context.Context, localID, serverID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.st.Put(ctx, idmapPrefix+localID, []byte(serverID)); err != nil {
		return err
	}
	q.idmap[localID] = serverID
	q.reverse[serverID] = localID

	if op, ok := q.ops[localID]; ok && op.ServerID == "" && op.Kind != Create {
		next := op.clone()
		next.ServerID = serverID
		return q.putLocked(ctx, &next)
	}
	return nil
}

// ServerID returns the server id reconciled for localID
func (q *Queue) ServerID(localID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.idmap[localID]
	return id, ok
}

// Unresolved returns the dependencies of op that have no server id yet
func (q *Queue) Unresolved(op PendingOperation) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	for _, dep := range op.DependsOn {
		if _, ok := q.idmap[dep]; !ok {
			out = append(out, dep)
		}
	}
	return out
}

// Orphaned returns the dependencies of op that have no server id and no
// queued operation left to give them one
func (q *Queue) Orphaned(op PendingOperation) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []string
	for _, dep := range op.DependsOn {
		if _, ok := q.idmap[dep]; ok {
			continue
		}
		if _, ok := q.ops[dep]; !ok {
			out = append(out, dep)
		}
	}
	return out
}

// Payload returns the body to send for op with local ids and blob URLs
// substituted
func (q *Queue) Payload(op PendingOperation) map[string]any {
	return PreparePayload(op, q.ServerID)
}

// Clear drops every queued operation, blob and id mapping
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := store.DeletePrefix(ctx, q.st, opPrefix); err != nil {
		return err
	}
	if _, err := store.DeletePrefix(ctx, q.st, idmapPrefix); err != nil {
		return err
	}
	for _, op := range q.ops {
		q.releaseLocked(op, nil)
	}
	q.ops = make(map[string]*PendingOperation)
	q.idmap = make(map[string]string)
	q.reverse = make(map[string]string)
	q.tombstones = make(map[string]string)
	return nil
}
