package fieldsync

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/fieldops/fieldsync/pkg/queue"
	"github.com/fieldops/fieldsync/pkg/status"
)

// Photo is a binary attachment of a mutation. Its URL is written to Field
// of the payload once uploaded.
type Photo struct {
	Field    string
	MimeType string
	Reader   io.Reader
}

// Mutation is a create, update or delete issued by the UI
type Mutation struct {
	Kind       queue.Kind
	EntityType string
	// ID is the local or server id of the entity, empty for a create
	ID      string
	Payload map[string]any
	Photos  []Photo
}

// MutateResult reports what happened to a mutation
type MutateResult struct {
	// ID is the id the UI should keep referring to the entity by
	ID       string
	LocalID  string
	ServerID string
	// Queued is true when the mutation waits in the offline queue
	Queued  bool
	Applied bool
	Outcome queue.Outcome
}

// Mutate applies m right away when the device is online and nothing is
// queued for the entity, and queues it otherwise. A failure the API will
// keep refusing is returned instead of queued.
func (c *Client) Mutate(ctx context.Context, m Mutation) (*MutateResult, error) {
	if m.EntityType == "" {
		return nil, status.New(status.Client, "mutation has no entity type")
	}
	if m.Kind != queue.Create && m.ID == "" {
		return nil, status.Errorf(status.Client, "%s of %s needs an entity id", m.Kind, m.EntityType)
	}

	op := queue.PendingOperation{
		LocalID:    m.ID,
		Kind:       m.Kind,
		EntityType: m.EntityType,
		Payload:    m.Payload,
	}
	if m.Kind == queue.Create && op.LocalID == "" {
		op.LocalID = queue.NewLocalID()
	}

	for _, p := range m.Photos {
		ref, err := c.queue.AttachBlob(ctx, p.Reader, p.MimeType, p.Field)
		if err != nil {
			c.discardBlobs(op.Blobs)
			return nil, err
		}
		op.Blobs = append(op.Blobs, ref)
	}

	if c.canApplyDirectly(&op) {
		res, err := c.applyDirectly(ctx, &op)
		if err == nil {
			return res, nil
		}
		if !queueable(err) {
			c.discardBlobs(op.Blobs)
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		c.logger.Info("mutation failed, queued for sync",
			zap.String("local_id", op.LocalID),
			zap.String("entity_type", op.EntityType),
			zap.Error(err))
	}

	return c.enqueue(ctx, op)
}

// canApplyDirectly reports whether op may skip the queue. An entity with a
// queued op, or a payload referencing unsynced entities, keeps replay order.
func (c *Client) canApplyDirectly(op *queue.PendingOperation) bool {
	if !c.monitor.IsOnline() || c.queue.Has(op.LocalID) {
		return false
	}
	if op.Kind != queue.Create {
		switch id, ok := c.queue.ServerID(op.LocalID); {
		case ok:
			op.ServerID = id
		case queue.IsLocalID(op.LocalID):
			return false
		default:
			op.ServerID = op.LocalID
		}
	}
	op.DependsOn = queue.DependsOn(*op)
	return len(c.queue.Unresolved(*op)) == 0
}

func (c *Client) applyDirectly(ctx context.Context, op *queue.PendingOperation) (*MutateResult, error) {
	for i, ref := range op.Blobs {
		url, err := c.uploadNow(ctx, *op, ref)
		if err != nil {
			return nil, err
		}
		op.Blobs[i].RemoteURL = url
	}

	send := *op
	send.Payload = c.queue.Payload(*op)
	serverID, err := c.direct.Apply(ctx, send)
	if err != nil {
		return nil, err
	}

	if op.Kind == queue.Create {
		if err := c.queue.Reconcile(ctx, op.LocalID, serverID); err != nil {
			c.logger.Warn("failed to record server id",
				zap.String("local_id", op.LocalID), zap.String("server_id", serverID), zap.Error(err))
		}
	}
	c.discardBlobs(op.Blobs)
	c.invalidateEntity(ctx, op.EntityType)

	c.logger.Debug("mutation applied",
		zap.String("local_id", op.LocalID),
		zap.String("server_id", serverID),
		zap.String("entity_type", op.EntityType),
		zap.Stringer("kind", op.Kind))

	return &MutateResult{
		ID:       serverID,
		LocalID:  op.LocalID,
		ServerID: serverID,
		Applied:  true,
	}, nil
}

func (c *Client) uploadNow(ctx context.Context, op queue.PendingOperation, ref queue.BlobRef) (string, error) {
	rc, err := c.queue.OpenBlob(ref.ID)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return c.direct.Upload(ctx, op, ref, rc)
}

func (c *Client) enqueue(ctx context.Context, op queue.PendingOperation) (*MutateResult, error) {
	// bytes of photos uploaded before the failure are no longer needed
	for _, ref := range op.Blobs {
		if ref.Uploaded() {
			c.queue.DiscardBlob(ref.ID)
		}
	}
	op.ServerID = ""
	op.DependsOn = nil

	out, err := c.queue.Enqueue(ctx, op)
	if err != nil {
		c.discardBlobs(op.Blobs)
		return nil, err
	}
	c.invalidateEntity(ctx, op.EntityType)
	c.reportPending()

	res := &MutateResult{ID: op.LocalID, LocalID: op.LocalID, Queued: !out.Cancelled, Outcome: out}
	if out.Op.LocalID != "" {
		res.LocalID = out.Op.LocalID
		res.ID = out.Op.LocalID
		res.ServerID = out.Op.ServerID
		if res.ServerID != "" {
			res.ID = res.ServerID
		}
	}
	return res, nil
}

func (c *Client) discardBlobs(refs []queue.BlobRef) {
	for _, ref := range refs {
		c.queue.DiscardBlob(ref.ID)
	}
}

// queueable reports whether a failed direct apply should wait in the queue
func queueable(err error) bool {
	code := status.CodeOf(err)
	return code.Retriable() || code == status.BreakerOpen
}
