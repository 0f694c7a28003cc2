package queue

import (
	"github.com/fieldops/fieldsync/pkg/status"
)

// Reduce folds incoming into the operations already queued for the same
// entity and returns what should stay queued. existing holds at most one
// operation. A merged operation keeps the Seq and CreatedAt of the queued
// one so it stays in its original replay position.
func Reduce(existing []PendingOperation, incoming PendingOperation) ([]PendingOperation, error) {
	if len(existing) == 0 {
		return []PendingOperation{incoming}, nil
	}
	cur := existing[len(existing)-1]

	switch cur.Kind {
	case Create:
		switch incoming.Kind {
		case Create:
			next := merged(cur, incoming)
			next.Payload = clonePayload(incoming.Payload)
			next.Blobs = append([]BlobRef(nil), incoming.Blobs...)
			return finish(next), nil
		case Update:
			next := merged(cur, incoming)
			next.Kind = Create
			return finish(next), nil
		case Delete:
			return nil, nil
		}
	case Update:
		switch incoming.Kind {
		case Update:
			return finish(merged(cur, incoming)), nil
		case Delete:
			next := merged(cur, incoming)
			next.Kind = Delete
			next.Payload = nil
			next.Blobs = nil
			return finish(next), nil
		case Create:
			return nil, transition(cur, incoming)
		}
	case Delete:
		switch incoming.Kind {
		case Delete:
			next := merged(cur, incoming)
			next.Payload = nil
			next.Blobs = nil
			return finish(next), nil
		case Create, Update:
			return nil, transition(cur, incoming)
		}
	}
	return nil, transition(cur, incoming)
}

// merged overlays incoming on cur: payload fields are replaced one by one and
// blobs of a field replace the queued blobs of that field.
func merged(cur, incoming PendingOperation) PendingOperation {
	next := cur.clone()
	next.Kind = incoming.Kind
	next.Revision = cur.Revision + 1
	next.UpdatedAt = incoming.UpdatedAt
	next.Attempts = 0
	next.LastError = ""
	if next.ServerID == "" {
		next.ServerID = incoming.ServerID
	}

	if len(incoming.Payload) > 0 && next.Payload == nil {
		next.Payload = make(map[string]any, len(incoming.Payload))
	}
	for k, v := range incoming.Payload {
		next.Payload[k] = cloneValue(v)
	}

	if len(incoming.Blobs) > 0 {
		replaced := make(map[string]bool)
		for _, b := range incoming.Blobs {
			replaced[b.Field] = true
		}
		kept := next.Blobs[:0]
		for _, b := range next.Blobs {
			if !replaced[b.Field] {
				kept = append(kept, b)
			}
		}
		next.Blobs = append(kept, incoming.Blobs...)
	}
	return next
}

func finish(op PendingOperation) []PendingOperation {
	op.DependsOn = DependsOn(op)
	return []PendingOperation{op}
}

func transition(cur, incoming PendingOperation) error {
	return status.Errorf(status.InvalidTransition, "cannot %s %s %s with a queued %s",
		incoming.Kind, incoming.EntityType, cur.LocalID, cur.Kind)
}
