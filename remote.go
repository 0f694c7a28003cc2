package fieldsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fieldops/fieldsync/pkg/queue"
	"github.com/fieldops/fieldsync/pkg/request"
	"github.com/fieldops/fieldsync/pkg/status"
)

// UploadPath receives photo uploads as multipart/form-data
const UploadPath = "/api/uploads"

// Routes maps entity types to collection paths. Unlisted types use
// /api/<type>s.
type Routes map[string]string

// Collection returns the collection path of entityType
func (r Routes) Collection(entityType string) string {
	if p, ok := r[entityType]; ok {
		return strings.TrimRight(p, "/")
	}
	return "/api/" + entityType + "s"
}

// Item returns the path of one entity
func (r Routes) Item(entityType, id string) string {
	return r.Collection(entityType) + "/" + url.PathEscape(id)
}

// httpRemote applies mutations to the REST API through a fetch chain
type httpRemote struct {
	handler request.Handler
	routes  Routes
}

// Apply sends op and returns the server id of the entity
func (h *httpRemote) Apply(ctx context.Context, op queue.PendingOperation) (string, error) {
	call, err := h.call(op)
	if err != nil {
		return "", err
	}

	resp, err := h.handler(ctx, call)
	switch {
	case err == nil:
	case op.Kind == queue.Delete && status.CodeOf(err) == status.NotFound:
		// already gone
		return op.ServerID, nil
	default:
		return "", err
	}

	if op.Kind != queue.Create {
		return op.ServerID, nil
	}
	id, err := createdID(resp)
	if err != nil {
		return "", status.Wrap(status.Server, err, fmt.Sprintf("create %s returned no id", op.EntityType))
	}
	return id, nil
}

func (h *httpRemote) call(op queue.PendingOperation) (*request.Call, error) {
	collection := h.routes.Collection(op.EntityType)
	if op.Kind != queue.Create && op.ServerID == "" {
		return nil, status.Errorf(status.Client, "%s %s has no server id", op.Kind, op.LocalID)
	}

	call := &request.Call{Header: map[string]string{}}
	switch op.Kind {
	case queue.Create:
		call.Method = http.MethodPost
		call.Path = collection
		call.Header["Idempotency-Key"] = op.LocalID
	case queue.Update:
		call.Method = http.MethodPatch
		call.Path = h.routes.Item(op.EntityType, op.ServerID)
		call.Template = collection + "/{id}"
		call.Header["Idempotency-Key"] = fmt.Sprintf("%s-%d", op.LocalID, op.Revision)
	case queue.Delete:
		call.Method = http.MethodDelete
		call.Path = h.routes.Item(op.EntityType, op.ServerID)
		call.Template = collection + "/{id}"
		return call, nil
	default:
		return nil, status.Errorf(status.Client, "unknown operation kind %d", op.Kind)
	}

	body, err := json.Marshal(op.Payload)
	if err != nil {
		return nil, status.Wrap(status.Client, err, "encode payload")
	}
	call.Body = body
	return call, nil
}

// Upload sends one photo and returns its remote URL
func (h *httpRemote) Upload(ctx context.Context, op queue.PendingOperation, ref queue.BlobRef, r io.Reader) (string, error) {
	call := &request.Call{
		Method: http.MethodPost,
		Path:   UploadPath,
		Header: map[string]string{"Idempotency-Key": ref.ID},
		Upload: &request.Upload{
			Field:    "file",
			FileName: ref.ID,
			MimeType: ref.MimeType,
			Reader:   r,
		},
	}
	resp, err := h.handler(ctx, call)
	if err != nil {
		return "", err
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(resp, &out); err != nil || out.URL == "" {
		return "", status.Errorf(status.Server, "upload of %s returned no url", ref.ID)
	}
	return out.URL, nil
}

// createdID reads the id of a created entity, which may be a string or a number
func createdID(body []byte) (string, error) {
	var out struct {
		ID any `json:"id"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return "", err
	}
	switch id := out.ID.(type) {
	case string:
		if id != "" {
			return id, nil
		}
	case json.Number:
		return id.String(), nil
	}
	return "", fmt.Errorf("missing id in %q", body)
}
