package plancreator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendis/pms/internal/validation"
	"github.com/rendis/pms/internal/yamlfield"
	"github.com/rendis/pms/pkg/schema"
)

// RemoteRequest is posted to a remote creator for one field.
type RemoteRequest struct {
	PlanID    string            `json:"plan_id"`
	AccountID string            `json:"account_id,omitempty"`
	OrgID     string            `json:"org_id,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
	Field     schema.FieldRef   `json:"field"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// RemoteDependency is a field the remote creator hands back for expansion.
type RemoteDependency struct {
	schema.FieldRef
	Metadata map[string]string `json:"metadata,omitempty"`
}

// RemoteResponse is the reply of a remote creator.
type RemoteResponse struct {
	Nodes          map[string]*schema.PlanNode `json:"nodes,omitempty"`
	Dependencies   []RemoteDependency          `json:"dependencies,omitempty"`
	StartingNodeID string                      `json:"starting_node_id,omitempty"`
	Error          string                      `json:"error,omitempty"`
}

// RemoteCreator delegates fields to a creator service over HTTP. Replies are
// validated against the creator response schema before use.
type RemoteCreator struct {
	endpoint  string
	supported map[string][]string
	client    *http.Client
	schemas   *validation.JSONSchemaValidator
}

// NewRemoteCreator creates a creator posting to endpoint. client may be nil.
func NewRemoteCreator(endpoint string, supported map[string][]string, client *http.Client, schemas *validation.JSONSchemaValidator) *RemoteCreator {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteCreator{endpoint: endpoint, supported: supported, client: client, schemas: schemas}
}

func (r *RemoteCreator) SupportedTypes() map[string][]string { return r.supported }

func (r *RemoteCreator) CreatePlanForField(ctx context.Context, pctx *Context, dep Dependency) (*Response, error) {
	body, err := json.Marshal(RemoteRequest{
		PlanID:    pctx.PlanID,
		AccountID: pctx.AccountID,
		OrgID:     pctx.OrgID,
		ProjectID: pctx.ProjectID,
		Field:     dep.Field.Ref(),
		Metadata:  dep.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("encode remote request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build remote request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePlanCreation, "remote creator %s: %s", r.endpoint, err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read remote response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodePlanCreation, "remote creator %s returned %d", r.endpoint, resp.StatusCode).
			WithDetails(map[string]any{"body": string(data)})
	}
	if r.schemas != nil {
		if err := r.schemas.ValidateCreatorResponse(data); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "remote creator %s sent an invalid reply", r.endpoint).WithCause(err)
		}
	}

	var rr RemoteResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, schema.NewError(schema.ErrCodeDeserialize, "cannot decode remote creator reply").WithCause(err)
	}
	if rr.Error != "" {
		return nil, schema.NewErrorf(schema.ErrCodePlanCreation, "remote creator: %s", rr.Error)
	}

	out := NewResponse()
	for id, n := range rr.Nodes {
		out.Nodes[id] = n
	}
	out.StartingNodeID = rr.StartingNodeID
	for _, d := range rr.Dependencies {
		f, err := yamlfield.FromYAML(d.Name, d.Path, d.YAML)
		if err != nil {
			return nil, err
		}
		out.Dependencies.Add(f, d.Metadata)
	}
	return out, nil
}
