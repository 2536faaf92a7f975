package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/pkg/schema"
)

const approvalSchema = `{
  "type": "object",
  "properties": {
    "message": {"type": ["string", "null"]},
    "approvers": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

// Approval suspends the node until a decision is delivered to its callback
// id. The callback id is listed in the node's executables.
type Approval struct {
	p      params
	logger *slog.Logger
}

type approvalParams struct {
	Message   string   `json:"message"`
	Approvers []string `json:"approvers"`
}

// Decision is the payload an approver delivers.
type Decision struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

func (s *Approval) ExecuteAsync(_ context.Context, pkg engine.InvokerPackage) (*engine.AsyncResponse, error) {
	var p approvalParams
	if err := s.p.decode("Approval", approvalSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	return &engine.AsyncResponse{CallbackIDs: []string{"approval-" + uuid.NewString()}}, nil
}

func (s *Approval) HandleAsyncResponse(_ context.Context, pkg engine.ResumePackage) (*engine.StepResponse, error) {
	var p approvalParams
	if err := s.p.decode("Approval", approvalSchema, pkg.Parameters, &p); err != nil {
		return nil, err
	}
	for _, r := range pkg.Responses {
		if r.Status.IsBroken() {
			return &engine.StepResponse{Status: r.Status, Failure: r.Failure}, nil
		}
		var d Decision
		if len(r.Payload) > 0 {
			if err := json.Unmarshal(r.Payload, &d); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeDeserialize, "approval decision: %s", err.Error()).WithCause(err)
			}
		}
		out, _ := json.Marshal(d)
		switch {
		case len(p.Approvers) > 0 && !slices.Contains(p.Approvers, d.Approver):
			return &engine.StepResponse{Status: schema.StatusFailed, Output: out, Failure: &schema.FailureInfo{
				Message: fmt.Sprintf("%q may not decide this approval", d.Approver),
				Types:   []schema.FailureType{schema.FailureAuthorization},
			}}, nil
		case !d.Approved:
			msg := "rejected"
			if d.Approver != "" {
				msg = "rejected by " + d.Approver
			}
			return &engine.StepResponse{Status: schema.StatusFailed, Output: out, Failure: &schema.FailureInfo{
				Message: msg,
				Types:   []schema.FailureType{schema.FailureVerification},
			}}, nil
		}
		return &engine.StepResponse{Status: schema.StatusSucceeded, Output: out}, nil
	}
	return nil, schema.NewError(schema.ErrCodeExecution, "approval resumed without a decision")
}

func (s *Approval) HandleAbort(ctx context.Context, pkg engine.InvokerPackage, in engine.AsyncInterrupt) error {
	s.logger.InfoContext(ctx, "approval withdrawn",
		slog.String("node_execution_id", pkg.NodeExecutionID),
		slog.String("interrupt", string(in.Type)),
		slog.Any("callback_ids", in.CallbackIDs))
	return nil
}
