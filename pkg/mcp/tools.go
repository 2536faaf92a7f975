package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/pms/internal/diagram"
	"github.com/rendis/pms/internal/plancreator"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

// PrincipalAgent is the principal type of runs started over MCP.
const PrincipalAgent = "AGENT"

// handleCompile compiles a pipeline and stores the plan.
func (s *Server) handleCompile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("yaml")
	if err != nil {
		return mcp.NewToolResultError("yaml is required"), nil
	}
	plan, err := s.compile(ctx, req, doc)
	if err != nil {
		return toolError("compile failed", err), nil
	}
	if err := s.store.SavePlan(ctx, plan); err != nil {
		return toolError("failed to store plan", err), nil
	}
	return marshalResult(map[string]any{
		"plan_id":          plan.ID,
		"hash":             plan.Hash,
		"starting_node_id": plan.StartingNodeID,
		"node_count":       len(plan.Nodes),
		"residual":         plan.Residual,
	})
}

// handleRun starts a plan execution and optionally waits for it to end.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	principalID, err := req.RequireString("principal_id")
	if err != nil {
		return mcp.NewToolResultError("principal_id is required"), nil
	}
	planID := req.GetString("plan_id", "")
	doc := req.GetString("yaml", "")
	if planID == "" && doc == "" {
		return mcp.NewToolResultError("one of plan_id or yaml is required"), nil
	}
	wait, err := parseBool(req.GetString("wait", ""))
	if err != nil {
		return mcp.NewToolResultError("wait must be true or false"), nil
	}
	waitTimeout := s.waitTimeout
	if raw := req.GetString("wait_timeout", ""); raw != "" {
		if waitTimeout, err = time.ParseDuration(raw); err != nil || waitTimeout <= 0 {
			return mcp.NewToolResultError(fmt.Sprintf("invalid wait_timeout %q", raw)), nil
		}
	}

	var plan *schema.Plan
	if planID != "" {
		plan, err = s.store.GetPlan(ctx, planID)
		if err != nil {
			return toolError("plan lookup failed", err), nil
		}
	} else {
		plan, err = s.compile(ctx, req, doc)
		if err != nil {
			return toolError("compile failed", err), nil
		}
	}

	s.captureSession(ctx, principalID)
	md := ambiance.Metadata{
		AccountID:   req.GetString("account_id", ""),
		OrgID:       req.GetString("org_id", ""),
		ProjectID:   req.GetString("project_id", ""),
		Principal:   ambiance.Principal{ID: principalID, Type: PrincipalAgent},
		TriggeredBy: "mcp",
	}
	pe, err := s.engine.StartPlan(ctx, plan, md)
	if err != nil {
		return toolError("failed to start plan", err), nil
	}
	if !wait {
		if werr := s.notifier.Watch(pe.ID, principalID); werr != nil {
			s.logger.WarnContext(ctx, "watch plan execution", "plan_execution_id", pe.ID, "error", werr.Error())
		}
		return marshalResult(runResult(pe))
	}

	waitCtx, cancel := context.WithTimeout(ctx, waitTimeout)
	defer cancel()
	done, err := s.engine.AwaitPlan(waitCtx, pe.ID)
	if err != nil {
		// Still running; hand back the id so the caller can poll.
		if werr := s.notifier.Watch(pe.ID, principalID); werr != nil {
			s.logger.WarnContext(ctx, "watch plan execution", "plan_execution_id", pe.ID, "error", werr.Error())
		}
		out := runResult(pe)
		out["waited"] = false
		return marshalResult(out)
	}
	out := runResult(done)
	out["waited"] = true
	return marshalResult(out)
}

// handleStatus returns a plan execution with its nodes and, on request, events.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	peID, err := req.RequireString("plan_execution_id")
	if err != nil {
		return mcp.NewToolResultError("plan_execution_id is required"), nil
	}
	includeEvents, err := parseBool(req.GetString("include_events", ""))
	if err != nil {
		return mcp.NewToolResultError("include_events must be true or false"), nil
	}
	var since int64
	if raw := req.GetString("since", ""); raw != "" {
		if since, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid since %q", raw)), nil
		}
	}

	pe, err := s.store.GetPlanExecution(ctx, peID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	nodes, err := s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: peID})
	if err != nil {
		return toolError("status query failed", err), nil
	}
	views := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		views = append(views, newNodeView(n))
	}
	out := map[string]any{
		"plan_execution": pe,
		"nodes":          views,
	}
	if includeEvents {
		events, err := s.store.GetEvents(ctx, peID, since)
		if err != nil {
			return toolError("event query failed", err), nil
		}
		out["events"] = events
	}
	return marshalResult(out)
}

// handleDiagram renders a stored plan. With plan_execution_id the node
// statuses of that execution are overlaid.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	planID := req.GetString("plan_id", "")
	peID := req.GetString("plan_execution_id", "")
	if planID == "" && peID == "" {
		return mcp.NewToolResultError("one of plan_id or plan_execution_id is required"), nil
	}

	var execs []*store.NodeExecution
	if peID != "" {
		pe, err := s.store.GetPlanExecution(ctx, peID)
		if err != nil {
			return toolError("diagram query failed", err), nil
		}
		if planID != "" && planID != pe.PlanID {
			return mcp.NewToolResultError(fmt.Sprintf("plan execution %s does not run plan %s", peID, planID)), nil
		}
		planID = pe.PlanID
		if execs, err = s.store.ListNodeExecutions(ctx, store.NodeExecutionFilter{PlanExecutionID: peID}); err != nil {
			return toolError("diagram query failed", err), nil
		}
	}
	plan, err := s.store.GetPlan(ctx, planID)
	if err != nil {
		return toolError("diagram query failed", err), nil
	}
	model, err := diagram.Build(plan, execs)
	if err != nil {
		return toolError("diagram failed", err), nil
	}

	switch format := req.GetString("format", "mermaid"); format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "text":
		return mcp.NewToolResultText(diagram.RenderText(model)), nil
	case diagram.FormatSVG:
		img, err := diagram.RenderImage(ctx, model, format)
		if err != nil {
			return toolError("diagram failed", err), nil
		}
		return mcp.NewToolResultText(string(img)), nil
	case diagram.FormatPNG:
		img, err := diagram.RenderImage(ctx, model, format)
		if err != nil {
			return toolError("diagram failed", err), nil
		}
		return mcp.NewToolResultImage("plan "+plan.ID, base64.StdEncoding.EncodeToString(img), "image/png"), nil
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown format %q", format)), nil
	}
}

// handleNotify delivers an external response to a waiting node.
func (s *Server) handleNotify(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	correlationID, err := req.RequireString("correlation_id")
	if err != nil {
		return mcp.NewToolResultError("correlation_id is required"), nil
	}
	status := schema.Status(req.GetString("status", string(schema.StatusSucceeded)))
	if !status.IsTerminal() {
		return mcp.NewToolResultError(fmt.Sprintf("status %s is not a final status", status)), nil
	}

	data := schema.ResponseData{Status: status}
	if payload := mcp.ParseStringMap(req, "payload", nil); payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
		}
		data.Payload = raw
	}
	if failure := mcp.ParseStringMap(req, "failure", nil); failure != nil {
		info, err := decodeFailure(failure)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid failure: %v", err)), nil
		}
		data.Failure = info
	}

	if err := s.engine.Notify(ctx, correlationID, data); err != nil {
		return toolError("notify failed", err), nil
	}
	return marshalResult(map[string]any{
		"ok":             true,
		"correlation_id": correlationID,
		"status":         status,
	})
}

// handleInterrupt registers and applies an interrupt.
func (s *Server) handleInterrupt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	peID, err := req.RequireString("plan_execution_id")
	if err != nil {
		return mcp.NewToolResultError("plan_execution_id is required"), nil
	}
	typ, err := req.RequireString("type")
	if err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}
	nodeID := req.GetString("node_execution_id", "")
	principalID := req.GetString("principal_id", "")
	if principalID != "" {
		s.captureSession(ctx, principalID)
	}

	pe, err := s.store.GetPlanExecution(ctx, peID)
	if err != nil {
		return toolError("plan execution lookup failed", err), nil
	}
	amb := ambiance.New(pe.ID, pe.PlanID, pe.Metadata)
	if nodeID != "" {
		ne, err := s.store.GetNodeExecution(ctx, nodeID)
		if err != nil {
			return toolError("node execution lookup failed", err), nil
		}
		if ne.PlanExecutionID != pe.ID {
			return mcp.NewToolResultError(fmt.Sprintf("node %s is not part of plan execution %s", nodeID, pe.ID)), nil
		}
		amb = ne.Ambiance
	}
	if principalID != "" {
		amb.Metadata.Principal = ambiance.Principal{ID: principalID, Type: PrincipalAgent}
	}

	ev := schema.InterruptEvent{
		Ambiance:      amb,
		InterruptType: schema.InterruptType(typ),
		InterruptUUID: uuid.NewString(),
	}
	applied, err := s.engine.HandleInterrupt(ctx, ev)
	if err != nil {
		return toolError("interrupt failed", err), nil
	}
	return marshalResult(map[string]any{
		"interrupt_id":      ev.InterruptUUID,
		"plan_execution_id": pe.ID,
		"node_execution_id": nodeID,
		"type":              typ,
		"applied":           applied,
	})
}

// --- Helpers ---

func (s *Server) compile(ctx context.Context, req mcp.CallToolRequest, doc string) (*schema.Plan, error) {
	return s.compiler.CreatePlanFromYAML(ctx, &plancreator.Context{
		AccountID: req.GetString("account_id", ""),
		OrgID:     req.GetString("org_id", ""),
		ProjectID: req.GetString("project_id", ""),
		Steps:     s.steps,
	}, []byte(doc))
}

// captureSession maps the principal to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, principalID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(principalID, session.SessionID())
	}
}

// nodeView is the status projection of one node execution.
type nodeView struct {
	ID             string               `json:"id"`
	PlanNodeID     string               `json:"plan_node_id"`
	Identifier     string               `json:"identifier"`
	StepType       string               `json:"step_type"`
	Mode           schema.ExecutionMode `json:"mode"`
	Status         schema.Status        `json:"status"`
	ParentID       string               `json:"parent_id,omitempty"`
	RetryCount     int                  `json:"retry_count"`
	Output         json.RawMessage      `json:"output,omitempty"`
	Failure        *schema.FailureInfo  `json:"failure,omitempty"`
	CorrelationIDs []string             `json:"correlation_ids,omitempty"`
	StartTs        *time.Time           `json:"start_ts,omitempty"`
	EndTs          *time.Time           `json:"end_ts,omitempty"`
}

func newNodeView(n *store.NodeExecution) nodeView {
	v := nodeView{
		ID:         n.ID,
		PlanNodeID: n.PlanNodeID,
		Identifier: n.Identifier,
		StepType:   n.StepType,
		Mode:       n.Mode,
		Status:     n.Status,
		ParentID:   n.ParentID,
		RetryCount: n.RetryCount,
		Output:     n.Output,
		Failure:    n.Failure,
		StartTs:    n.StartTs,
		EndTs:      n.EndTs,
	}
	if !n.Status.IsTerminal() {
		for _, ex := range n.Executables {
			if ex.WaitSeq == n.WaitSeq {
				v.CorrelationIDs = append(v.CorrelationIDs, ex.CorrelationIDs...)
			}
		}
	}
	return v
}

func runResult(pe *store.PlanExecution) map[string]any {
	return map[string]any{
		"plan_execution_id": pe.ID,
		"plan_id":           pe.PlanID,
		"status":            pe.Status,
	}
}

func decodeFailure(m map[string]any) (*schema.FailureInfo, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var info schema.FailureInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// toolError renders err as a tool failure. Engine errors carry their code in
// the message.
func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
