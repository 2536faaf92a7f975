package schema

import "encoding/json"

// ExecutableResponse describes how a node is suspended: the correlation ids
// it awaits plus the mode-specific handles needed to interrupt or continue it.
type ExecutableResponse struct {
	Mode           ExecutionMode `json:"mode"`
	WaitSeq        int           `json:"wait_seq"`
	CorrelationIDs []string      `json:"correlation_ids,omitempty"`
	// TaskIDs are the dispatcher handles of queued TASK / TASK_CHAIN work.
	TaskIDs []string `json:"task_ids,omitempty"`
	// ChildNodeIDs are the plan nodes spawned by a composite node.
	ChildNodeIDs []string `json:"child_node_ids,omitempty"`
	// ChainIndex is the zero-based position of the current chain link.
	ChainIndex      int             `json:"chain_index,omitempty"`
	ChainEnd        bool            `json:"chain_end,omitempty"`
	PassThroughData json.RawMessage `json:"pass_through_data,omitempty"`
}
