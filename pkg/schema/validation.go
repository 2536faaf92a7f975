package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity indicates whether an issue is an error or warning.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a plan. Path addresses the plan
// JSON (nodes.<uuid>.advisers[0]); NodeID is the node it belongs to, if any.
type ValidationIssue struct {
	Path     string             `json:"path"`
	NodeID   string             `json:"node_id,omitempty"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

// ValidationResult collects the issues of one plan check.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether there are no errors. Warnings do not count.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, newIssue(path, code, message, SeverityError))
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, newIssue(path, code, message, SeverityWarning))
}

// ForNode returns the errors and warnings attached to one plan node.
func (r *ValidationResult) ForNode(nodeID string) []ValidationIssue {
	var out []ValidationIssue
	for _, list := range [][]ValidationIssue{r.Errors, r.Warnings} {
		for _, is := range list {
			if is.NodeID == nodeID {
				out = append(out, is)
			}
		}
	}
	return out
}

// ToError folds the result into one PMSError with the given code, or nil
// when valid. The error points at the node of the first issue.
func (r *ValidationResult) ToError(code string) error {
	if r.Valid() {
		return nil
	}
	first := r.Errors[0]
	msg := first.Message
	if n := len(r.Errors); n > 1 {
		msg = fmt.Sprintf("%s (and %d more)", msg, n-1)
	}
	err := NewError(code, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
	if first.NodeID != "" {
		err = err.WithNode(first.NodeID)
	}
	return err
}

func newIssue(path, code, message string, sev ValidationSeverity) ValidationIssue {
	return ValidationIssue{Path: path, NodeID: nodeOf(path), Code: code, Message: message, Severity: sev}
}

// nodeOf extracts <uuid> from nodes.<uuid>[.rest].
func nodeOf(path string) string {
	rest, ok := strings.CutPrefix(path, "nodes.")
	if !ok {
		return ""
	}
	if i := strings.IndexAny(rest, ".["); i >= 0 {
		rest = rest[:i]
	}
	return rest
}
