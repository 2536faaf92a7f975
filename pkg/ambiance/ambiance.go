// Package ambiance models the position of a node execution in the execution
// tree. An Ambiance is an ordered path of Levels (pipeline, stage, step, ...)
// plus execution-wide metadata. Every operation returns a new value; a parent
// path is never modified by deriving a child from it.
package ambiance

import (
	"strings"
	"sync/atomic"
	"time"
)

// scopeSep joins runtime ids into a scope key. Runtime ids are uuids, so the
// separator cannot occur inside one.
const scopeSep = "|"

// Level is one hop in an Ambiance.
type Level struct {
	RuntimeID           string    `json:"runtime_id"`
	SetupID             string    `json:"setup_id"`
	Identifier          string    `json:"identifier,omitempty"`
	StepType            string    `json:"step_type,omitempty"`
	Group               string    `json:"group,omitempty"`
	SkipExpressionChain bool      `json:"skip_expression_chain,omitempty"`
	StartTs             time.Time `json:"start_ts,omitempty"`
}

// Principal identifies who triggered the execution.
type Principal struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type,omitempty"`
}

// Metadata is the cross-cutting context shared by every node of a plan execution.
type Metadata struct {
	AccountID   string    `json:"account_id,omitempty"`
	OrgID       string    `json:"org_id,omitempty"`
	ProjectID   string    `json:"project_id,omitempty"`
	Principal   Principal `json:"principal,omitempty"`
	TriggeredBy string    `json:"triggered_by,omitempty"`
}

// Ambiance is an immutable execution path.
type Ambiance struct {
	PlanExecutionID        string   `json:"plan_execution_id"`
	PlanID                 string   `json:"plan_id,omitempty"`
	Levels                 []Level  `json:"levels"`
	Metadata               Metadata `json:"metadata"`
	ExpressionFunctorToken int64    `json:"expression_functor_token,omitempty"`
}

var functorToken atomic.Int64

func init() {
	functorToken.Store(time.Now().UnixNano())
}

// NextFunctorToken returns a process-wide, monotonically increasing token.
func NextFunctorToken() int64 {
	return functorToken.Add(1)
}

// New creates a root Ambiance for a plan execution with no Levels.
func New(planExecutionID, planID string, md Metadata) Ambiance {
	return Ambiance{
		PlanExecutionID:        planExecutionID,
		PlanID:                 planID,
		Metadata:               md,
		ExpressionFunctorToken: NextFunctorToken(),
	}
}

func (a Ambiance) withLevels(levels []Level) Ambiance {
	out := a
	out.Levels = levels
	return out
}

// CloneForChild returns a copy of a with level appended.
func (a Ambiance) CloneForChild(level Level) Ambiance {
	levels := make([]Level, len(a.Levels), len(a.Levels)+1)
	copy(levels, a.Levels)
	return a.withLevels(append(levels, level))
}

// CloneForFinish returns a copy of a without its last Level. The empty
// Ambiance stays empty.
func (a Ambiance) CloneForFinish() Ambiance {
	if len(a.Levels) == 0 {
		return a.withLevels(nil)
	}
	return a.CloneWithLevels(len(a.Levels) - 1)
}

// CloneWithLevels returns a copy of a keeping only its first n Levels. A
// negative n or one beyond the depth keeps every Level.
func (a Ambiance) CloneWithLevels(n int) Ambiance {
	if n < 0 || n > len(a.Levels) {
		n = len(a.Levels)
	}
	levels := make([]Level, n)
	copy(levels, a.Levels[:n])
	return a.withLevels(levels)
}

// Depth returns the number of Levels.
func (a Ambiance) Depth() int { return len(a.Levels) }

// CurrentLevel returns the last Level, or false for the empty Ambiance.
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// CurrentRuntimeID returns the runtime id of the last Level, or "".
func (a Ambiance) CurrentRuntimeID() string {
	l, _ := a.CurrentLevel()
	return l.RuntimeID
}

// CurrentSetupID returns the setup (plan node) id of the last Level, or "".
func (a Ambiance) CurrentSetupID() string {
	l, _ := a.CurrentLevel()
	return l.SetupID
}

// FindGroupIndex returns the index of the deepest Level labelled group.
func (a Ambiance) FindGroupIndex(group string) (int, bool) {
	if group == "" {
		return -1, false
	}
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].Group == group {
			return i, true
		}
	}
	return -1, false
}

// FindLevel returns the deepest Level labelled group.
func (a Ambiance) FindLevel(group string) (Level, bool) {
	i, ok := a.FindGroupIndex(group)
	if !ok {
		return Level{}, false
	}
	return a.Levels[i], true
}

// ScopeKey identifies the scope addressed by a: the runtime ids of all Levels,
// in order. The empty Ambiance has the empty key (global scope).
func (a Ambiance) ScopeKey() string {
	return scopeKey(a.Levels)
}

// ScopeKeys lists the key of a and of every ancestor, most specific first,
// ending with the global scope.
func (a Ambiance) ScopeKeys() []string {
	keys := make([]string, 0, len(a.Levels)+1)
	for cur := a; ; cur = cur.CloneForFinish() {
		keys = append(keys, cur.ScopeKey())
		if cur.Depth() == 0 {
			return keys
		}
	}
}

// IsInScopeOf reports whether other's path is a prefix of a's, i.e. values
// bound at other are visible from a.
func (a Ambiance) IsInScopeOf(other Ambiance) bool {
	if len(other.Levels) > len(a.Levels) {
		return false
	}
	for i := range other.Levels {
		if a.Levels[i].RuntimeID != other.Levels[i].RuntimeID {
			return false
		}
	}
	return true
}

// RuntimeIDs returns the runtime id of each Level.
func (a Ambiance) RuntimeIDs() []string {
	ids := make([]string, len(a.Levels))
	for i, l := range a.Levels {
		ids[i] = l.RuntimeID
	}
	return ids
}

func scopeKey(levels []Level) string {
	if len(levels) == 0 {
		return ""
	}
	var b strings.Builder
	for i, l := range levels {
		if i > 0 {
			b.WriteString(scopeSep)
		}
		b.WriteString(l.RuntimeID)
	}
	return b.String()
}
