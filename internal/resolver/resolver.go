// Package resolver implements the scoped value services: sweeping outputs and
// outcomes. A value is consumed at an Ambiance and bound to a scope (a prefix
// of that Ambiance); it is visible from every Ambiance extending the scope.
// Records are append-only: consuming a name again at the same scope adds a
// new version, and a narrower scope shadows a wider one without touching it.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/pms/internal/logging"
	"github.com/rendis/pms/internal/metrics"
	"github.com/rendis/pms/internal/store"
	"github.com/rendis/pms/pkg/ambiance"
	"github.com/rendis/pms/pkg/schema"
)

// GlobalGroup binds a value at the empty scope, visible from the whole
// plan execution.
const GlobalGroup = "__GLOBAL_GROUP__"

// Backend is the persistence a Service needs.
type Backend interface {
	AppendScopedValue(ctx context.Context, v *store.ScopedValue) error
	LatestScopedValues(ctx context.Context, q store.ScopedValueQuery) ([]*store.ScopedValue, error)
	ListScopedValuesByProducer(ctx context.Context, kind, planExecutionID, runtimeID string) ([]*store.ScopedValue, error)
}

// Service is a scoped value store of one kind.
type Service struct {
	backend  Backend
	kind     string
	notFound string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithMetrics counts lookups.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewSweepingOutputService returns the sweeping output resolver.
func NewSweepingOutputService(b Backend, opts ...Option) *Service {
	return newService(b, store.KindSweepingOutput, schema.ErrCodeSweepingOutputNotFound, opts)
}

// NewOutcomeService returns the outcome resolver.
func NewOutcomeService(b Backend, opts ...Option) *Service {
	return newService(b, store.KindOutcome, schema.ErrCodeOutcomeNotFound, opts)
}

func newService(b Backend, kind, notFound string, opts []Option) *Service {
	s := &Service{backend: b, kind: kind, notFound: notFound, logger: logging.Discard()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Kind returns the kind of value this service stores.
func (s *Service) Kind() string { return s.kind }

// Consume stores value under name and returns the record id. An empty group
// binds one Level above the producing Level; GlobalGroup binds at the empty
// scope; any other group binds at the deepest Level carrying that label, the
// Level itself included.
func (s *Service) Consume(ctx context.Context, a ambiance.Ambiance, name string, value any, group string) (string, error) {
	switch group {
	case "":
		return s.ConsumeInternal(ctx, a, name, value, len(a.Levels)-1)
	case GlobalGroup:
		return s.ConsumeInternal(ctx, a, name, value, 0)
	}
	i, ok := a.FindGroupIndex(group)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeGroupNotFound,
			"group %q not found in ambiance of %s", group, a.CurrentRuntimeID()).
			WithDetails(map[string]any{"name": name, "group": group})
	}
	return s.ConsumeInternal(ctx, a, name, value, i+1)
}

// ConsumeInternal stores value bound at the first levelsToKeep Levels of a.
// A negative levelsToKeep keeps every Level.
func (s *Service) ConsumeInternal(ctx context.Context, a ambiance.Ambiance, name string, value any, levelsToKeep int) (string, error) {
	if name == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "value name is required")
	}
	raw, err := encode(value)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "encode %s %q", s.kind, name).WithCause(err)
	}
	scope := a
	if levelsToKeep >= 0 {
		scope = a.CloneWithLevels(levelsToKeep)
	}
	rec := &store.ScopedValue{
		ID:                uuid.NewString(),
		Kind:              s.kind,
		PlanExecutionID:   a.PlanExecutionID,
		Name:              name,
		LevelKey:          scope.ScopeKey(),
		ProducerRuntimeID: a.CurrentRuntimeID(),
		ProducerSetupID:   a.CurrentSetupID(),
		Value:             raw,
	}
	if err := s.backend.AppendScopedValue(ctx, rec); err != nil {
		return "", fmt.Errorf("consume %s %q: %w", s.kind, name, err)
	}
	logging.LogWith(logging.WithAmbiance(ctx, a), s.logger).Debug("value consumed",
		"kind", s.kind, "name", name, "scope_depth", scope.Depth(), "version", rec.Version)
	return rec.ID, nil
}

// Resolve returns the value of name visible from a: the most specific scope
// holding the name wins, and within a scope the latest version. A miss is a
// not-found error of the service's kind; a consumed null resolves to null.
func (s *Service) Resolve(ctx context.Context, a ambiance.Ambiance, name string) (json.RawMessage, error) {
	v, found, err := s.ResolveOptional(ctx, a, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, schema.NewErrorf(s.notFound, "%s %q not found from %s", s.kind, name, a.CurrentRuntimeID()).
			WithDetails(map[string]any{"name": name, "plan_execution_id": a.PlanExecutionID})
	}
	return v, nil
}

// ResolveOptional is Resolve reporting a miss as found=false.
func (s *Service) ResolveOptional(ctx context.Context, a ambiance.Ambiance, name string) (json.RawMessage, bool, error) {
	keys := a.ScopeKeys()
	rows, err := s.backend.LatestScopedValues(ctx, store.ScopedValueQuery{
		Kind:            s.kind,
		PlanExecutionID: a.PlanExecutionID,
		Name:            name,
		LevelKeys:       keys,
	})
	if err != nil {
		return nil, false, fmt.Errorf("resolve %s %q: %w", s.kind, name, err)
	}
	byKey := make(map[string]*store.ScopedValue, len(rows))
	for _, r := range rows {
		byKey[r.LevelKey] = r
	}
	for _, k := range keys {
		if r, ok := byKey[k]; ok {
			s.metrics.Lookup(s.kind, true)
			if r.Value == nil {
				return json.RawMessage("null"), true, nil
			}
			return r.Value, true, nil
		}
	}
	s.metrics.Lookup(s.kind, false)
	return nil, false, nil
}

// ResolveInto resolves name and decodes it into out.
func (s *Service) ResolveInto(ctx context.Context, a ambiance.Ambiance, name string, out any) error {
	raw, err := s.Resolve(ctx, a, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %q: %w", s.kind, name, err)
	}
	return nil
}

// FindAllByRuntimeID lists every value produced by the node at runtimeID,
// oldest first.
func (s *Service) FindAllByRuntimeID(ctx context.Context, planExecutionID, runtimeID string) ([]*store.ScopedValue, error) {
	return s.backend.ListScopedValuesByProducer(ctx, s.kind, planExecutionID, runtimeID)
}

func encode(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage("null"), nil
		}
		if !json.Valid(t) {
			return nil, errors.New("invalid JSON")
		}
		return t, nil
	}
	return json.Marshal(v)
}
