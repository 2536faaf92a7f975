package plancreator

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/rendis/pms/internal/logging"
	"github.com/rendis/pms/internal/metrics"
	"github.com/rendis/pms/internal/worker"
	"github.com/rendis/pms/internal/yamlfield"
	"github.com/rendis/pms/pkg/schema"
)

// DefaultTimeout bounds a whole compilation.
const DefaultTimeout = 2 * time.Minute

// Config tunes the plan creation service.
type Config struct {
	PoolSize int
	Timeout  time.Duration
}

// PlanValidator inspects a finished plan; a non-nil error fails compilation.
type PlanValidator func(*schema.Plan) error

// Service compiles pipeline YAML into plans.
type Service struct {
	creators *Registry[PartialPlanCreator]
	filters  *Registry[FilterCreator]
	pool     *worker.Pool
	timeout  time.Duration
	validate PlanValidator
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithValidator installs a post-compilation plan check.
func WithValidator(v PlanValidator) ServiceOption {
	return func(s *Service) { s.validate = v }
}

// WithMetrics records compilations.
func WithMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService creates a service over the given registries. filters may be nil.
func NewService(creators *Registry[PartialPlanCreator], filters *Registry[FilterCreator], cfg Config, opts ...ServiceOption) *Service {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	s := &Service{
		creators: creators,
		filters:  filters,
		pool:     worker.NewPool(cfg.PoolSize),
		timeout:  cfg.Timeout,
		logger:   logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close releases the worker pool.
func (s *Service) Close() { s.pool.Shutdown() }

// CreatePlanFromYAML parses a pipeline document and compiles it, starting
// from its top-level `pipeline` field.
func (s *Service) CreatePlanFromYAML(ctx context.Context, pctx *Context, data []byte) (*schema.Plan, error) {
	root, err := yamlfield.Parse(data)
	if err != nil {
		return nil, planFailed(err)
	}
	pipeline, ok := root.Child("pipeline")
	if !ok {
		return nil, schema.NewError(schema.ErrCodePlanCreation, "document has no pipeline field")
	}
	initial := Dependencies{}
	initial.Add(pipeline, nil)

	plan, err := s.CreatePlan(ctx, pctx, initial)
	if err != nil {
		return nil, err
	}
	sum := blake3.Sum256(data)
	plan.Hash = hex.EncodeToString(sum[:])
	return plan, nil
}

// CreatePlan expands the initial dependencies wave by wave until none remain.
func (s *Service) CreatePlan(ctx context.Context, pctx *Context, initial Dependencies) (*schema.Plan, error) {
	if pctx == nil {
		pctx = &Context{}
	}
	if pctx.PlanID == "" {
		pctx.PlanID = uuid.NewString()
	}
	plan := &schema.Plan{
		ID:        pctx.PlanID,
		Nodes:     map[string]*schema.PlanNode{},
		Residual:  map[string]schema.FieldRef{},
		CreatedAt: time.Now().UTC(),
	}

	start := time.Now()
	waves, err := runWaves(ctx, s, s.creators, initial,
		func(ctx context.Context, c PartialPlanCreator, dep Dependency) (*Response, Dependencies, error) {
			resp, err := c.CreatePlanForField(ctx, pctx, dep)
			if err != nil || resp == nil {
				return nil, nil, err
			}
			return resp, resp.Dependencies, nil
		},
		func(resp *Response) {
			for id, n := range resp.Nodes {
				plan.Nodes[id] = n
			}
			if plan.StartingNodeID == "" && resp.StartingNodeID != "" {
				plan.StartingNodeID = resp.StartingNodeID
			}
		},
		func(id string, dep Dependency) { plan.Residual[id] = dep.Field.Ref() },
	)
	if err == nil && s.validate != nil {
		err = s.validate(plan)
	}
	s.metrics.ObserveCompile(time.Since(start), waves, err)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "plan created",
		slog.String("plan_id", plan.ID),
		slog.Int("nodes", len(plan.Nodes)),
		slog.Int("waves", waves),
		slog.Int("residual", len(plan.Residual)),
	)
	return plan, nil
}

// CreateFilter runs the filter creators over the document and merges their
// contributions.
func (s *Service) CreateFilter(ctx context.Context, pctx *Context, data []byte) (*schema.PipelineFilter, error) {
	if s.filters == nil {
		return &schema.PipelineFilter{}, nil
	}
	root, err := yamlfield.Parse(data)
	if err != nil {
		return nil, planFailed(err)
	}
	pipeline, ok := root.Child("pipeline")
	if !ok {
		return nil, schema.NewError(schema.ErrCodePlanCreation, "document has no pipeline field")
	}
	if pctx == nil {
		pctx = &Context{}
	}
	initial := Dependencies{}
	initial.Add(pipeline, nil)

	filter := &schema.PipelineFilter{}
	_, err = runWaves(ctx, s, s.filters, initial,
		func(ctx context.Context, c FilterCreator, dep Dependency) (*FilterResponse, Dependencies, error) {
			resp, err := c.CreateFilterForField(ctx, pctx, dep)
			if err != nil || resp == nil {
				return nil, nil, err
			}
			return resp, resp.Dependencies, nil
		},
		func(resp *FilterResponse) { filter.Merge(resp.Filter) },
		func(string, Dependency) {},
	)
	if err != nil {
		return nil, err
	}
	return filter, nil
}

type waveResult[R any] struct {
	id   string
	path string
	resp R
	deps Dependencies
	err  error
}

// runWaves is the shared wave loop. Each wave snapshots the live
// dependencies, dispatches one creator call per dependency on the pool and
// joins them under the compilation deadline. Results are merged in field
// path order so "first starting node wins" is deterministic.
func runWaves[T TypeSupporter, R any](
	ctx context.Context,
	s *Service,
	reg *Registry[T],
	initial Dependencies,
	call func(context.Context, T, Dependency) (R, Dependencies, error),
	merge func(R),
	drop func(string, Dependency),
) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	live := initial
	waves := 0
	for len(live) > 0 {
		if err := ctx.Err(); err != nil {
			return waves, compileTimeout(waves, err)
		}
		waves++
		snapshot := live
		live = Dependencies{}

		results := make(chan waveResult[R], len(snapshot))
		pending := 0
		for id, dep := range snapshot {
			creator, name, ok := reg.Lookup(dep.Descriptor())
			if !ok {
				s.logger.DebugContext(ctx, "no plan creator for field",
					slog.String("path", dep.Field.Path),
					slog.String("category", dep.Field.Name),
					slog.String("type", dep.Field.Type()),
				)
				drop(id, dep)
				continue
			}
			pending++
			id, dep := id, dep
			err := s.pool.Go(ctx, func(ctx context.Context) error {
				r := waveResult[R]{id: id, path: dep.Field.Path}
				r.resp, r.deps, r.err = safeCall(ctx, name, creator, dep, call)
				results <- r
				return r.err
			})
			if err != nil {
				return waves, schema.NewErrorf(schema.ErrCodePlanCreation, "dispatch creator %s: %s", name, err.Error()).WithCause(err)
			}
		}

		collected := make([]waveResult[R], 0, pending)
		for len(collected) < pending {
			select {
			case r := <-results:
				if r.err != nil {
					return waves, planFailed(r.err).WithDetails(map[string]any{"path": r.path, "wave": waves})
				}
				collected = append(collected, r)
			case <-ctx.Done():
				return waves, compileTimeout(waves, ctx.Err())
			}
		}

		sort.Slice(collected, func(i, j int) bool { return collected[i].path < collected[j].path })
		for _, r := range collected {
			merge(r.resp)
			for id, dep := range r.deps {
				live[id] = dep
			}
		}
	}
	return waves, nil
}

func safeCall[T TypeSupporter, R any](
	ctx context.Context,
	name string,
	creator T,
	dep Dependency,
	call func(context.Context, T, Dependency) (R, Dependencies, error),
) (resp R, deps Dependencies, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = schema.NewErrorf(schema.ErrCodePlanCreation, "creator %s panicked on %s: %v", name, dep.Field.Path, rec)
		}
	}()
	return call(ctx, creator, dep)
}

func planFailed(err error) *schema.PMSError {
	if pe, ok := err.(*schema.PMSError); ok && (pe.Code == schema.ErrCodePlanCreation || pe.Code == schema.ErrCodeCompileTimeout) {
		return pe
	}
	return schema.NewErrorf(schema.ErrCodePlanCreation, "plan creation failed: %s", err.Error()).WithCause(err)
}

func compileTimeout(waves int, cause error) *schema.PMSError {
	return schema.NewError(schema.ErrCodeCompileTimeout, fmt.Sprintf("plan creation did not finish within the deadline (wave %d)", waves)).
		WithCause(cause)
}
