package plancreator

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rendis/pms/internal/logging"
)

// TypeSupporter is implemented by every creator kind. SupportedTypes maps a
// field category (the YAML key, e.g. "stage") to the field types it accepts.
// Types are glob patterns: "*" accepts any type, including none.
type TypeSupporter interface {
	SupportedTypes() map[string][]string
}

// FieldDescriptor is the shape of a field used for creator lookup.
type FieldDescriptor struct {
	Category string
	Type     string
}

// Supports reports whether c claims the descriptor.
func Supports(c TypeSupporter, d FieldDescriptor) bool {
	patterns, ok := c.SupportedTypes()[d.Category]
	if !ok {
		return false
	}
	for _, p := range patterns {
		if p == "*" || p == d.Type {
			return true
		}
		if ok, err := doublestar.Match(p, d.Type); err == nil && ok {
			return true
		}
	}
	return false
}

// DefaultPriority is used by Register when no priority is given.
const DefaultPriority = 0

type entry[T TypeSupporter] struct {
	name     string
	creator  T
	priority int
	seq      int
}

// Registry resolves a field descriptor to exactly one creator. Entries are
// ordered by priority (higher first), then by registration order; the first
// entry that supports the descriptor wins.
type Registry[T TypeSupporter] struct {
	mu      sync.RWMutex
	entries []entry[T]
	seq     int
	logger  *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry[T TypeSupporter](logger *slog.Logger) *Registry[T] {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Registry[T]{logger: logger}
}

// Register adds a creator under name with the given priority. Overlapping
// claims are allowed but logged, since only one of them can ever win.
func (r *Registry[T]) Register(name string, c T, priority int) {
	r.mu.Lock()
	r.seq++
	r.entries = append(r.entries, entry[T]{name: name, creator: c, priority: priority, seq: r.seq})
	sort.SliceStable(r.entries, func(i, j int) bool {
		if r.entries[i].priority != r.entries[j].priority {
			return r.entries[i].priority > r.entries[j].priority
		}
		return r.entries[i].seq < r.entries[j].seq
	})
	r.mu.Unlock()

	for _, c := range r.Conflicts() {
		if c.Loser == name || c.Winner == name {
			r.logger.Warn("plan creators claim overlapping field types",
				slog.String("category", c.Category),
				slog.String("winner", c.Winner),
				slog.String("shadowed", c.Loser),
			)
		}
	}
}

// Lookup returns the winning creator for d and its registered name.
func (r *Registry[T]) Lookup(d FieldDescriptor) (T, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if Supports(e.creator, d) {
			return e.creator, e.name, true
		}
	}
	var zero T
	return zero, "", false
}

// Names returns the registered creator names in precedence order.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.name
	}
	return out
}

// Conflict describes two creators claiming overlapping types in a category.
type Conflict struct {
	Category string
	Winner   string
	Loser    string
}

// Conflicts lists every pair of creators whose claims overlap, with the
// entry that wins under the precedence rule first.
func (r *Registry[T]) Conflicts() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Conflict
	for i := 0; i < len(r.entries); i++ {
		for j := i + 1; j < len(r.entries); j++ {
			a, b := r.entries[i].creator.SupportedTypes(), r.entries[j].creator.SupportedTypes()
			for cat, pa := range a {
				pb, ok := b[cat]
				if ok && overlaps(pa, pb) {
					out = append(out, Conflict{Category: cat, Winner: r.entries[i].name, Loser: r.entries[j].name})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func overlaps(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
			if ok, _ := doublestar.Match(x, y); ok {
				return true
			}
			if ok, _ := doublestar.Match(y, x); ok {
				return true
			}
		}
	}
	return false
}
