// Package buffers tracks shared-memory buffers and their reference counts.
package buffers

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/shmbroker/internal/domain/errs"
	"github.com/coachpo/shmbroker/internal/domain/schema"
	"github.com/coachpo/shmbroker/internal/infra/telemetry"
	"github.com/coachpo/shmbroker/internal/observability"
)

const defaultPrefix = "shmbroker_"

// Segments is the OS collaborator that owns the actual memory segments.
type Segments interface {
	Create(name string, size int64) error
	Destroy(name string) error
}

// Config controls buffer naming.
type Config struct {
	// Prefix is prepended to generated names; names take the form "/<prefix><uuid>".
	Prefix string
}

type buffer struct {
	size int64
	refs int
}

// Registry maps buffer names to live segments. Every method serialises on a
// single mutex; the registry never calls into topics or queues.
type Registry struct {
	cfg      Config
	segments Segments

	mu      sync.Mutex
	buffers map[string]*buffer

	liveGauge       metric.Int64UpDownCounter
	releasedCounter metric.Int64Counter
}

// NewRegistry creates an empty registry backed by segments.
func NewRegistry(cfg Config, segments Segments) *Registry {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = defaultPrefix
	}
	r := &Registry{
		cfg:      cfg,
		segments: segments,
		buffers:  make(map[string]*buffer),
	}

	meter := otel.Meter("buffers")
	r.liveGauge, _ = meter.Int64UpDownCounter("buffers.live",
		metric.WithDescription("Number of registered shared buffers"),
		metric.WithUnit("{buffer}"))
	r.releasedCounter, _ = meter.Int64Counter("buffers.released",
		metric.WithDescription("Shared buffers destroyed after their last reference"),
		metric.WithUnit("{buffer}"))
	return r
}

// Allocate creates a segment of size bytes under a freshly generated name.
// The buffer is not registered until Add is called.
func (r *Registry) Allocate(size int64) (schema.BufferInfo, error) {
	if size <= 0 {
		return schema.BufferInfo{}, errs.New("buffers", errs.CodeInvalid,
			errs.WithMessage("buffer size must be positive"),
			errs.WithField("size", strconv.FormatInt(size, 10)))
	}
	name := "/" + r.cfg.Prefix + uuid.NewString()
	if err := r.segments.Create(name, size); err != nil {
		return schema.BufferInfo{}, errs.New("buffers", errs.CodeAllocation,
			errs.WithMessage("segment creation failed"),
			errs.WithField("buffer", name),
			errs.WithCause(err))
	}
	return schema.BufferInfo{Name: name, Size: size}, nil
}

// Add registers an allocated buffer. A name collision replaces the old entry.
func (r *Registry) Add(info schema.BufferInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.buffers[info.Name]; !ok && r.liveGauge != nil {
		r.liveGauge.Add(context.Background(), 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	r.buffers[info.Name] = &buffer{size: info.Size, refs: info.RefCount}
}

// Lookup returns the named buffer.
func (r *Registry) Lookup(name string) (schema.BufferInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[name]
	if !ok {
		return schema.BufferInfo{}, false
	}
	return schema.BufferInfo{Name: name, Size: b.size, RefCount: b.refs}, true
}

// SetRefCount overwrites the reference count of a registered buffer.
func (r *Registry) SetRefCount(name string, refs int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[name]
	if !ok {
		return notFound(name)
	}
	b.refs = max(refs, 0)
	return nil
}

// Retain adds n references to a live buffer. Unknown buffers are ignored.
func (r *Registry) Retain(name string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[name]; ok && n > 0 {
		b.refs += n
	}
}

// Release drops n references, floored at zero. At zero the segment is
// destroyed and the entry removed. Unknown names are ignored.
func (r *Registry) Release(name string, n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[name]
	if !ok {
		return nil
	}
	b.refs = max(b.refs-n, 0)
	if b.refs > 0 {
		return nil
	}
	return r.destroyLocked(name)
}

// ReleaseAll destroys every registered buffer regardless of its count.
func (r *Registry) ReleaseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.buffers))
	for name := range r.buffers {
		names = append(names, name)
	}
	sort.Strings(names)
	failures := make([]error, 0)
	for _, name := range names {
		if err := r.destroyLocked(name); err != nil {
			failures = append(failures, err)
		}
	}
	return observability.AggregateErrors("buffers.release_all", failures,
		observability.F("buffers", len(names)))
}

// Len returns the number of registered buffers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}

// destroyLocked removes the entry even when the segment cannot be destroyed,
// so a broken segment is never handed out again.
func (r *Registry) destroyLocked(name string) error {
	delete(r.buffers, name)
	ctx := context.Background()
	attrs := metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment()))
	if r.liveGauge != nil {
		r.liveGauge.Add(ctx, -1, attrs)
	}
	if r.releasedCounter != nil {
		r.releasedCounter.Add(ctx, 1, attrs)
	}
	if err := r.segments.Destroy(name); err != nil {
		return errs.New("buffers", errs.CodeUnavailable,
			errs.WithMessage("segment destroy failed"),
			errs.WithField("buffer", name),
			errs.WithCause(err))
	}
	return nil
}

func notFound(name string) error {
	return errs.New("buffers", errs.CodeNotFound,
		errs.WithMessage("buffer not registered"),
		errs.WithField("buffer", name))
}
