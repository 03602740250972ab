package broker

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/shmbroker/internal/domain/errs"
	"github.com/coachpo/shmbroker/internal/domain/schema"
	"github.com/coachpo/shmbroker/internal/infra/telemetry"
)

// RegistryConfig tunes topics created by a Registry.
type RegistryConfig struct {
	FanoutWorkers int
}

// Registry is the directory of topics by name. Topics live as long as the
// registry; there is no teardown.
type Registry struct {
	cfg RegistryConfig

	mu     sync.RWMutex
	topics map[string]*Topic
	retain Retain

	publishCounter  metric.Int64Counter
	evictionCounter metric.Int64Counter
	dropCounter     metric.Int64Counter
	pullCounter     metric.Int64Counter
	publishDuration metric.Float64Histogram
	pullDuration    metric.Float64Histogram
	topicGauge      metric.Int64UpDownCounter
}

// NewRegistry constructs an empty topic registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		cfg:    cfg,
		topics: make(map[string]*Topic),
	}

	meter := otel.Meter("broker")
	r.publishCounter, _ = meter.Int64Counter("broker.publish.count",
		metric.WithDescription("Number of messages fanned out to topic queues"),
		metric.WithUnit("{message}"))
	r.evictionCounter, _ = meter.Int64Counter("broker.queue.evictions",
		metric.WithDescription("In-flight entries evicted from full drop-policy queues"),
		metric.WithUnit("{message}"))
	r.dropCounter, _ = meter.Int64Counter("broker.queue.drops",
		metric.WithDescription("Publishes discarded by full drop-policy queues"),
		metric.WithUnit("{message}"))
	r.pullCounter, _ = meter.Int64Counter("broker.pull.count",
		metric.WithDescription("Pull attempts by result"),
		metric.WithUnit("{pull}"))
	r.publishDuration, _ = meter.Float64Histogram("broker.publish.duration",
		metric.WithDescription("Time spent posting a message to every queue"),
		metric.WithUnit("ms"))
	r.pullDuration, _ = meter.Float64Histogram("broker.pull.wait.duration",
		metric.WithDescription("Time a pull spent waiting for data"),
		metric.WithUnit("ms"))
	r.topicGauge, _ = meter.Int64UpDownCounter("broker.topics",
		metric.WithDescription("Number of registered topics"),
		metric.WithUnit("{topic}"))

	return r
}

// SetRetain installs the hook that adds buffer references for late readers.
// Topics added before the call keep their previous hook.
func (r *Registry) SetRetain(fn Retain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retain = fn
}

// AddTopic registers name with the given drop policy. Re-registering an
// existing topic succeeds and leaves its configuration untouched; created
// reports whether a new topic was made.
func (r *Registry) AddTopic(name string, drop bool) (created bool, err error) {
	if name == "" {
		return false, errs.New("broker/registry", errs.CodeInvalid, errs.WithMessage("topic name required"))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.topics[name]; ok {
		return false, nil
	}
	t := NewTopic(name, drop, r.cfg.FanoutWorkers)
	t.retain = r.retain
	r.topics[name] = t
	if r.topicGauge != nil {
		r.topicGauge.Add(context.Background(), 1, metric.WithAttributes(telemetry.TopicAttributes(name)...))
	}
	return true, nil
}

// Topic returns the named topic.
func (r *Registry) Topic(name string) (*Topic, error) {
	r.mu.RLock()
	t, ok := r.topics[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New("broker/registry", errs.CodeNotRegistered,
			errs.WithMessage("topic not registered"),
			errs.WithField("topic", name))
	}
	return t, nil
}

// Topics returns every registered topic ordered by name.
func (r *Registry) Topics() []*Topic {
	r.mu.RLock()
	out := make([]*Topic, 0, len(r.topics))
	for _, t := range r.topics {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Publish fans msg out on topic. See Topic.Publish.
func (r *Registry) Publish(ctx context.Context, topic string, msg schema.Message, reserve Reserve) ([]schema.Release, error) {
	t, err := r.Topic(topic)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	releases, err := t.Publish(ctx, msg, reserve)
	attrs := metric.WithAttributes(telemetry.TopicAttributes(topic)...)
	if r.publishDuration != nil {
		r.publishDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	if err == nil && r.publishCounter != nil {
		r.publishCounter.Add(ctx, 1, attrs)
	}
	r.recordReleases(ctx, topic, releases)
	return releases, err
}

// Subscribe registers subscriber on topic. See Topic.Subscribe.
func (r *Registry) Subscribe(ctx context.Context, topic, subscriber string, dependencies []string, maxQueueSize int) error {
	t, err := r.Topic(topic)
	if err != nil {
		return err
	}
	return t.Subscribe(ctx, subscriber, dependencies, maxQueueSize)
}

// Pull reads the next message for subscriber on topic.
func (r *Registry) Pull(ctx context.Context, topic, subscriber string, timeout time.Duration) (schema.Message, error) {
	t, err := r.Topic(topic)
	if err != nil {
		return schema.Message{}, err
	}
	start := time.Now()
	msg, err := t.Pull(ctx, subscriber, timeout)
	attrs := telemetry.TopicAttributes(topic)
	if r.pullDuration != nil {
		r.pullDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(attrs...))
	}
	if r.pullCounter != nil {
		result := "success"
		if err != nil {
			result = string(errs.CodeOf(err))
		}
		r.pullCounter.Add(ctx, 1, metric.WithAttributes(append(attrs, telemetry.AttrResult.String(result))...))
	}
	return msg, err
}

// CancelPull rewinds subscriber's cursor on topic.
func (r *Registry) CancelPull(topic, subscriber string) error {
	t, err := r.Topic(topic)
	if err != nil {
		return err
	}
	return t.CancelPull(subscriber)
}

// ClearProcessed garbage-collects the queue subscriber reads from.
func (r *Registry) ClearProcessed(topic, subscriber string) ([]schema.Release, error) {
	t, err := r.Topic(topic)
	if err != nil {
		return nil, err
	}
	releases, err := t.ClearProcessed(subscriber)
	r.recordReleases(context.Background(), topic, releases)
	return releases, err
}

// SubscriberCount returns the live subscriber count of topic.
func (r *Registry) SubscriberCount(topic string) (int, error) {
	t, err := r.Topic(topic)
	if err != nil {
		return 0, err
	}
	return t.SubscriberCount(), nil
}

func (r *Registry) recordReleases(ctx context.Context, topic string, releases []schema.Release) {
	for _, rel := range releases {
		var counter metric.Int64Counter
		switch rel.Reason {
		case schema.ReleaseEvicted:
			counter = r.evictionCounter
		case schema.ReleaseDropped:
			counter = r.dropCounter
		default:
			continue
		}
		if counter != nil {
			counter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(topic)...))
		}
	}
}
