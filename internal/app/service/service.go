// Package service exposes the broker's control-plane operations with wire
// result codes. It owns the interaction between topics and buffer reference
// counts.
package service

import (
	"context"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/shmbroker/internal/app/broker"
	"github.com/coachpo/shmbroker/internal/app/buffers"
	"github.com/coachpo/shmbroker/internal/domain/errs"
	"github.com/coachpo/shmbroker/internal/domain/schema"
	"github.com/coachpo/shmbroker/internal/infra/telemetry"
	"github.com/coachpo/shmbroker/internal/observability"
	"github.com/coachpo/shmbroker/pkg/api"
)

// Config tunes service behaviour.
type Config struct {
	// DropByDefault applies when RegisterTopic omits a policy.
	DropByDefault bool
	// ReleaseOnCollect releases references of garbage-collected entries
	// instead of waiting for ReleaseBuffer acknowledgements.
	ReleaseOnCollect bool
}

// Service implements the control-plane operations.
type Service struct {
	cfg     Config
	buffers *buffers.Registry
	topics  *broker.Registry

	opCounter metric.Int64Counter
}

// New wires a service over the given registries.
func New(cfg Config, bufferRegistry *buffers.Registry, topicRegistry *broker.Registry) *Service {
	s := &Service{
		cfg:     cfg,
		buffers: bufferRegistry,
		topics:  topicRegistry,
	}
	topicRegistry.SetRetain(bufferRegistry.Retain)
	meter := otel.Meter("service")
	s.opCounter, _ = meter.Int64Counter("service.operations",
		metric.WithDescription("Control-plane operations by result"),
		metric.WithUnit("{operation}"))
	return s
}

// CreateBuffer allocates and registers a new shared buffer.
func (s *Service) CreateBuffer(ctx context.Context, req api.CreateBufferRequest) api.CreateBufferReply {
	info, err := s.buffers.Allocate(req.Size)
	if err != nil {
		s.fail(ctx, "create_buffer", err, observability.F("size", req.Size))
		return api.CreateBufferReply{Result: api.ResultFailed}
	}
	s.buffers.Add(info)
	s.ok(ctx, "create_buffer", observability.F("buffer", info.Name), observability.F("size", info.Size))
	return api.CreateBufferReply{Name: info.Name, Result: api.ResultOK}
}

// GetBuffer reports the size of a live buffer.
func (s *Service) GetBuffer(ctx context.Context, req api.GetBufferRequest) api.GetBufferReply {
	info, ok := s.buffers.Lookup(req.Name)
	if !ok {
		s.fail(ctx, "get_buffer", errs.New("service", errs.CodeNotFound, errs.WithMessage("buffer not registered")),
			observability.F("buffer", req.Name))
		return api.GetBufferReply{Result: api.ResultFailed}
	}
	s.ok(ctx, "get_buffer", observability.F("buffer", req.Name))
	return api.GetBufferReply{Size: info.Size, Result: api.ResultOK}
}

// ReleaseBuffer drops one reference. Unknown names succeed.
func (s *Service) ReleaseBuffer(ctx context.Context, req api.ReleaseBufferRequest) api.StandardReply {
	if err := s.buffers.Release(req.Name, 1); err != nil {
		s.fail(ctx, "release_buffer", err, observability.F("buffer", req.Name))
		return api.StandardReply{Result: api.ResultFailed}
	}
	s.ok(ctx, "release_buffer", observability.F("buffer", req.Name))
	return api.StandardReply{Result: api.ResultOK}
}

// RegisterTopic creates a topic, or accepts an existing one unchanged.
func (s *Service) RegisterTopic(ctx context.Context, req api.RegisterTopicRequest) api.StandardReply {
	drop := s.cfg.DropByDefault
	if req.Drop != nil {
		drop = *req.Drop
	}
	created, err := s.topics.AddTopic(req.Name, drop)
	if err != nil {
		s.fail(ctx, "register_topic", err, observability.F("topic", req.Name))
		return api.StandardReply{Result: api.ResultFailed}
	}
	s.ok(ctx, "register_topic",
		observability.F("topic", req.Name),
		observability.F("created", created),
		observability.F("policy", telemetry.PolicyName(drop)))
	return api.StandardReply{Result: api.ResultOK}
}

// Publish fans a registered buffer out to every subscriber of a topic. The
// buffer's reference count is set to the number of receiving cursors only
// once the topic and buffer are both known.
func (s *Service) Publish(ctx context.Context, req api.PublishRequest) api.StandardReply {
	fields := []observability.Field{
		observability.F("topic", req.TopicName),
		observability.F("buffer", req.BufferName),
	}
	if _, ok := s.buffers.Lookup(req.BufferName); !ok {
		s.fail(ctx, "publish", errs.New("service", errs.CodeNotFound, errs.WithMessage("buffer not registered")), fields...)
		return api.StandardReply{Result: api.ResultFailed}
	}

	msg := schema.Message{Buffer: req.BufferName, Metadata: req.Metadata, Timestamp: req.Timestamp}
	releases, err := s.topics.Publish(ctx, req.TopicName, msg, func(sharers int) error {
		return s.buffers.SetRefCount(req.BufferName, sharers)
	})
	s.apply(ctx, releases)
	if err != nil {
		s.fail(ctx, "publish", err, fields...)
		return api.StandardReply{Result: api.ResultFailed}
	}
	s.ok(ctx, "publish", fields...)
	return api.StandardReply{Result: api.ResultOK}
}

// GetSubscriberCount returns the live subscriber count. Unregistered topics
// report zero subscribers.
func (s *Service) GetSubscriberCount(ctx context.Context, req api.SubscriberCountRequest) api.SubscriberCountReply {
	count, err := s.topics.SubscriberCount(req.TopicName)
	if err != nil && !errs.Is(err, errs.CodeNotRegistered) {
		s.fail(ctx, "subscriber_count", err, observability.F("topic", req.TopicName))
		return api.SubscriberCountReply{Result: api.ResultFailed}
	}
	s.count(ctx, "subscriber_count", api.ResultOK)
	return api.SubscriberCountReply{NumSubs: uint32(count), Result: api.ResultOK}
}

// Subscribe registers a subscriber, waiting for a dependency queue if needed.
func (s *Service) Subscribe(ctx context.Context, req api.SubscribeRequest) api.StandardReply {
	fields := []observability.Field{
		observability.F("topic", req.TopicName),
		observability.F("subscriber", req.SubscriberName),
		observability.F("dependencies", len(req.Dependencies)),
	}
	if err := s.topics.Subscribe(ctx, req.TopicName, req.SubscriberName, req.Dependencies, int(req.MaxQueueSize)); err != nil {
		s.fail(ctx, "subscribe", err, fields...)
		return api.StandardReply{Result: api.ResultFailed}
	}
	observability.Log().Info("subscribed", fields...)
	s.count(ctx, "subscribe", api.ResultOK)
	return api.StandardReply{Result: api.ResultOK}
}

// Pull returns the next message for a subscriber. The subscriber's previous
// pull is settled and processed entries of its queue are collected first. If ctx ends after an item was
// taken, the cursor is rewound so the item is delivered again.
func (s *Service) Pull(ctx context.Context, req api.PullRequest) api.PullReply {
	fields := []observability.Field{
		observability.F("topic", req.TopicName),
		observability.F("subscriber", req.SubscriberName),
	}

	if releases, err := s.topics.ClearProcessed(req.TopicName, req.SubscriberName); err == nil {
		s.apply(ctx, releases)
	}

	msg, err := s.topics.Pull(ctx, req.TopicName, req.SubscriberName, PullTimeout(req.TimeoutMs))
	if err != nil {
		result := resultFor(err)
		if result == api.ResultTimeout {
			observability.Log().Debug("pull timed out", fields...)
			s.count(ctx, "pull", result)
		} else {
			s.fail(ctx, "pull", err, fields...)
		}
		return api.PullReply{Result: result}
	}

	if ctx.Err() != nil {
		if rewindErr := s.topics.CancelPull(req.TopicName, req.SubscriberName); rewindErr != nil {
			s.fail(ctx, "pull", rewindErr, fields...)
		}
		s.fail(ctx, "pull", errs.New("service", errs.CodeCancelled,
			errs.WithMessage("caller gone, pull rewound"),
			errs.WithCause(ctx.Err())), fields...)
		return api.PullReply{Result: api.ResultFailed}
	}

	s.ok(ctx, "pull", append(fields, observability.F("buffer", msg.Buffer))...)
	return api.PullReply{
		BufferName: msg.Buffer,
		Metadata:   msg.Metadata,
		Timestamp:  msg.Timestamp,
		Result:     api.ResultOK,
	}
}

// CancelPull undoes a subscriber's last unsettled pull.
func (s *Service) CancelPull(ctx context.Context, req api.CancelPullRequest) api.StandardReply {
	if err := s.topics.CancelPull(req.TopicName, req.SubscriberName); err != nil {
		s.fail(ctx, "cancel_pull", err,
			observability.F("topic", req.TopicName),
			observability.F("subscriber", req.SubscriberName))
		return api.StandardReply{Result: api.ResultFailed}
	}
	s.count(ctx, "cancel_pull", api.ResultOK)
	return api.StandardReply{Result: api.ResultOK}
}

// Topics describes every registered topic and its queues.
func (s *Service) Topics(ctx context.Context) api.TopicsReply {
	topics := s.topics.Topics()
	out := make([]api.TopicInfo, 0, len(topics))
	for _, t := range topics {
		stats := t.Stats()
		queues := make([]api.QueueInfo, 0, len(stats))
		for _, q := range stats {
			queues = append(queues, api.QueueInfo{
				Owner:   q.Owner,
				MaxSize: q.MaxSize,
				Length:  q.Length,
				Cursors: q.Cursors,
			})
		}
		out = append(out, api.TopicInfo{
			Name:        t.Name(),
			Drop:        t.Drop(),
			Subscribers: t.SubscriberCount(),
			Queues:      queues,
		})
	}
	s.count(ctx, "topics", api.ResultOK)
	return api.TopicsReply{Topics: out, Result: api.ResultOK}
}

// Close destroys every live buffer.
func (s *Service) Close() error {
	return s.buffers.ReleaseAll()
}

// maxTimeoutMs is the largest wire timeout representable as a Duration.
const maxTimeoutMs = math.MaxInt64 / int64(time.Millisecond)

// PullTimeout converts a wire timeout in milliseconds: negative waits
// forever, zero polls once. Timeouts beyond the Duration range are clamped.
func PullTimeout(ms int64) time.Duration {
	switch {
	case ms < 0:
		return -1
	case ms == 0:
		return 0
	case ms > maxTimeoutMs:
		return time.Duration(maxTimeoutMs) * time.Millisecond
	default:
		return time.Duration(ms) * time.Millisecond
	}
}

// apply hands queue releases to the buffer registry. Garbage-collected
// references are left to client acknowledgements unless ReleaseOnCollect is set.
func (s *Service) apply(ctx context.Context, releases []schema.Release) {
	for _, rel := range releases {
		if !rel.Unconditional() && !s.cfg.ReleaseOnCollect {
			continue
		}
		if err := s.buffers.Release(rel.Buffer, rel.Count); err != nil {
			s.fail(ctx, "release", err,
				observability.F("buffer", rel.Buffer),
				observability.F("reason", string(rel.Reason)))
			continue
		}
		observability.Log().Debug("buffer references released",
			observability.F("buffer", rel.Buffer),
			observability.F("count", rel.Count),
			observability.F("reason", string(rel.Reason)))
	}
}

func (s *Service) ok(ctx context.Context, op string, fields ...observability.Field) {
	observability.Log().Debug(op, fields...)
	s.count(ctx, op, api.ResultOK)
}

func (s *Service) fail(ctx context.Context, op string, err error, fields ...observability.Field) {
	fields = append(fields,
		observability.F("operation", op),
		observability.F("code", string(errs.CodeOf(err))),
		observability.F("error", err))
	observability.Log().Error("operation failed", fields...)
	s.count(ctx, op, resultFor(err))
}

func (s *Service) count(ctx context.Context, op string, result int32) {
	if s.opCounter == nil {
		return
	}
	s.opCounter.Add(ctx, 1, metric.WithAttributes(telemetry.OperationAttributes(op, resultName(result))...))
}

func resultFor(err error) int32 {
	switch {
	case err == nil:
		return api.ResultOK
	case errs.Is(err, errs.CodeTimeout):
		return api.ResultTimeout
	default:
		return api.ResultFailed
	}
}

func resultName(result int32) string {
	switch result {
	case api.ResultOK:
		return "success"
	case api.ResultTimeout:
		return "timeout"
	default:
		return "failed"
	}
}
