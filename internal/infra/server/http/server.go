// Package httpserver exposes the broker control plane over JSON/HTTP and a
// websocket pull stream.
package httpserver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/shmbroker/internal/infra/codec"
	"github.com/coachpo/shmbroker/internal/infra/telemetry"
	"github.com/coachpo/shmbroker/internal/observability"
	"github.com/coachpo/shmbroker/pkg/api"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	defaultStreamPollInterval = time.Second
	streamWriteTimeout        = 5 * time.Second

	unknownRoute = "unknown"
)

// Broker is the set of control-plane operations served over HTTP.
type Broker interface {
	CreateBuffer(ctx context.Context, req api.CreateBufferRequest) api.CreateBufferReply
	GetBuffer(ctx context.Context, req api.GetBufferRequest) api.GetBufferReply
	ReleaseBuffer(ctx context.Context, req api.ReleaseBufferRequest) api.StandardReply
	RegisterTopic(ctx context.Context, req api.RegisterTopicRequest) api.StandardReply
	Publish(ctx context.Context, req api.PublishRequest) api.StandardReply
	GetSubscriberCount(ctx context.Context, req api.SubscriberCountRequest) api.SubscriberCountReply
	Subscribe(ctx context.Context, req api.SubscribeRequest) api.StandardReply
	Pull(ctx context.Context, req api.PullRequest) api.PullReply
	CancelPull(ctx context.Context, req api.CancelPullRequest) api.StandardReply
	Topics(ctx context.Context) api.TopicsReply
}

// Options tunes the handler.
type Options struct {
	// RateLimit is the sustained request rate per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
	// StreamPollInterval bounds each pull issued by the websocket stream.
	StreamPollInterval time.Duration
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	broker       Broker
	pollInterval time.Duration

	requestCounter metric.Int64Counter
}

// NewHandler creates an HTTP handler serving every control-plane route.
func NewHandler(broker Broker, opts Options) http.Handler {
	server := &httpServer{broker: broker, pollInterval: opts.StreamPollInterval}
	if server.pollInterval <= 0 {
		server.pollInterval = defaultStreamPollInterval
	}
	meter := otel.Meter("httpserver")
	server.requestCounter, _ = meter.Int64Counter("server.requests",
		metric.WithDescription("Control-plane HTTP requests by route"),
		metric.WithUnit("{request}"))

	mux := http.NewServeMux()
	mux.Handle(api.CreateBufferPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: unary(broker.CreateBuffer),
	}))
	mux.Handle(api.GetBufferPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: unary(broker.GetBuffer),
	}))
	mux.Handle(api.ReleaseBufferPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: unary(broker.ReleaseBuffer),
	}))
	mux.Handle(api.RegisterTopicPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: unary(broker.RegisterTopic),
	}))
	mux.Handle(api.PublishPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: unary(broker.Publish),
	}))
	mux.Handle(api.SubscriberCountPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: unary(broker.GetSubscriberCount),
	}))
	mux.Handle(api.SubscribePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: unary(broker.Subscribe),
	}))
	mux.Handle(api.PullPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: unary(broker.Pull),
	}))
	mux.Handle(api.CancelPullPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: unary(broker.CancelPull),
	}))
	mux.Handle(api.TopicsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listTopics,
	}))
	mux.Handle(api.StreamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stream,
	}))

	var handler http.Handler = mux
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = max(int(opts.RateLimit), 1)
		}
		handler = withRateLimit(rate.NewLimiter(rate.Limit(opts.RateLimit), burst), handler)
	}
	return server.withMetrics(mux, handler)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

// unary adapts a request/reply operation to a JSON POST handler. Replies are
// always 200; failures travel in the reply's result code.
func unary[Req, Reply any](op func(context.Context, Req) Reply) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limitRequestBody(w, r)
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeDecodeError(w, err)
			return
		}
		var req Req
		if err := codec.Decode(bytes.NewReader(body), &req); err != nil {
			writeDecodeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, op(r.Context(), req))
	}
}

func (s *httpServer) listTopics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Topics(r.Context()))
}

// stream pulls continuously for one subscriber and writes each message as a
// text frame. A frame that cannot be written is rewound so the next pull
// delivers it again.
func (s *httpServer) stream(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	topic := strings.TrimSpace(query.Get(api.StreamTopicParam))
	subscriber := strings.TrimSpace(query.Get(api.StreamSubscriberParam))
	if topic == "" || subscriber == "" {
		writeError(w, http.StatusBadRequest, "topic and subscriber required")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		observability.Log().Error("stream accept failed",
			observability.F("topic", topic),
			observability.F("subscriber", subscriber),
			observability.F("error", err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	pull := api.PullRequest{
		TopicName:      topic,
		SubscriberName: subscriber,
		TimeoutMs:      s.pollInterval.Milliseconds(),
	}
	observability.Log().Info("stream opened",
		observability.F("topic", topic),
		observability.F("subscriber", subscriber))

	for {
		reply := s.broker.Pull(ctx, pull)
		switch reply.Result {
		case api.ResultTimeout:
			continue
		case api.ResultOK:
		default:
			if ctx.Err() != nil {
				return
			}
			_ = conn.Close(websocket.StatusPolicyViolation, "pull failed")
			return
		}

		payload, err := codec.Encode(reply)
		if err != nil {
			s.rewind(topic, subscriber)
			_ = conn.Close(websocket.StatusInternalError, "encode failed")
			return
		}
		writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			s.rewind(topic, subscriber)
			if !errors.Is(err, context.Canceled) {
				observability.Log().Info("stream closed",
					observability.F("topic", topic),
					observability.F("subscriber", subscriber),
					observability.F("error", err))
			}
			return
		}
	}
}

func (s *httpServer) rewind(topic, subscriber string) {
	s.broker.CancelPull(context.Background(), api.CancelPullRequest{TopicName: topic, SubscriberName: subscriber})
}

func (s *httpServer) withMetrics(mux *http.ServeMux, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.requestCounter != nil {
			s.requestCounter.Add(r.Context(), 1, metric.WithAttributes(
				telemetry.OperationAttributes(routeLabel(mux, r), "")...))
		}
		handler.ServeHTTP(w, r)
	})
}

// routeLabel names the registered route serving r, so unmatched paths share
// one metric series.
func routeLabel(mux *http.ServeMux, r *http.Request) string {
	if _, pattern := mux.Handler(r); pattern != "" {
		return pattern
	}
	return unknownRoute
}

func withRateLimit(limiter *rate.Limiter, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = codec.Write(w, payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
