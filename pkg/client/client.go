// Package client is a Go client for the shared-memory broker control plane.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/coachpo/shmbroker/internal/infra/codec"
	"github.com/coachpo/shmbroker/internal/infra/shm"
	"github.com/coachpo/shmbroker/pkg/api"
)

const (
	defaultMaxRetries       = 5
	defaultMaxRetryInterval = 2 * time.Second
	maxErrorBodyBytes       = 4 << 10
)

var (
	// ErrFailed is returned when the broker answers with the generic failure result.
	ErrFailed = errors.New("broker: operation failed")
	// ErrTimeout is returned when a pull produced no data before its deadline.
	ErrTimeout = errors.New("broker: pull timed out")
)

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	// MaxRetries bounds attempts for requests the broker never processed
	// (connection refused, rate limited).
	MaxRetries       uint
	MaxRetryInterval time.Duration
	// SegmentDir is where MapBuffer finds segments; defaults to /dev/shm.
	SegmentDir string
}

// Client talks to one broker.
type Client struct {
	baseURL  string
	http     *http.Client
	opts     Options
	segments *shm.Allocator
}

// New returns a client for the broker at baseURL (for example http://localhost:50051).
func New(baseURL string, opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("client: base url must be http or https: %q", baseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxRetryInterval <= 0 {
		opts.MaxRetryInterval = defaultMaxRetryInterval
	}
	return &Client{
		baseURL:  base,
		http:     opts.HTTPClient,
		opts:     opts,
		segments: shm.NewAllocator(opts.SegmentDir),
	}, nil
}

// CreateBuffer allocates a segment of size bytes and returns its name.
func (c *Client) CreateBuffer(ctx context.Context, size int64) (string, error) {
	var reply api.CreateBufferReply
	if err := c.call(ctx, api.CreateBufferPath, api.CreateBufferRequest{Size: size}, &reply); err != nil {
		return "", err
	}
	if err := resultError(reply.Result); err != nil {
		return "", err
	}
	return reply.Name, nil
}

// GetBuffer returns the size of a live buffer.
func (c *Client) GetBuffer(ctx context.Context, name string) (int64, error) {
	var reply api.GetBufferReply
	if err := c.call(ctx, api.GetBufferPath, api.GetBufferRequest{Name: name}, &reply); err != nil {
		return 0, err
	}
	if err := resultError(reply.Result); err != nil {
		return 0, err
	}
	return reply.Size, nil
}

// ReleaseBuffer acknowledges one reference to a buffer.
func (c *Client) ReleaseBuffer(ctx context.Context, name string) error {
	return c.standard(ctx, api.ReleaseBufferPath, api.ReleaseBufferRequest{Name: name})
}

// RegisterTopic creates a topic with the broker's default policy.
func (c *Client) RegisterTopic(ctx context.Context, name string) error {
	return c.standard(ctx, api.RegisterTopicPath, api.RegisterTopicRequest{Name: name})
}

// RegisterTopicWithPolicy creates a topic with an explicit drop policy.
func (c *Client) RegisterTopicWithPolicy(ctx context.Context, name string, drop bool) error {
	return c.standard(ctx, api.RegisterTopicPath, api.RegisterTopicRequest{Name: name, Drop: &drop})
}

// Publish fans a buffer out to a topic.
func (c *Client) Publish(ctx context.Context, req api.PublishRequest) error {
	return c.standard(ctx, api.PublishPath, req)
}

// SubscriberCount returns the number of live subscribers of a topic.
func (c *Client) SubscriberCount(ctx context.Context, topic string) (uint32, error) {
	var reply api.SubscriberCountReply
	if err := c.call(ctx, api.SubscriberCountPath, api.SubscriberCountRequest{TopicName: topic}, &reply); err != nil {
		return 0, err
	}
	if err := resultError(reply.Result); err != nil {
		return 0, err
	}
	return reply.NumSubs, nil
}

// Subscribe registers a subscriber; it blocks while dependencies are unresolved.
func (c *Client) Subscribe(ctx context.Context, req api.SubscribeRequest) error {
	return c.standard(ctx, api.SubscribePath, req)
}

// timeoutMillis rounds a positive timeout up to whole milliseconds so a
// short wait never turns into a poll.
func timeoutMillis(timeout time.Duration) int64 {
	switch {
	case timeout < 0:
		return -1
	case timeout == 0:
		return 0
	}
	ms := timeout.Milliseconds()
	if timeout%time.Millisecond != 0 {
		ms++
	}
	return ms
}

// Pull reads the next message. timeout < 0 waits until ctx ends, 0 polls.
func (c *Client) Pull(ctx context.Context, topic, subscriber string, timeout time.Duration) (api.PullReply, error) {
	req := api.PullRequest{TopicName: topic, SubscriberName: subscriber, TimeoutMs: timeoutMillis(timeout)}
	var reply api.PullReply
	if err := c.call(ctx, api.PullPath, req, &reply); err != nil {
		return api.PullReply{}, err
	}
	if err := resultError(reply.Result); err != nil {
		return api.PullReply{}, err
	}
	return reply, nil
}

// CancelPull rewinds the subscriber so the last pulled message is delivered again.
func (c *Client) CancelPull(ctx context.Context, topic, subscriber string) error {
	return c.standard(ctx, api.CancelPullPath, api.CancelPullRequest{TopicName: topic, SubscriberName: subscriber})
}

// Topics lists registered topics.
func (c *Client) Topics(ctx context.Context) ([]api.TopicInfo, error) {
	var reply api.TopicsReply
	if err := c.do(ctx, http.MethodGet, api.TopicsPath, nil, &reply); err != nil {
		return nil, err
	}
	if err := resultError(reply.Result); err != nil {
		return nil, err
	}
	return reply.Topics, nil
}

// MapBuffer maps a broker segment into this process for reading and writing.
func (c *Client) MapBuffer(name string) (*shm.Mapping, error) {
	return c.segments.Map(name)
}

func (c *Client) standard(ctx context.Context, path string, req any) error {
	var reply api.StandardReply
	if err := c.call(ctx, path, req, &reply); err != nil {
		return err
	}
	return resultError(reply.Result)
}

func (c *Client) call(ctx context.Context, path string, req, reply any) error {
	body, err := codec.Encode(req)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, reply)
}

// do issues a request, retrying only when the broker never handled it.
func (c *Client) do(ctx context.Context, method, path string, body []byte, reply any) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = c.opts.MaxRetryInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.once(ctx, method, path, body, reply)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(c.opts.MaxRetries))
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, reply any) error {
	var payload io.Reader
	if body != nil {
		payload = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return backoff.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return err
		}
		return backoff.Permanent(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%s %s: rate limited", method, path)
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return backoff.Permanent(fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	if err := json.NewDecoder(resp.Body).Decode(reply); err != nil {
		return backoff.Permanent(fmt.Errorf("%s %s: decode reply: %w", method, path, err))
	}
	return nil
}

func resultError(result int32) error {
	switch result {
	case api.ResultOK:
		return nil
	case api.ResultTimeout:
		return ErrTimeout
	default:
		return ErrFailed
	}
}
