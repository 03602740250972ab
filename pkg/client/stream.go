package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/shmbroker/pkg/api"
)

const maxReconnectInterval = 5 * time.Second

// Handler consumes one streamed message. Returning an error ends the stream.
type Handler func(api.PullReply) error

// Stream delivers every message for subscriber to handle until ctx ends or
// handle fails. Dropped connections are re-established with exponential
// backoff; the broker rewinds any message it could not write.
func (c *Client) Stream(ctx context.Context, topic, subscriber string, handle Handler) error {
	target, err := c.streamURL(topic, subscriber)
	if err != nil {
		return err
	}

	dialOpts := &websocket.DialOptions{}
	if c.http.Timeout == 0 {
		dialOpts.HTTPClient = c.http
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxReconnectInterval

	for {
		conn, _, err := websocket.Dial(ctx, target, dialOpts)
		if err == nil {
			policy.Reset()
			err = c.consume(ctx, conn, handle)
			conn.CloseNow()
			var handlerErr *handlerError
			if errors.As(err, &handlerErr) {
				return handlerErr.err
			}
			if websocket.CloseStatus(err) == websocket.StatusPolicyViolation {
				return fmt.Errorf("%w: stream rejected: %v", ErrFailed, err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

type handlerError struct{ err error }

func (e *handlerError) Error() string { return e.err.Error() }

func (c *Client) consume(ctx context.Context, conn *websocket.Conn, handle Handler) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var reply api.PullReply
		if err := json.Unmarshal(data, &reply); err != nil {
			return &handlerError{err: fmt.Errorf("decode stream frame: %w", err)}
		}
		if err := handle(reply); err != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "handler stopped")
			return &handlerError{err: err}
		}
	}
}

func (c *Client) streamURL(topic, subscriber string) (string, error) {
	u, err := url.Parse(c.baseURL + api.StreamPath)
	if err != nil {
		return "", fmt.Errorf("stream url: %w", err)
	}
	u.Scheme = "ws" + strings.TrimPrefix(u.Scheme, "http")
	q := u.Query()
	q.Set(api.StreamTopicParam, topic)
	q.Set(api.StreamSubscriberParam, subscriber)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
