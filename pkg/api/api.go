// Package api defines the wire types of the shared-memory broker control plane.
package api

// Result codes carried by every reply.
const (
	ResultOK      int32 = 0
	ResultFailed  int32 = -1
	ResultTimeout int32 = -2
)

// Control-plane routes.
const (
	CreateBufferPath      = "/v1/buffers/create"
	GetBufferPath         = "/v1/buffers/get"
	ReleaseBufferPath     = "/v1/buffers/release"
	RegisterTopicPath     = "/v1/topics/register"
	PublishPath           = "/v1/topics/publish"
	SubscriberCountPath   = "/v1/topics/subscribers"
	SubscribePath         = "/v1/topics/subscribe"
	PullPath              = "/v1/topics/pull"
	CancelPullPath        = "/v1/topics/cancel"
	TopicsPath            = "/v1/topics"
	StreamPath            = "/v1/topics/stream"
	StreamTopicParam      = "topic"
	StreamSubscriberParam = "subscriber"
)

// StandardReply carries only a result code.
type StandardReply struct {
	Result int32 `json:"result"`
}

// CreateBufferRequest asks the broker to allocate a segment of Size bytes.
type CreateBufferRequest struct {
	Size int64 `json:"size"`
}

// CreateBufferReply returns the server-generated segment name.
type CreateBufferReply struct {
	Name   string `json:"name"`
	Result int32  `json:"result"`
}

// GetBufferRequest looks up a live buffer.
type GetBufferRequest struct {
	Name string `json:"name"`
}

// GetBufferReply returns the buffer size.
type GetBufferReply struct {
	Size   int64 `json:"size"`
	Result int32 `json:"result"`
}

// ReleaseBufferRequest drops one reference to a buffer.
type ReleaseBufferRequest struct {
	Name string `json:"name"`
}

// RegisterTopicRequest creates a topic. Drop selects the backpressure policy;
// nil applies the broker default.
type RegisterTopicRequest struct {
	Name string `json:"name"`
	Drop *bool  `json:"drop,omitempty"`
}

// PublishRequest fans a buffer out to every subscriber of a topic.
type PublishRequest struct {
	TopicName  string `json:"topic_name"`
	BufferName string `json:"buffer_name"`
	Metadata   []byte `json:"metadata,omitempty"`
	Timestamp  uint64 `json:"timestamp"`
}

// SubscriberCountRequest asks for the number of live subscribers.
type SubscriberCountRequest struct {
	TopicName string `json:"topic_name"`
}

// SubscriberCountReply carries the subscriber count.
type SubscriberCountReply struct {
	NumSubs uint32 `json:"num_subs"`
	Result  int32  `json:"result"`
}

// SubscribeRequest registers a subscriber. A non-empty Dependencies list makes
// it share the queue of the first dependency that has one.
type SubscribeRequest struct {
	TopicName      string   `json:"topic_name"`
	SubscriberName string   `json:"subscriber_name"`
	Dependencies   []string `json:"dependencies,omitempty"`
	MaxQueueSize   uint32   `json:"max_queue_size"`
}

// PullRequest reads the next message for a subscriber. TimeoutMs < 0 waits
// forever, 0 polls once.
type PullRequest struct {
	TopicName      string `json:"topic_name"`
	SubscriberName string `json:"subscriber_name"`
	TimeoutMs      int64  `json:"timeout_ms"`
}

// PullReply carries the pulled message.
type PullReply struct {
	BufferName string `json:"buffer_name"`
	Metadata   []byte `json:"metadata,omitempty"`
	Timestamp  uint64 `json:"timestamp"`
	Result     int32  `json:"result"`
}

// CancelPullRequest rewinds the subscriber cursor by one.
type CancelPullRequest struct {
	TopicName      string `json:"topic_name"`
	SubscriberName string `json:"subscriber_name"`
}

// QueueInfo describes one delivery queue.
type QueueInfo struct {
	Owner   string         `json:"owner"`
	MaxSize int            `json:"max_size"`
	Length  int            `json:"length"`
	Cursors map[string]int `json:"cursors"`
}

// TopicInfo describes a registered topic.
type TopicInfo struct {
	Name        string      `json:"name"`
	Drop        bool        `json:"drop"`
	Subscribers int         `json:"subscribers"`
	Queues      []QueueInfo `json:"queues"`
}

// TopicsReply lists registered topics.
type TopicsReply struct {
	Topics []TopicInfo `json:"topics"`
	Result int32       `json:"result"`
}
