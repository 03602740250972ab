// Package telemetry provides OpenTelemetry initialization and attribute conventions for the broker.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to broker metrics.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrTopic names the topic a message was published to or pulled from.
	AttrTopic = attribute.Key("topic")
	// AttrSubscriber names the pulling subscriber.
	AttrSubscriber = attribute.Key("subscriber")
	// AttrOperation differentiates control-plane operations (publish, pull, create_buffer, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, timeout, not_found, ...).
	AttrResult = attribute.Key("result")
	// AttrReason explains why buffer references were released.
	AttrReason = attribute.Key("reason")
	// AttrPolicy labels queue metrics with the backpressure policy (block, drop).
	AttrPolicy = attribute.Key("policy")
)

// TopicAttributes returns common attributes for topic-scoped metrics.
func TopicAttributes(topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTopic.String(topic),
	}
}

// OperationAttributes returns attributes for control-plane operation metrics.
func OperationAttributes(operation, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrOperation.String(operation),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// PolicyName renders a drop flag as a policy label.
func PolicyName(drop bool) string {
	if drop {
		return "drop"
	}
	return "block"
}
