// Package telemetry provides semantic conventions and OpenTelemetry wiring for
// the regmesh fabric.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for fabric telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEventType annotates instruments with the integration event type (e.g. BatchCompleted).
	AttrEventType = attribute.Key("event.type")
	// AttrSourceModule identifies the bounded context that produced the event.
	AttrSourceModule = attribute.Key("source.module")
	// AttrModule identifies the bounded context running the instrumented component.
	AttrModule = attribute.Key("module")
	// AttrTopic captures the cross-module bus topic.
	AttrTopic = attribute.Key("topic")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrErrorKind categorizes failures by fabric error kind (transient, schema, ...).
	AttrErrorKind = attribute.Key("error.kind")
	// AttrReplay flags deliveries performed under inbox replay.
	AttrReplay = attribute.Key("replay")
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrStatus carries an outbox/inbox row status (PENDING, PROCESSING, ...).
	AttrStatus = attribute.Key("status")
)

// Result values
const (
	ResultSuccess   = "success"
	ResultDuplicate = "duplicate"
	ResultRetry     = "retry"
	ResultTerminal  = "terminal"
	ResultSkipped   = "skipped"
)

// EventAttributes returns common attributes for event delivery metrics.
func EventAttributes(environment, module, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrModule.String(module),
		AttrEventType.String(eventType),
	}
}

// ResultAttributes returns attributes for operation metrics with result classification.
func ResultAttributes(environment, module, eventType, result string) []attribute.KeyValue {
	return append(EventAttributes(environment, module, eventType), AttrResult.String(result))
}

// ErrorAttributes returns attributes for failure metrics.
func ErrorAttributes(environment, module, eventType, errorKind string) []attribute.KeyValue {
	return append(EventAttributes(environment, module, eventType), AttrErrorKind.String(errorKind))
}
