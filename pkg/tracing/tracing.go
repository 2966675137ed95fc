package tracing

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/cuemby/bunflare/pkg/events"
	"github.com/cuemby/bunflare/pkg/log"
)

// Span represents one in-flight traced operation. End must be called
// exactly once, with the operation's outcome.
type Span interface {
	End(err error)
}

// Tracer starts spans and records errors. Implementations must never let
// a tracing failure propagate to the caller — spec.md requires the core
// keep working even when the trace store is unavailable.
type Tracer interface {
	StartSpan(ctx context.Context, attrs map[string]string) Span
	PersistError(ctx context.Context, err error, attrs map[string]string)
}

// EventTracer publishes span and error occurrences to an events.Broker
// rather than persisting them itself — persistence/storage lives outside
// this package, per spec.md.
type EventTracer struct {
	broker *events.Broker
}

// NewEventTracer returns a Tracer that publishes to broker.
func NewEventTracer(broker *events.Broker) *EventTracer {
	return &EventTracer{broker: broker}
}

type eventSpan struct {
	broker    *events.Broker
	attrs     map[string]string
	startedAt time.Time
}

func (t *EventTracer) StartSpan(ctx context.Context, attrs map[string]string) Span {
	snapshot := make(map[string]string, len(attrs))
	for k, v := range attrs {
		snapshot[k] = v
	}
	t.broker.Publish(&events.Event{
		Type:     events.EventSpanStarted,
		Message:  attrs["method"],
		Metadata: snapshot,
	})
	return &eventSpan{broker: t.broker, attrs: attrs, startedAt: time.Now()}
}

func (s *eventSpan) End(err error) {
	metadata := make(map[string]string, len(s.attrs)+1)
	for k, v := range s.attrs {
		metadata[k] = v
	}
	metadata["duration_ms"] = fmt.Sprintf("%d", time.Since(s.startedAt).Milliseconds())
	if err != nil {
		metadata["error"] = err.Error()
	}
	s.broker.Publish(&events.Event{
		Type:     events.EventSpanEnded,
		Message:  s.attrs["method"],
		Metadata: metadata,
	})
}

func (t *EventTracer) PersistError(ctx context.Context, err error, attrs map[string]string) {
	metadata := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		metadata[k] = v
	}
	metadata["error"] = err.Error()
	t.broker.Publish(&events.Event{
		Type:     events.EventErrorReported,
		Message:  err.Error(),
		Metadata: metadata,
	})
}

// NoopTracer discards every span and error. It needs no events.Broker; the
// dispatch tests pass it where no broker is running.
type NoopTracer struct{}

func (NoopTracer) StartSpan(ctx context.Context, attrs map[string]string) Span { return noopSpan{} }

func (NoopTracer) PersistError(ctx context.Context, err error, attrs map[string]string) {}

type noopSpan struct{}

func (noopSpan) End(err error) {}

// LogSubscriber starts a goroutine that logs every event published on
// broker until ctx is done, serving as the default "external store" when
// nothing else is listening — tracing failures never break the core, but
// they shouldn't vanish silently in local dev either.
func LogSubscriber(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	go func() {
		defer broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				logEvent(evt)
			}
		}
	}()
}

func logEvent(evt *events.Event) {
	entry := log.WithComponent("tracing").Debug()
	for k, v := range evt.Metadata {
		entry = entry.Str(k, v)
	}
	entry.Str("type", string(evt.Type)).Msg(evt.Message)
}

// Call performs a reflect-based dynamic dispatch to method on target,
// the same mechanism pkg/do and pkg/service use for named-export
// invocation, wrapped in a span. attrs should record binding kind, slot,
// and method; when the first argument is a string, callers should also
// set attrs["key"] to it, per spec.md's span-attribute contract.
func Call(ctx context.Context, tracer Tracer, attrs map[string]string, target any, method string, args ...any) ([]reflect.Value, error) {
	span := tracer.StartSpan(ctx, attrs)

	v := reflect.ValueOf(target)
	m := v.MethodByName(method)
	if !m.IsValid() {
		err := fmt.Errorf("tracing: %s has no method %q", v.Type(), method)
		span.End(err)
		return nil, err
	}

	in := make([]reflect.Value, len(args))
	for i, arg := range args {
		in[i] = reflect.ValueOf(arg)
	}
	out := m.Call(in)

	var callErr error
	if len(out) > 0 {
		last := out[len(out)-1]
		if last.Type().Implements(errorType) && !last.IsNil() {
			callErr = last.Interface().(error)
		}
	}
	span.End(callErr)
	return out, nil
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()
