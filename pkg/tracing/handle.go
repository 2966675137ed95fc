package tracing

import (
	"context"
	"reflect"
)

// Handle wraps one binding instance so every method call on it starts and
// ends a span. Go has no dynamic-proxy construct that implements a binding's exact
// interface at runtime, so Handle exposes a single reflective Call instead
// of a generated per-binding wrapper type; the dispatch core's env slots
// for the binding kinds it traces hold Handles, and invocation goes
// through Call by method name.
type Handle struct {
	tracer Tracer
	kind   string
	slot   string
	target any
}

// Wrap returns a traced Handle over target, a binding instance such as
// *kv.Namespace or *r2.Bucket. kind is the binding kind ("kv", "r2", ...)
// and slot is the configured binding name; both become span attributes.
func Wrap(tracer Tracer, kind, slot string, target any) *Handle {
	return &Handle{tracer: tracer, kind: kind, slot: slot, target: target}
}

// Target returns the wrapped binding instance, for callers that need the
// concrete type directly; calls made on it record no span.
func (h *Handle) Target() any {
	return h.target
}

// Call invokes method on the wrapped target, publishing a span that
// records kind, slot, method, and (when the first argument is a string) a
// "key" attribute, matching spec.md's span-attribute contract.
func (h *Handle) Call(ctx context.Context, method string, args ...any) ([]reflect.Value, error) {
	attrs := map[string]string{"kind": h.kind, "slot": h.slot, "method": method}
	if len(args) > 0 {
		if key, ok := args[0].(string); ok {
			attrs["key"] = key
		}
	}
	return Call(ctx, h.tracer, attrs, h.target, method, args...)
}
