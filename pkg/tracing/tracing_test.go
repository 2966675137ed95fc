package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/bunflare/pkg/events"
)

type mathTarget struct{}

func (mathTarget) Add(a, b int) int { return a + b }

func (mathTarget) Fail() error { return errors.New("boom") }

func TestCallPublishesStartAndEndEvents(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	tracer := NewEventTracer(broker)

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	out, err := Call(context.Background(), tracer, map[string]string{"kind": "test", "method": "Add"}, mathTarget{}, "Add", 2, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), out[0].Int())

	started := <-sub
	require.Equal(t, events.EventSpanStarted, started.Type)
	ended := <-sub
	require.Equal(t, events.EventSpanEnded, ended.Type)
	require.NotContains(t, ended.Metadata, "error")
}

func TestCallRecordsErrorReturnValue(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	tracer := NewEventTracer(broker)
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	_, err := Call(context.Background(), tracer, map[string]string{"method": "Fail"}, mathTarget{}, "Fail")
	require.NoError(t, err)

	<-sub // started
	ended := <-sub
	require.Equal(t, "boom", ended.Metadata["error"])
}

func TestCallUnknownMethodReturnsError(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	tracer := NewEventTracer(broker)

	_, err := Call(context.Background(), tracer, map[string]string{"method": "Missing"}, mathTarget{}, "Missing")
	require.Error(t, err)
}

func TestPersistErrorPublishesEvent(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	tracer := NewEventTracer(broker)
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	tracer.PersistError(context.Background(), errors.New("oops"), map[string]string{"slot": "API"})

	evt := <-sub
	require.Equal(t, events.EventErrorReported, evt.Type)
	require.Equal(t, "oops", evt.Metadata["error"])
	require.Equal(t, "API", evt.Metadata["slot"])
}

func TestInstrumentedTransportCapturesTextBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	tracer := NewEventTracer(broker)
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	client := &http.Client{Transport: NewInstrumentedTransport(tracer, nil)}
	resp, err := client.Post(server.URL, "application/json", strings.NewReader(`{"in":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	<-sub // started
	select {
	case ended := <-sub:
		require.Equal(t, events.EventSpanEnded, ended.Type)
		require.Contains(t, ended.Metadata["response.body"], "ok")
	case <-time.After(time.Second):
		t.Fatal("no span ended event")
	}
}

func TestHandleCallPublishesSpanWithKindAndSlot(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	tracer := NewEventTracer(broker)
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	h := Wrap(tracer, "math", "MATH", mathTarget{})
	out, err := h.Call(context.Background(), "Add", 2, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), out[0].Int())

	started := <-sub
	require.Equal(t, "math", started.Metadata["kind"])
	require.Equal(t, "MATH", started.Metadata["slot"])
	<-sub // ended
}

func TestIsTextualClassifiesContentTypes(t *testing.T) {
	require.True(t, isTextual(""))
	require.True(t, isTextual("text/plain"))
	require.True(t, isTextual("application/json; charset=utf-8"))
	require.False(t, isTextual("image/png"))
	require.False(t, isTextual("application/octet-stream"))
}
