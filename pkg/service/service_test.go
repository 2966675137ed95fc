package service

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

type defaultExport struct{}

func (defaultExport) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: 200}, nil
}

type mathEntrypoint struct{ env any }

func (m *mathEntrypoint) Add(a, b int) int { return a + b }

func TestUnwiredCallFails(t *testing.T) {
	b := New("MATH", "")
	require.False(t, b.IsWired())
	_, err := b.Fetch(context.Background(), httpRequest())
	require.Error(t, err)
}

func TestFetchModeInvokesDefaultExport(t *testing.T) {
	b := New("API", "")
	b.Wire(&Module{Default: defaultExport{}}, "env")
	require.True(t, b.IsWired())

	resp, err := b.Fetch(context.Background(), httpRequest())
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
}

func TestRPCModeInvokesNamedEntrypoint(t *testing.T) {
	b := New("MATH", "MathService")
	b.Wire(&Module{
		Entrypoints: map[string]EntrypointFactory{
			"MathService": func(env any) any { return &mathEntrypoint{env: env} },
		},
	}, "target-env")

	out, err := b.Call(context.Background(), "Add", 2, 3)
	require.NoError(t, err)
	require.Equal(t, int64(5), out[0].Int())
}

func httpRequest() *http.Request {
	req, _ := http.NewRequest(http.MethodGet, "http://internal/", nil)
	return req
}
