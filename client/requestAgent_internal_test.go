package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/plgd-dev/mobile-auth/challenge"
	pkgErrors "github.com/plgd-dev/mobile-auth/pkg/errors"
	pkgHTTP "github.com/plgd-dev/mobile-auth/pkg/net/http/client"
	"github.com/plgd-dev/mobile-auth/uri"
	"github.com/stretchr/testify/require"
)

func TestUnwrapSecureJSON(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "wrapped",
			body: uri.SecureJSONPrefix + `{"a":1}` + uri.SecureJSONSuffix,
			want: `{"a":1}`,
		},
		{
			name: "plain",
			body: `{"a":1}`,
			want: `{"a":1}`,
		},
		{
			name: "prefix only",
			body: uri.SecureJSONPrefix + `{"a":1}`,
			want: uri.SecureJSONPrefix + `{"a":1}`,
		},
		{
			name: "empty",
			body: "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, string(unwrapSecureJSON([]byte(tt.body))))
		})
	}
}

func newTestAgent(t *testing.T, endpoint string, handlers map[string]*challenge.Handler) *requestAgent {
	cfg := &Config{
		Endpoint: endpoint,
		TenantID: "test-tenant",
		HTTP: pkgHTTP.Config{
			Timeout: time.Second * 5,
		},
	}
	httpClient := pkgHTTP.New(cfg.HTTP)
	t.Cleanup(httpClient.Close)
	return newRequestAgent(httpClient, cfg, "test-session", func(realm string) (*challenge.Handler, bool) {
		h, ok := handlers[realm]
		return h, ok
	})
}

func TestPlain401IsServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("WWW-Authenticate", "Basic")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	agent := newTestAgent(t, srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	_, err := agent.sendAwait(ctx, uri.Authorization, agentOptions{Method: http.MethodGet})
	require.Error(t, err)
	require.True(t, errors.Is(err, pkgErrors.ErrServer))
}

func TestRedirectWithoutLocationIsProtocolFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	t.Cleanup(srv.Close)

	agent := newTestAgent(t, srv.URL, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	_, err := agent.sendAwait(ctx, uri.Authorization, agentOptions{Method: http.MethodGet})
	require.Error(t, err)
	require.True(t, errors.Is(err, pkgErrors.ErrProtocol))
}

type loopListener struct {
	handler *challenge.Handler
	prompts int
}

func (l *loopListener) OnChallengeReceived(_ string, _ json.RawMessage) {
	l.prompts++
	l.handler.SubmitAnswer(json.RawMessage(`{"pin":"1234"}`))
}

func (l *loopListener) OnSuccess(string, json.RawMessage) {}
func (l *loopListener) OnFailure(string, json.RawMessage) {}

func TestConsecutiveAuthorizationRequiredIsBounded(t *testing.T) {
	// the server keeps demanding the same challenge no matter the answer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("WWW-Authenticate", uri.CompositeChallenge)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprintf(w, "%s%s%s", uri.SecureJSONPrefix, `{"challenges":{"loop":{}}}`, uri.SecureJSONSuffix)
	}))
	t.Cleanup(srv.Close)

	listener := &loopListener{}
	handlers := map[string]*challenge.Handler{}
	listener.handler = challenge.NewHandler("loop", listener)
	handlers["loop"] = listener.handler

	agent := newTestAgent(t, srv.URL, handlers)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	_, err := agent.sendAwait(ctx, uri.Authorization, agentOptions{Method: http.MethodGet})
	require.Error(t, err)
	require.True(t, errors.Is(err, pkgErrors.ErrProtocol))
	require.Equal(t, DefaultMaxAuthorizationRequired, listener.prompts)
}
