package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/types"
)

func TestClientDecodesErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"code":    errdefs.CodeNotFound,
				"message": "resource missing",
			},
		})
	}))
	defer ts.Close()

	_, err := New(ts.URL).GetResource(context.Background(), "r1")
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Equal(t, "resource missing", err.Error())
}

func TestClientSendsActorHeaders(t *testing.T) {
	var gotID, gotKind string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("X-Actor-Id")
		gotKind = r.Header.Get("X-Actor-Kind")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.BuildResult{BuildID: "b1"})
	}))
	defer ts.Close()

	c := New(ts.URL).WithActor(types.Actor{ID: "agent-7", Name: "agent-7", Kind: types.ActorKindAgent})
	result, err := c.RequestBuild(context.Background(), []string{"core"}, types.BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b1", result.BuildID)
	assert.Equal(t, "agent-7", gotID)
	assert.Equal(t, string(types.ActorKindAgent), gotKind)
}

func TestClientNonEnvelopeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	err := New(ts.URL).Healthz(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
