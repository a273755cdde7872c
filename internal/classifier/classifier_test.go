package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devplan/autopilot-executor/internal/domain"
)

func TestHTTP_Classify(t *testing.T) {
	label := "connection_error"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req classifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Mode {
		case modeStatus:
			_ = json.NewEncoder(w).Encode(classifyResponse{Label: label, RegionHash: "h1", Raw: "banner: connection failed"})
		case modeQueued:
			_ = json.NewEncoder(w).Encode(classifyResponse{Queued: true})
		}
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, time.Second)
	ctx := context.Background()

	got, err := c.Classify(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.LabelConnectionError, got.Label)
	assert.Equal(t, "h1", got.RegionHash)

	label = "SOMETHING_NEW"
	got, err = c.Classify(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.LabelUnknown, got.Label)

	queued, err := c.SendQueued(ctx)
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestHTTP_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewHTTP(srv.URL, time.Second)
	got, err := c.Classify(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrClassifierUnavailable))
	assert.Equal(t, domain.LabelUnknown, got.Label)

	queued, err := c.SendQueued(context.Background())
	assert.Error(t, err)
	assert.False(t, queued)
}

func TestDisabled(t *testing.T) {
	var d Disabled
	got, err := d.Classify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.LabelUnknown, got.Label)

	queued, err := d.SendQueued(context.Background())
	require.NoError(t, err)
	assert.False(t, queued)
}
