package weather

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companionkit/engage/internal/retry"
)

func stubClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient("test-key", "beijing", zerolog.Nop())
	c.baseURL = srv.URL
	c.retry = retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return c
}

func TestNowParsesConditions(t *testing.T) {
	c := stubClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("key"))
		assert.Equal(t, "beijing", r.URL.Query().Get("location"))
		w.Write([]byte(`{"results":[{"location":{"name":"Beijing"},"now":{"text":"Sunny","temperature":"21"}}]}`))
	})

	report, err := c.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Beijing", report.Location)
	assert.Equal(t, "Sunny", report.Text)
	assert.Equal(t, "21", report.Temperature)
}

func TestNowEmptyResultsIsError(t *testing.T) {
	c := stubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	})
	_, err := c.Now(context.Background())
	assert.Error(t, err)
}

func TestNowRetriesServerErrors(t *testing.T) {
	calls := 0
	c := stubClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"results":[{"location":{"name":"Beijing"},"now":{"text":"Rain","temperature":"14"}}]}`))
	})

	report, err := c.Now(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "Rain", report.Text)
}

func TestDescribe(t *testing.T) {
	r := Report{Location: "Beijing", Text: "Sunny", Temperature: "21"}
	assert.Equal(t, "The weather in Beijing right now: Sunny, 21 degrees C.", r.Describe())
}
