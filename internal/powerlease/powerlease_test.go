package powerlease

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonlo2/mucachefs/pkg/retry"
)

func TestAcquireReleaseSucceedAgainstHealthyServer(t *testing.T) {
	var acquireCalls, releaseCalls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acquire":
			atomic.AddInt32(&acquireCalls, 1)
		case "/release":
			atomic.AddInt32(&releaseCalls, 1)
		default:
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, TokenID: "tok", Timeout: time.Second, Retry: retry.DefaultConfig()}, nil)

	require.NoError(t, c.Acquire(context.Background()))
	require.NoError(t, c.Release(context.Background()))

	assert.EqualValues(t, 1, atomic.LoadInt32(&acquireCalls))
	assert.EqualValues(t, 1, atomic.LoadInt32(&releaseCalls))
}

func TestAcquireRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := retry.DefaultConfig()
	cfg.InitialDelay = 5 * time.Millisecond
	cfg.Jitter = false
	c := New(Config{Endpoint: srv.URL, TokenID: "tok", Timeout: time.Second, Retry: cfg}, nil)

	require.NoError(t, c.Acquire(context.Background()))
	assert.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestAcquireFailsPermanentlyAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.InitialDelay = 1 * time.Millisecond
	cfg.Jitter = false
	c := New(Config{Endpoint: srv.URL, TokenID: "tok", Timeout: time.Second, Retry: cfg}, nil)

	assert.Error(t, c.Acquire(context.Background()))
}
