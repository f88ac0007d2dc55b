package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"carbon-ledger/pkg/errutil"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestPostJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["msg"]})
	}))
	defer srv.Close()

	wh := NewWebhook("test", srv.URL, time.Second, rate.Inf, 1)

	var out map[string]string
	require.NoError(t, wh.PostJSON(context.Background(), map[string]string{"msg": "hi"}, &out))
	require.Equal(t, "hi", out["echo"])
}

func TestPostJSONErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := NewWebhook("test", srv.URL, time.Second, rate.Inf, 1).PostJSON(context.Background(), struct{}{}, nil)
	require.Error(t, err)
	require.Equal(t, errutil.StatusBadGateway, errutil.As(err).Code)

	err = NewWebhook("test", "", time.Second, rate.Inf, 1).PostJSON(context.Background(), struct{}{}, nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestPostJSONRejection(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusUnprocessableEntity)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"error":"account closed"}`))
	}))
	defer srv.Close()

	wh := NewWebhook("test", srv.URL, time.Second, rate.Inf, 1)

	err := wh.PostJSON(context.Background(), struct{}{}, nil)
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "account closed")

	for _, code := range []int{http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusInternalServerError} {
		status.Store(int32(code))
		err = wh.PostJSON(context.Background(), struct{}{}, nil)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrRejected, "status %d is retryable", code)
		require.Equal(t, errutil.StatusBadGateway, errutil.As(err).Code)
	}
}
