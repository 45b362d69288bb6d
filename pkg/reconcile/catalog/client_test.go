package catalog_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scenesync/scenesync/pkg/reconcile/catalog"
	"github.com/scenesync/scenesync/pkg/reconcile/types"
)

func TestClientGetJSON(t *testing.T) {
	t.Run("retries server errors until success", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write([]byte(`{"answer": 42}`))
		}))
		defer srv.Close()

		client := catalog.NewClient("test", catalog.WithMaxTries(5), catalog.WithRateLimit(1000, 10))
		var out struct {
			Answer int `json:"answer"`
		}
		err := client.GetJSON(t.Context(), srv.URL, &out)
		require.NoError(t, err)
		require.Equal(t, 42, out.Answer)
		require.EqualValues(t, 3, calls.Load())
	})

	t.Run("gives up after max tries with a transient error", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		client := catalog.NewClient("test", catalog.WithMaxTries(3), catalog.WithRateLimit(1000, 10))
		var out struct{}
		err := client.GetJSON(t.Context(), srv.URL, &out)
		var transient types.TransientFetchError
		require.ErrorAs(t, err, &transient)
		require.Equal(t, "test", transient.Source())
		require.EqualValues(t, 3, calls.Load())
	})

	t.Run("does not retry authentication failures", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		client := catalog.NewClient("test", catalog.WithMaxTries(5), catalog.WithRateLimit(1000, 10))
		var out struct{}
		err := client.GetJSON(t.Context(), srv.URL, &out)
		var fatal types.FatalFetchError
		require.ErrorAs(t, err, &fatal)
		require.EqualValues(t, 1, calls.Load())
	})

	t.Run("undecodable body is fatal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<html>not json</html>"))
		}))
		defer srv.Close()

		client := catalog.NewClient("test", catalog.WithRateLimit(1000, 10))
		var out struct{}
		err := client.GetJSON(t.Context(), srv.URL, &out)
		var fatal types.FatalFetchError
		require.ErrorAs(t, err, &fatal)
		var transient types.TransientFetchError
		require.False(t, errors.As(err, &transient))
	})
}
