package request

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fmtmgo/pkg/errdefs"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient() *Client {
	return New(Options{
		BaseDelay:     5 * time.Millisecond,
		MaxDelay:      20 * time.Millisecond,
		RatePerSecond: 1000,
		Burst:         10,
		Logger:        quietLogger(),
	})
}

func TestDo_Sequential(t *testing.T) {
	var conc, maxConc int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&conc, 1)
		defer atomic.AddInt32(&conc, -1)
		for {
			m := atomic.LoadInt32(&maxConc)
			if cur <= m || atomic.CompareAndSwapInt32(&maxConc, m, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		_, _ = w.Write([]byte("ok"))
	}))
	defer svr.Close()

	client := testClient()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			body, err := client.Get(context.Background(), svr.URL, nil)
			assert.NoError(t, err)
			assert.Equal(t, "ok", string(body))
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxConc), "same-host requests must not overlap")
}

func TestDo_RetryResendsBody(t *testing.T) {
	var attempts int32
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"a":1}`, string(b))
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("success"))
	}))
	defer svr.Close()

	body, err := testClient().Post(context.Background(), svr.URL, []byte(`{"a":1}`), nil)
	require.NoError(t, err)
	assert.Equal(t, "success", string(body))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

func TestDo_StatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		attempts int32
		want     error
	}{
		{"client error is not retried", http.StatusForbidden, 1, errdefs.ErrExternal},
		{"not found", http.StatusNotFound, 1, errdefs.ErrNotFound},
		{"server error exhausts retries", http.StatusBadGateway, 3, errdefs.ErrExternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts int32
			svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&attempts, 1)
				http.Error(w, "nope", tt.status)
			}))
			defer svr.Close()

			_, err := testClient().Get(context.Background(), svr.URL, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.Code)
			assert.Equal(t, tt.attempts, atomic.LoadInt32(&attempts))
		})
	}
}

func TestDo_Headers(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin@fmtm.dev", user)
		assert.Equal(t, "secret", pass)
		assert.Contains(t, r.UserAgent(), "fmtmgo/")
		assert.Equal(t, http.MethodPatch, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer svr.Close()

	_, err := testClient().Patch(context.Background(), svr.URL, []byte("{}"), BasicAuth("admin@fmtm.dev", "secret"))
	require.NoError(t, err)
}

func TestDo_ContextCancelled(t *testing.T) {
	svr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer svr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := testClient().Get(ctx, svr.URL, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestDo_InvalidURL(t *testing.T) {
	_, err := testClient().Get(context.Background(), "://bad", nil)
	assert.ErrorIs(t, err, errdefs.ErrValidation)
}
