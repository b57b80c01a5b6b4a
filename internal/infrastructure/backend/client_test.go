package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FreePeak/device-relay-gateway/internal/domain"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestClient(t *testing.T, handler http.HandlerFunc, sleeps *recordedSleeps) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.IdentityURL = srv.URL + "/identity"
	cfg.StatusURL = srv.URL + "/status"

	opts := []Option{}
	if sleeps != nil {
		opts = append(opts, WithSleep(sleeps.sleep))
	}
	return NewClient(cfg, opts...)
}

func TestAuthenticateSendsForm(t *testing.T) {
	var gotAction, gotUser, gotPass, gotContentType string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		gotContentType = r.Header.Get("Content-Type")
		gotAction = r.PostForm.Get("action")
		gotUser = r.PostForm.Get("username")
		gotPass = r.PostForm.Get("password")
		fmt.Fprint(w, `{"success":true,"device_name":"D1","primary_on":false}`)
	}, nil)

	result, err := client.Authenticate(context.Background(), domain.Credentials{Username: "dev-1", Password: "secret"})
	require.NoError(t, err)

	assert.Equal(t, "application/x-www-form-urlencoded", gotContentType)
	assert.Equal(t, "device_login", gotAction)
	assert.Equal(t, "dev-1", gotUser)
	assert.Equal(t, "secret", gotPass)
	assert.Equal(t, domain.DeviceIdentity("D1"), result.Device)
	assert.Equal(t, domain.DirectivePrimaryOff, result.Directive)
}

func TestAuthenticatePrimaryOnAndUsernameFallback(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":true,"primary_on":true}`)
	}, nil)

	result, err := client.Authenticate(context.Background(), domain.Credentials{Username: "dev-2"})
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceIdentity("dev-2"), result.Device)
	assert.Equal(t, domain.DirectivePrimaryOn, result.Directive)
}

func TestAuthenticateRetriesWithBackoff(t *testing.T) {
	var attempts int32
	sleeps := &recordedSleeps{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"success":true,"device_name":"D1"}`)
	}, sleeps)

	result, err := client.Authenticate(context.Background(), domain.Credentials{Username: "D1", Password: "pw"})
	require.NoError(t, err)

	assert.Equal(t, domain.DeviceIdentity("D1"), result.Device)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleeps.delays)
}

func TestAuthenticateRetriesMalformedBody(t *testing.T) {
	var attempts int32
	sleeps := &recordedSleeps{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			fmt.Fprint(w, `<html>oops</html>`)
			return
		}
		fmt.Fprint(w, `{"success":true}`)
	}, sleeps)

	_, err := client.Authenticate(context.Background(), domain.Credentials{Username: "D1"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	assert.Equal(t, []time.Duration{2 * time.Second}, sleeps.delays)
}

func TestAuthenticateExhaustsAttempts(t *testing.T) {
	var attempts int32
	sleeps := &recordedSleeps{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}, sleeps)

	_, err := client.Authenticate(context.Background(), domain.Credentials{Username: "D1"})
	require.Error(t, err)

	assert.True(t, domain.IsAuthRejected(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Len(t, sleeps.delays, 2)
}

func TestAuthenticateDeniedIsNotRetried(t *testing.T) {
	var attempts int32
	sleeps := &recordedSleeps{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		fmt.Fprint(w, `{"success":false,"message":"bad password"}`)
	}, sleeps)

	_, err := client.Authenticate(context.Background(), domain.Credentials{Username: "D1", Password: "nope"})
	require.Error(t, err)

	assert.True(t, domain.IsAuthRejected(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
	assert.Empty(t, sleeps.delays)
}

func TestAuthenticateMissingUsernameMakesNoRequest(t *testing.T) {
	var attempts int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
	}, nil)

	_, err := client.Authenticate(context.Background(), domain.Credentials{})
	assert.True(t, domain.IsAuthRejected(err))
	assert.Zero(t, atomic.LoadInt32(&attempts))
}

func TestAuthenticateStopsOnCancelledContext(t *testing.T) {
	var attempts int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, nil)
	client.config.BackoffBase = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Authenticate(ctx, domain.Credentials{Username: "D1"})
	assert.True(t, domain.IsAuthRejected(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestLookupUserDevice(t *testing.T) {
	var gotAction, gotEmail string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		gotAction = r.PostForm.Get("action")
		gotEmail = r.PostForm.Get("email")
		fmt.Fprint(w, `{"success":true,"device_name":"D1"}`)
	}, nil)

	device, err := client.LookupUserDevice(context.Background(), "ann@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.DeviceIdentity("D1"), device)
	assert.Equal(t, "get_user_device", gotAction)
	assert.Equal(t, "ann@example.com", gotEmail)
}

func TestLookupUserDeviceFailures(t *testing.T) {
	tests := []struct {
		name string
		body string
		kind domain.ErrorKind
	}{
		{"explicit failure", `{"success":false}`, domain.KindAuthRejected},
		{"missing device", `{"success":true}`, domain.KindMalformedResponse},
		{"not json", `nope`, domain.KindMalformedResponse},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tc.body)
			}, nil)

			_, err := client.LookupUserDevice(context.Background(), "ann@example.com")
			require.Error(t, err)
			assert.True(t, domain.IsKind(err, tc.kind), "got %v", err)
		})
	}
}

func TestCheckGlobalTrigger(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   domain.TriggerState
	}{
		{
			name:   "triggered",
			status: http.StatusOK,
			body:   `{"success":true,"message":"lunch","id":"42"}`,
			want:   domain.TriggerState{Kind: domain.TriggerActive, Message: "lunch", ID: "42"},
		},
		{
			name:   "not triggered",
			status: http.StatusOK,
			body:   `{"success":false}`,
			want:   domain.TriggerState{Kind: domain.TriggerNotTriggered},
		},
		{
			name:   "malformed",
			status: http.StatusOK,
			body:   `{"success":`,
			want:   domain.TriggerState{Kind: domain.TriggerNotTriggered},
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   ``,
			want:   domain.TriggerState{Kind: domain.TriggerUnreachable},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/status", r.URL.Path)
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}, nil)

			assert.Equal(t, tc.want, client.CheckGlobalTrigger(context.Background()))
		})
	}
}

func TestCheckGlobalTriggerUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StatusURL = "http://127.0.0.1:1/status"
	client := NewClient(cfg)

	state := client.CheckGlobalTrigger(context.Background())
	assert.Equal(t, domain.TriggerUnreachable, state.Kind)
}
