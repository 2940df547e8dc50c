package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dotside-studios/tagsync-agent/tag"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestClient(t *testing.T, url string, mutate func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		BaseURL:       url,
		Token:         "tok",
		RatePerSecond: 1000,
		Burst:         100,
		Logger:        discard,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.backoff = func(int) time.Duration { return time.Millisecond }
	return c
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		baseURL string
		wantErr bool
	}{
		{"valid https", "https://api.example.com/", false},
		{"valid http", "http://127.0.0.1:8080", false},
		{"empty", "", true},
		{"bad scheme", "ftp://api.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{BaseURL: tt.baseURL, Logger: discard})
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) error = %v, wantErr %v", tt.baseURL, err, tt.wantErr)
			}
		})
	}
}

func TestClient_SendLocation(t *testing.T) {
	var got tag.LocationReport
	var headers http.Header
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		path = r.URL.EscapedPath()
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	report := tag.LocationReport{ID: "01J0", DeviceID: "AA:BB:CC:DD:EE:01", OnDemand: true,
		Geolocation: tag.Geolocation{Latitude: 52.5, Longitude: 13.4, Battery: "4b", D2DStatus: tag.D2DGattConnected}}

	ok, err := c.SendLocation(context.Background(), report.DeviceID, report)
	if err != nil || !ok {
		t.Fatalf("SendLocation() = %v, %v; want true, nil", ok, err)
	}
	if want := "/v1/devices/AA:BB:CC:DD:EE:01/locations"; path != want {
		t.Errorf("path = %s, want %s", path, want)
	}
	if got.ID != report.ID || got.Geolocation.Battery != "4b" || !got.OnDemand {
		t.Errorf("body = %+v", got)
	}
	if h := headers.Get("Authorization"); h != "Bearer tok" {
		t.Errorf("Authorization = %q", h)
	}
	if headers.Get(requestIDHeader) == "" {
		t.Error("missing request id")
	}
	if ua := headers.Get("User-Agent"); !strings.HasPrefix(ua, "tagsync-agent/") {
		t.Errorf("User-Agent = %q", ua)
	}
}

func TestClient_Flags(t *testing.T) {
	type call struct {
		path string
		body map[string]bool
	}
	calls := make(chan call, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		json.NewDecoder(r.Body).Decode(&body)
		calls <- call{path: r.URL.Path, body: body}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL, nil)
	ctx := context.Background()

	if ok, err := c.SetRinging(ctx, "tag1", false); !ok || err != nil {
		t.Fatalf("SetRinging() = %v, %v", ok, err)
	}
	got := <-calls
	if v, present := got.body["ringing"]; got.path != "/v1/devices/tag1/ringing" || !present || v {
		t.Errorf("SetRinging call = %+v", got)
	}

	if ok, err := c.SetSearching(ctx, "tag1", true); !ok || err != nil {
		t.Fatalf("SetSearching() = %v, %v", ok, err)
	}
	got = <-calls
	if got.path != "/v1/devices/tag1/searching" || !got.body["searching"] {
		t.Errorf("SetSearching call = %+v", got)
	}
	if _, present := got.body["ringing"]; present {
		t.Error("searching request carried a ringing flag")
	}
}

func TestClient_StatusHandling(t *testing.T) {
	tests := []struct {
		name         string
		statuses     []int
		wantOK       bool
		wantErr      error
		wantAttempts int32
	}{
		{"refused", []int{http.StatusUnprocessableEntity}, false, nil, 1},
		{"transient then ok", []int{http.StatusBadGateway, http.StatusOK}, true, nil, 2},
		{"throttled then ok", []int{http.StatusTooManyRequests, http.StatusAccepted}, true, nil, 2},
		{"unauthorized", []int{http.StatusUnauthorized}, false, ErrUnauthorized, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := attempts.Add(1)
				w.WriteHeader(tt.statuses[min(int(n), len(tt.statuses))-1])
			}))
			defer srv.Close()

			c := newTestClient(t, srv.URL, nil)
			ok, err := c.SetRinging(context.Background(), "tag1", true)
			if ok != tt.wantOK || !errors.Is(err, tt.wantErr) {
				t.Errorf("SetRinging() = %v, %v; want %v, %v", ok, err, tt.wantOK, tt.wantErr)
			}
			if n := attempts.Load(); n != tt.wantAttempts {
				t.Errorf("attempts = %d, want %d", n, tt.wantAttempts)
			}
		})
	}
}

func TestClient_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxAttempts = 3 })
	_, err := c.SetSearching(context.Background(), "tag1", true)
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusServiceUnavailable {
		t.Fatalf("SetSearching() error = %v, want StatusError 503", err)
	}
	if statusErr.Body != "down for maintenance" {
		t.Errorf("Body = %q", statusErr.Body)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
}

func TestClient_SendLocationNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.MaxAttempts = 3 })
	ok, err := c.SendLocation(context.Background(), "tag1", tag.LocationReport{ID: "01J0"})
	var statusErr *StatusError
	if ok || !errors.As(err, &statusErr) || statusErr.Status != http.StatusBadGateway {
		t.Fatalf("SendLocation() = %v, %v; want false, StatusError 502", ok, err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestClient_BreakerOpens(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *Config) {
		cfg.MaxAttempts = 1
		cfg.BreakerFailures = 2
		cfg.BreakerTimeout = time.Hour
	})
	ctx := context.Background()
	for range 2 {
		if _, err := c.SetRinging(ctx, "tag1", true); err == nil || errors.Is(err, ErrUnavailable) {
			t.Fatalf("SetRinging() error = %v, want a status error", err)
		}
	}
	if _, err := c.SetRinging(ctx, "tag1", true); !errors.Is(err, ErrUnavailable) {
		t.Errorf("SetRinging() error = %v, want ErrUnavailable", err)
	}
	if n := attempts.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestClient_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ok, err := c.SendLocation(ctx, "tag1", tag.LocationReport{}); ok || !errors.Is(err, context.Canceled) {
		t.Errorf("SendLocation() = %v, %v; want false, context.Canceled", ok, err)
	}
}

func TestRetry(t *testing.T) {
	noDelay := func(int) time.Duration { return 0 }
	boom := errors.New("boom")

	t.Run("permanent stops", func(t *testing.T) {
		calls := 0
		err := retry(context.Background(), 5, noDelay, func() error {
			calls++
			return permanent(boom)
		})
		if !errors.Is(err, boom) || calls != 1 {
			t.Errorf("retry() = %v after %d calls", err, calls)
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			t.Error("permanent wrapper leaked")
		}
	})

	t.Run("cancelled between attempts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := retry(ctx, 3, func(int) time.Duration { return time.Hour }, func() error {
			cancel()
			return boom
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("retry() = %v, want context.Canceled", err)
		}
	})
}

func TestBackoffDelay(t *testing.T) {
	for attempt := range 6 {
		d := backoffDelay(attempt)
		limit := min(baseDelay*(1<<attempt), maxDelay)
		if d < limit/2 || d >= limit {
			t.Errorf("backoffDelay(%d) = %v, want in [%v, %v)", attempt, d, limit/2, limit)
		}
	}
}

func TestOffline(t *testing.T) {
	var api tag.NetworkAPI = Offline{}
	ctx := context.Background()
	if ok, err := api.SendLocation(ctx, "tag1", tag.LocationReport{}); ok || !errors.Is(err, ErrNotConfigured) {
		t.Errorf("SendLocation() = %v, %v", ok, err)
	}
	if ok, err := api.SetRinging(ctx, "tag1", true); ok || !errors.Is(err, ErrNotConfigured) {
		t.Errorf("SetRinging() = %v, %v", ok, err)
	}
	if ok, err := api.SetSearching(ctx, "tag1", true); ok || !errors.Is(err, ErrNotConfigured) {
		t.Errorf("SetSearching() = %v, %v", ok, err)
	}
}
