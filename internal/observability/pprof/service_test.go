package pprof

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	logx "pewwatch/pkg/logx"
)

func listenAddr(s *Service) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNormalizePrefix(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
	}{
		{"", "/debug/pprof/"},
		{"/debug/pprof/", "/debug/pprof/"},
		{"debug/pprof", "/debug/pprof/"},
		{"/prof", "/prof/"},
	}
	for _, tt := range tests {
		tt := tt
		if got := normalizePrefix(tt.in); got != tt.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"[::1]:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"10.1.2.3:6060", false},
		{"no-port", false},
	}
	for _, tt := range tests {
		tt := tt
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestWithAuthToken(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop())
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

	tests := []struct {
		name   string
		token  string
		header string
		query  string
		want   int
	}{
		{name: "no token configured", token: "", want: http.StatusOK},
		{name: "missing credentials", token: "s3cret", want: http.StatusUnauthorized},
		{name: "query token ok", token: "s3cret", query: "s3cret", want: http.StatusOK},
		{name: "query token wrong", token: "s3cret", query: "nope", want: http.StatusUnauthorized},
		{name: "bearer ok", token: "s3cret", header: "Bearer s3cret", want: http.StatusOK},
		{name: "bearer wrong", token: "s3cret", header: "Bearer nope", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := s.withAuth(tt.token, ok)
			url := "/debug/pprof/"
			if tt.query != "" {
				url += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestReconfigureAppliesRuntimeRates(t *testing.T) {
	prevMutex := runtime.SetMutexProfileFraction(-1)
	t.Cleanup(func() {
		runtime.SetMutexProfileFraction(prevMutex)
		runtime.SetBlockProfileRate(0)
	})

	s := New(Config{}, logx.Nop())
	// Rates apply even while the server stays disabled.
	s.Reconfigure(context.Background(), Config{Enabled: false, MutexProfileFraction: 7, BlockProfileRate: 1})

	if got := runtime.SetMutexProfileFraction(-1); got != 7 {
		t.Fatalf("mutex profile fraction = %d, want 7", got)
	}
}

func TestServerStartStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	t.Cleanup(func() { s.Stop(context.Background()) })

	s.Start(ctx)
	waitFor(t, 2*time.Second, func() bool { return listenAddr(s) != "" })
	addr := listenAddr(s)

	reqCtx, reqCancel := context.WithTimeout(ctx, time.Second)
	defer reqCancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, "http://"+addr+"/healthz", http.NoBody)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	// Disable via hot-reload and ensure the listener goes away.
	s.Reconfigure(ctx, Config{Enabled: false})
	waitFor(t, 2*time.Second, func() bool { return listenAddr(s) == "" })
}
