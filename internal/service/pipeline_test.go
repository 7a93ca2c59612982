package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"turnstile-solver-go/internal/browser"
	"turnstile-solver-go/internal/cache"
	"turnstile-solver-go/internal/config"
	"turnstile-solver-go/internal/model"
	"turnstile-solver-go/internal/solver"
)

func testConfig() *config.Config {
	return &config.Config{
		Solver: config.SolverConfig{
			MaxAttempts:        2,
			ClickMaxAttempts:   2,
			WaitSeconds:        0,
			VerifyTimeoutSec:   1,
			PageLoadTimeoutSec: 1,
			InitialWaitSeconds: 0,
			CacheTimeoutSec:    300,
			MaxConcurrentTasks: 3,
			DefaultHeaders:     map[string]string{"accept": "*/*"},
		},
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFactory produces stub sessions and counts browser usage.
type fakeFactory struct {
	mu        sync.Mutex
	opens     int
	active    int64
	maxActive int64

	navErr    error
	noControl bool // challenge present but the verify control is missing
	probeWait time.Duration
}

func (f *fakeFactory) Open(browser.Options) (browser.Session, error) {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	return &stubSession{factory: f}, nil
}

func (f *fakeFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

type stubSession struct {
	factory *fakeFactory
}

func (s *stubSession) Navigate(string) error { return s.factory.navErr }

func (s *stubSession) Settle(time.Duration) {}

func (s *stubSession) FindChallengeFrame() (browser.Frame, error) {
	n := atomic.AddInt64(&s.factory.active, 1)
	for {
		max := atomic.LoadInt64(&s.factory.maxActive)
		if n <= max || atomic.CompareAndSwapInt64(&s.factory.maxActive, max, n) {
			break
		}
	}
	if s.factory.probeWait > 0 {
		time.Sleep(s.factory.probeWait)
	}
	atomic.AddInt64(&s.factory.active, -1)

	if s.factory.noControl {
		return &stubFrame{}, nil
	}
	return nil, nil
}

func (s *stubSession) ReadCookies() ([]model.Cookie, error) {
	return []model.Cookie{{Name: "cf_clearance", Value: "tok"}}, nil
}

func (s *stubSession) Screenshot(string) error { return nil }
func (s *stubSession) StopRecording()          {}
func (s *stubSession) Close() error            { return nil }

// stubFrame never exposes a verify control, which is fatal for a solve.
type stubFrame struct{}

func (f *stubFrame) FindControl([]string) (browser.Control, error) { return nil, nil }

func newTestPipeline(cfg *config.Config, f *fakeFactory) *Pipeline {
	logger := testLogger()
	slv := solver.New(cfg, f, logger)
	return New(cfg, slv, cache.NewStore(cfg.Solver.CacheTimeout()), cache.NewLockRegistry(), nil, logger)
}

func TestSolve_SuccessAndCacheHit(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPipeline(testConfig(), f)

	headers, err := p.Solve(context.Background(), "https://a.example/x", "UA/1.0")
	if err != nil {
		t.Fatalf("Solve() error = %v", err)
	}
	if headers["cookie"] != "cf_clearance=tok" {
		t.Errorf("cookie = %q", headers["cookie"])
	}
	if f.openCount() != 1 {
		t.Fatalf("opens = %d, want 1", f.openCount())
	}

	// Fresh entry: same key, different path, no browser involvement.
	again, err := p.Solve(context.Background(), "https://a.example/other", "UA/1.0")
	if err != nil {
		t.Fatalf("Solve() cache hit error = %v", err)
	}
	if f.openCount() != 1 {
		t.Errorf("opens = %d after cache hit, want 1", f.openCount())
	}
	if again["cookie"] != headers["cookie"] {
		t.Error("cached headers differ from the solved set")
	}
}

func TestSolve_SingleFlightPerKey(t *testing.T) {
	f := &fakeFactory{probeWait: 50 * time.Millisecond}
	p := newTestPipeline(testConfig(), f)

	const callers = 8
	results := make([]model.HeaderSet, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = p.Solve(context.Background(), "https://a.example/x", "UA/1.0")
		}()
	}
	wg.Wait()

	for i := range callers {
		if errs[i] != nil {
			t.Fatalf("caller %d error = %v", i, errs[i])
		}
	}
	if f.openCount() != 1 {
		t.Errorf("opens = %d, want exactly 1 solve for concurrent same-key callers", f.openCount())
	}
	for i := 1; i < callers; i++ {
		if results[i]["cookie"] != results[0]["cookie"] {
			t.Fatalf("caller %d got different headers", i)
		}
	}
}

func TestSolve_ConcurrencyBound(t *testing.T) {
	cfg := testConfig()
	cfg.Solver.MaxConcurrentTasks = 2
	f := &fakeFactory{probeWait: 40 * time.Millisecond}
	p := newTestPipeline(cfg, f)

	urls := []string{
		"https://a.example/", "https://b.example/", "https://c.example/",
		"https://d.example/", "https://e.example/", "https://f.example/",
	}

	var wg sync.WaitGroup
	for _, u := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Solve(context.Background(), u, "UA/1.0"); err != nil {
				t.Errorf("Solve(%s) error = %v", u, err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&f.maxActive); got > 2 {
		t.Errorf("max simultaneous sessions = %d, want <= 2", got)
	}
	if f.openCount() != len(urls) {
		t.Errorf("opens = %d, want %d (distinct keys never share a solve)", f.openCount(), len(urls))
	}
}

func TestSolve_FailureWritesNothing(t *testing.T) {
	f := &fakeFactory{noControl: true}
	cfg := testConfig()
	p := newTestPipeline(cfg, f)

	// A fresh entry for an unrelated key must survive a failing solve.
	p.store.Put("b.example:direct", model.HeaderSet{"cookie": "keep=1"})

	_, err := p.Solve(context.Background(), "https://a.example/x", "UA/1.0")
	var verr *solver.VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want VerificationError", err)
	}

	if _, ok := p.store.Get("a.example:direct"); ok {
		t.Error("failed solve wrote a cache entry")
	}
	if e, ok := p.store.Get("b.example:direct"); !ok || e.Headers["cookie"] != "keep=1" {
		t.Error("failure invalidated an unrelated fresh entry")
	}

	// The next call for the failed key tries again rather than caching the failure.
	_, _ = p.Solve(context.Background(), "https://a.example/x", "UA/1.0")
	if f.openCount() != 2 {
		t.Errorf("opens = %d, want 2 (no negative caching)", f.openCount())
	}
}

func TestSolve_StatusReporting(t *testing.T) {
	t.Run("initial", func(t *testing.T) {
		p := newTestPipeline(testConfig(), &fakeFactory{})
		r := p.Status()
		if r.Status != model.StatusInitialized {
			t.Errorf("Status = %q, want initialized", r.Status)
		}
		if !r.StartTime.IsZero() {
			t.Error("StartTime set before any solve")
		}
	})

	t.Run("success", func(t *testing.T) {
		p := newTestPipeline(testConfig(), &fakeFactory{})
		if _, err := p.Solve(context.Background(), "https://a.example/", "UA"); err != nil {
			t.Fatal(err)
		}
		r := p.Status()
		if r.Status != model.StatusSuccess {
			t.Errorf("Status = %q, want success", r.Status)
		}
		if r.StartTime.IsZero() {
			t.Error("StartTime not recorded")
		}
		if r.LastError != "" {
			t.Errorf("LastError = %q, want empty", r.LastError)
		}
	})

	t.Run("verification fault reports error state", func(t *testing.T) {
		p := newTestPipeline(testConfig(), &fakeFactory{noControl: true})
		_, _ = p.Solve(context.Background(), "https://a.example/", "UA")
		r := p.Status()
		if r.Status != model.StatusError {
			t.Errorf("Status = %q, want error", r.Status)
		}
		if r.LastError == "" {
			t.Error("LastError empty after failure")
		}
	})

	t.Run("navigation fault reports timeout state", func(t *testing.T) {
		p := newTestPipeline(testConfig(), &fakeFactory{navErr: errors.New("net::ERR_TIMED_OUT")})
		_, _ = p.Solve(context.Background(), "https://a.example/", "UA")
		if r := p.Status(); r.Status != model.StatusTimeout {
			t.Errorf("Status = %q, want timeout", r.Status)
		}
	})
}

func TestSolve_CanceledWhileWaitingForPermit(t *testing.T) {
	cfg := testConfig()
	cfg.Solver.MaxConcurrentTasks = 1
	f := &fakeFactory{probeWait: 200 * time.Millisecond}
	p := newTestPipeline(cfg, f)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = p.Solve(context.Background(), "https://a.example/", "UA")
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the first solve take the permit

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Solve(ctx, "https://b.example/", "UA")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestSolve_BadTargetURL(t *testing.T) {
	p := newTestPipeline(testConfig(), &fakeFactory{})
	if _, err := p.Solve(context.Background(), "://broken", "UA"); err == nil {
		t.Fatal("Solve() succeeded for an unparsable URL")
	}
}

func TestSolve_HeadersDump(t *testing.T) {
	cfg := testConfig()
	cfg.Artifacts.HeadersOutputPath = filepath.Join(t.TempDir(), "headers.json")
	p := newTestPipeline(cfg, &fakeFactory{})

	if _, err := p.Solve(context.Background(), "https://a.example/", "UA/1.0"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.Artifacts.HeadersOutputPath)
	if err != nil {
		t.Fatalf("headers dump not written: %v", err)
	}
	var dumped map[string]string
	if err := json.Unmarshal(data, &dumped); err != nil {
		t.Fatalf("headers dump is not valid JSON: %v", err)
	}
	if dumped["cookie"] != "cf_clearance=tok" {
		t.Errorf("dumped cookie = %q", dumped["cookie"])
	}
}

// An unwritable dump path must not fail the solve.
func TestSolve_HeadersDumpFailureIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.Artifacts.HeadersOutputPath = filepath.Join(t.TempDir(), "missing-dir", "headers.json")
	p := newTestPipeline(cfg, &fakeFactory{})

	if _, err := p.Solve(context.Background(), "https://a.example/", "UA/1.0"); err != nil {
		t.Fatalf("Solve() failed because of dump error: %v", err)
	}
}
