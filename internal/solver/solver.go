package solver

import (
	"fmt"
	"log/slog"
	"time"

	"turnstile-solver-go/internal/browser"
	"turnstile-solver-go/internal/config"
	"turnstile-solver-go/internal/model"
)

// outcome tags the result of a single challenge attempt. The attempt loop
// branches on the tag instead of an error hierarchy.
type outcome int

const (
	outcomeResolved outcome = iota // challenge absent or accepted
	outcomeRetry                   // attempt failed; the loop may try again
	outcomeFatal                   // no further attempts for this solve
)

// Solver runs one browser-driven solve to completion. It is stateless
// between runs; every Run opens and closes its own session.
type Solver struct {
	cfg     *config.Config
	factory browser.Factory
	logger  *slog.Logger
}

// New creates a Solver.
func New(cfg *config.Config, factory browser.Factory, logger *slog.Logger) *Solver {
	return &Solver{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With("component", "solver"),
	}
}

// Run navigates to url with a fresh browser session, resolves the challenge
// if one is present and returns the replayable header set. The observe
// callback receives status transitions as they happen.
//
// The session is always released: recording is stopped and the session
// closed regardless of outcome.
func (s *Solver) Run(url, userAgent string, observe func(model.SolveStatus)) (model.HeaderSet, error) {
	if observe == nil {
		observe = func(model.SolveStatus) {}
	}
	start := time.Now()
	observe(model.StatusStarting)

	sess, err := s.factory.Open(browser.Options{
		UserAgent:       userAgent,
		Proxy:           s.cfg.Browser.Proxy,
		ExecutablePath:  s.cfg.Browser.ExecutablePath,
		UserDataDir:     s.cfg.Browser.UserDataDir,
		PageLoadTimeout: s.cfg.Solver.PageLoadTimeout(),
		VideoDir:        s.cfg.Artifacts.VideoDir,
		ScreenshotDir:   s.screenshotDir(),
	})
	if err != nil {
		return nil, fmt.Errorf("open browser session: %w", err)
	}
	defer func() {
		sess.StopRecording()
		if cerr := sess.Close(); cerr != nil {
			s.logger.Warn("closing browser session", "err", cerr)
		}
	}()

	s.logger.Info("navigating to target", "url", url)
	if err := sess.Navigate(url); err != nil {
		return nil, &TimeoutError{Stage: "navigation", Err: err}
	}
	sess.Settle(s.cfg.Solver.InitialWait())

	observe(model.StatusVerifying)

	for attempt := 1; attempt <= s.cfg.Solver.MaxAttempts; attempt++ {
		s.logger.Debug("challenge attempt", "attempt", attempt, "max", s.cfg.Solver.MaxAttempts)

		out, aerr := s.attempt(sess)
		switch out {
		case outcomeResolved:
			headers, herr := s.buildHeaders(sess, url, userAgent)
			if herr != nil {
				return nil, herr
			}
			s.logger.Info("challenge resolved",
				"attempts", attempt,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return headers, nil
		case outcomeFatal:
			return nil, aerr
		case outcomeRetry:
			s.logger.Debug("attempt failed", "attempt", attempt, "err", aerr)
			sess.Settle(s.cfg.Solver.WaitTime())
		}
	}

	return nil, &ExhaustedAttemptsError{Attempts: s.cfg.Solver.MaxAttempts}
}

// attempt runs one pass of the challenge interaction.
func (s *Solver) attempt(sess browser.Session) (outcome, error) {
	frame, err := sess.FindChallengeFrame()
	if err != nil {
		return outcomeRetry, err
	}
	if frame == nil {
		// No challenge after settling: nothing to solve.
		s.logger.Info("no challenge frame detected")
		return outcomeResolved, nil
	}

	s.screenshot(sess, "before_verification")

	control, err := frame.FindControl(browser.VerifyPrompts)
	if err != nil {
		return outcomeRetry, err
	}
	if control == nil {
		s.screenshot(sess, "no_verify_control")
		return outcomeFatal, &VerificationError{Reason: "verify control not found"}
	}

	if err := s.click(sess, control); err != nil {
		return outcomeFatal, err
	}

	// The provider signals acceptance by removing the control. Not
	// disappearing fails this attempt only; the outer loop proceeds.
	if err := control.WaitRemoved(s.cfg.Solver.VerifyTimeout()); err != nil {
		return outcomeRetry, err
	}

	sess.Settle(s.cfg.Solver.WaitTime())
	s.screenshot(sess, "after_verification")
	return outcomeResolved, nil
}

// click presses the verification control, retrying with fixed backoff up to
// the configured bound. Exhausting retries is fatal for the solve.
func (s *Solver) click(sess browser.Session, control browser.Control) error {
	limit := s.cfg.Solver.ClickMaxAttempts
	for i := 1; i <= limit; i++ {
		err := control.Click()
		if err == nil {
			s.logger.Debug("verify control clicked", "attempt", i)
			return nil
		}
		s.screenshot(sess, fmt.Sprintf("click_failed_%d", i))
		if i == limit {
			return &VerificationError{
				Reason: fmt.Sprintf("click failed after %d attempts", limit),
				Err:    err,
			}
		}
		sess.Settle(s.cfg.Solver.WaitTime())
	}
	return nil
}

func (s *Solver) buildHeaders(sess browser.Session, url, userAgent string) (model.HeaderSet, error) {
	cookies, err := sess.ReadCookies()
	if err != nil {
		return nil, &FormatError{Detail: "reading session cookies", Err: err}
	}
	if cookies == nil {
		return nil, &FormatError{Detail: "browser returned no cookie list"}
	}
	return BuildHeaders(cookies, s.cfg.Solver.DefaultHeaders, url, userAgent), nil
}

func (s *Solver) screenshotDir() string {
	if !s.cfg.Artifacts.SaveDebugScreenshots {
		return ""
	}
	return s.cfg.Artifacts.ScreenshotDir
}

// screenshot captures a diagnostic screenshot; failures are logged, never
// surfaced.
func (s *Solver) screenshot(sess browser.Session, label string) {
	if err := sess.Screenshot(label); err != nil {
		s.logger.Debug("screenshot failed", "label", label, "err", err)
	}
}
