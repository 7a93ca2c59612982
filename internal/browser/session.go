// Package browser provides the browser session capability consumed by the
// challenge solver. The Session interface hides the concrete automation
// driver; a Playwright-backed implementation lives in this package and fakes
// are trivial to supply in tests.
package browser

import (
	"time"

	"turnstile-solver-go/internal/model"
)

// ChallengeOrigin is the fixed origin prefix of the challenge provider's
// iframe source. Only iframes whose src starts with this prefix are treated
// as a challenge.
const ChallengeOrigin = "https://challenges.cloudflare.com/"

// VerifyPrompts is the fixed multilingual set of verification prompt texts.
// Controls are matched by exact, case-sensitive text; the first match wins.
var VerifyPrompts = []string{
	"Verify you are human",
	"确认您是真人",
	"确认您是人类",
	"Verify that you are human",
	"请验证您是人类",
}

// hardeningArgs are always passed to the browser; headless operation fails
// without them in containerized environments.
var hardeningArgs = []string{
	"--no-sandbox",
	"--disable-gpu",
	"--disable-dev-shm-usage",
	"--disable-software-rasterizer",
}

// Options configures a single browser session. Each session is exclusively
// owned by one in-flight solve and never shared.
type Options struct {
	UserAgent       string
	Proxy           string // full proxy URL, may embed credentials
	ExecutablePath  string
	UserDataDir     string
	PageLoadTimeout time.Duration
	VideoDir        string // record session video when non-empty
	ScreenshotDir   string // write diagnostic screenshots when non-empty
}

// Session is one exclusive browser context driving the target page.
//
// Navigate, FindChallengeFrame and ReadCookies surface driver faults as
// errors; the solver classifies them. Close must always be called, after
// StopRecording when recording was active.
type Session interface {
	// Navigate loads the target URL and waits for the page load state.
	Navigate(url string) error

	// Settle blocks for the given interval, letting asynchronous page
	// content finish loading before the next probe.
	Settle(d time.Duration)

	// FindChallengeFrame searches the page, piercing shadow roots, for an
	// iframe whose source begins with ChallengeOrigin. It returns (nil, nil)
	// when no challenge is present.
	FindChallengeFrame() (Frame, error)

	// ReadCookies returns the session's cookies in the order the browser
	// reports them.
	ReadCookies() ([]model.Cookie, error)

	// Screenshot writes a diagnostic screenshot labeled with the given name.
	// It is a no-op when no screenshot directory is configured.
	Screenshot(label string) error

	// StopRecording finalizes any active video recording.
	StopRecording()

	// Close releases the browser context. Safe to call more than once.
	Close() error
}

// Frame is the challenge provider's iframe.
type Frame interface {
	// FindControl locates a clickable control inside the frame's nested
	// shadow root by exact match against the given prompt texts. It returns
	// (nil, nil) when no prompt matches.
	FindControl(prompts []string) (Control, error)
}

// Control is the clickable verification element inside the challenge frame.
type Control interface {
	Click() error

	// WaitRemoved blocks until the control is detached from the page, the
	// provider's accept signal, or the timeout elapses.
	WaitRemoved(timeout time.Duration) error
}

// Factory opens browser sessions.
type Factory interface {
	Open(opts Options) (Session, error)
}
