package browser

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"

	"turnstile-solver-go/internal/model"
)

// challengeFrameSelector matches the challenge provider's iframe. Playwright
// CSS locators pierce open shadow roots, so nesting depth does not matter.
var challengeFrameSelector = fmt.Sprintf(`iframe[src^=%q]`, ChallengeOrigin)

// PlaywrightFactory opens Chromium sessions through a single shared
// Playwright driver process. The driver is started lazily on the first Open
// and stopped by Shutdown.
type PlaywrightFactory struct {
	mu sync.Mutex
	pw *playwright.Playwright
}

// NewPlaywrightFactory creates a factory. No driver process is started yet.
func NewPlaywrightFactory() *PlaywrightFactory {
	return &PlaywrightFactory{}
}

// ensureDriver installs and starts the Playwright driver once.
func (f *PlaywrightFactory) ensureDriver() (*playwright.Playwright, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pw != nil {
		return f.pw, nil
	}

	runOpts := &playwright.RunOptions{
		Verbose: false,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
	if err := playwright.Install(runOpts); err != nil {
		return nil, fmt.Errorf("install playwright: %w", err)
	}
	pw, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	f.pw = pw
	return pw, nil
}

// Shutdown stops the Playwright driver. Sessions must be closed first.
func (f *PlaywrightFactory) Shutdown() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pw == nil {
		return nil
	}
	err := f.pw.Stop()
	f.pw = nil
	if err != nil {
		return fmt.Errorf("stop playwright: %w", err)
	}
	return nil
}

// Open launches a headless Chromium session configured with the supplied
// user agent, proxy and hardening arguments.
func (f *PlaywrightFactory) Open(opts Options) (Session, error) {
	pw, err := f.ensureDriver()
	if err != nil {
		return nil, err
	}

	s := &playwrightSession{opts: opts}

	launchArgs := append([]string{"--guest"}, hardeningArgs...)

	var recordVideo *playwright.RecordVideo
	if opts.VideoDir != "" {
		recordVideo = &playwright.RecordVideo{Dir: opts.VideoDir}
		s.recording = true
	}

	if opts.UserDataDir != "" {
		ctxOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
			Headless:    playwright.Bool(true),
			Args:        launchArgs,
			UserAgent:   playwright.String(opts.UserAgent),
			Proxy:       proxySettings(opts.Proxy),
			RecordVideo: recordVideo,
		}
		if opts.ExecutablePath != "" {
			ctxOpts.ExecutablePath = playwright.String(opts.ExecutablePath)
		}
		ctx, err := pw.Chromium.LaunchPersistentContext(opts.UserDataDir, ctxOpts)
		if err != nil {
			return nil, fmt.Errorf("launch persistent context: %w", err)
		}
		s.ctx = ctx
	} else {
		launchOpts := playwright.BrowserTypeLaunchOptions{
			Headless: playwright.Bool(true),
			Args:     launchArgs,
			Proxy:    proxySettings(opts.Proxy),
		}
		if opts.ExecutablePath != "" {
			launchOpts.ExecutablePath = playwright.String(opts.ExecutablePath)
		}
		b, err := pw.Chromium.Launch(launchOpts)
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		ctx, err := b.NewContext(playwright.BrowserNewContextOptions{
			UserAgent:   playwright.String(opts.UserAgent),
			RecordVideo: recordVideo,
		})
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("create context: %w", err)
		}
		s.browser = b
		s.ctx = ctx
	}

	page, err := s.ctx.NewPage()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}
	if opts.PageLoadTimeout > 0 {
		page.SetDefaultTimeout(float64(opts.PageLoadTimeout.Milliseconds()))
	}
	s.page = page
	return s, nil
}

// proxySettings converts a proxy URL into Playwright proxy settings,
// splitting out embedded credentials.
func proxySettings(proxy string) *playwright.Proxy {
	if proxy == "" {
		return nil
	}
	u, err := url.Parse(proxy)
	if err != nil || u.Host == "" {
		return &playwright.Proxy{Server: proxy}
	}
	p := &playwright.Proxy{Server: u.Scheme + "://" + u.Host}
	if u.User != nil {
		p.Username = playwright.String(u.User.Username())
		if pw, ok := u.User.Password(); ok {
			p.Password = playwright.String(pw)
		}
	}
	return p
}

type playwrightSession struct {
	opts      Options
	browser   playwright.Browser // nil when launched as a persistent context
	ctx       playwright.BrowserContext
	page      playwright.Page
	recording bool

	mu     sync.Mutex
	closed bool
}

func (s *playwrightSession) Navigate(url string) error {
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		Timeout: playwright.Float(float64(s.opts.PageLoadTimeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

func (s *playwrightSession) Settle(d time.Duration) {
	time.Sleep(d)
}

func (s *playwrightSession) FindChallengeFrame() (Frame, error) {
	loc := s.page.Locator(challengeFrameSelector)
	n, err := loc.Count()
	if err != nil {
		return nil, fmt.Errorf("probe challenge frame: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return &playwrightFrame{frame: s.page.FrameLocator(challengeFrameSelector).First()}, nil
}

func (s *playwrightSession) ReadCookies() ([]model.Cookie, error) {
	raw, err := s.ctx.Cookies()
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	cookies := make([]model.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, model.Cookie{Name: c.Name, Value: c.Value})
	}
	return cookies, nil
}

func (s *playwrightSession) Screenshot(label string) error {
	if s.opts.ScreenshotDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.opts.ScreenshotDir, 0o755); err != nil {
		return fmt.Errorf("create screenshot dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.png", time.Now().Format("20060102_150405"), label)
	_, err := s.page.Screenshot(playwright.PageScreenshotOptions{
		Path:     playwright.String(filepath.Join(s.opts.ScreenshotDir, name)),
		FullPage: playwright.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("screenshot %s: %w", label, err)
	}
	return nil
}

// StopRecording marks recording finished. Playwright finalizes video files
// when the context closes, so Close does the actual work.
func (s *playwrightSession) StopRecording() {
	s.recording = false
}

func (s *playwrightSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.page != nil {
		_ = s.page.Close()
	}
	err := s.ctx.Close()
	if s.browser != nil {
		_ = s.browser.Close()
	}
	if err != nil {
		return fmt.Errorf("close context: %w", err)
	}
	return nil
}

type playwrightFrame struct {
	frame playwright.FrameLocator
}

func (f *playwrightFrame) FindControl(prompts []string) (Control, error) {
	for _, prompt := range prompts {
		loc := f.frame.GetByText(prompt, playwright.LocatorGetByTextOptions{
			Exact: playwright.Bool(true),
		})
		n, err := loc.Count()
		if err != nil {
			return nil, fmt.Errorf("probe verify control: %w", err)
		}
		if n > 0 {
			return &playwrightControl{loc: loc.First()}, nil
		}
	}
	return nil, nil
}

type playwrightControl struct {
	loc playwright.Locator
}

func (c *playwrightControl) Click() error {
	if err := c.loc.Click(); err != nil {
		return fmt.Errorf("click verify control: %w", err)
	}
	return nil
}

func (c *playwrightControl) WaitRemoved(timeout time.Duration) error {
	err := c.loc.WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateDetached,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	})
	if err != nil {
		return fmt.Errorf("wait for control removal: %w", err)
	}
	return nil
}
