package tdac

import (
	"fmt"
	"log"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// layout bounds for the hidden session. The challenge widget runs a
// visibility check and silently withholds tokens from pages that are
// fully transparent, off-screen, or zero-area, so the surface must stay
// full-size and faintly visible.
const (
	minLayoutOpacity = 0.01
	maxLayoutOpacity = 0.05
)

// BrowserSession owns one rod browser rendering the target origin. The
// orchestrator controls its lifecycle exclusively; the extractor and the
// fallback driver only borrow the page for the duration of one call.
type BrowserSession struct {
	config   *Config
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
	stopChan chan bool
	visible  bool
}

func newBrowserSession(config *Config) *BrowserSession {
	return &BrowserSession{
		config:   config,
		stopChan: make(chan bool, 1),
	}
}

// newVisibleBrowserSession is the fallback driver's variant: same lifecycle,
// but rendered opaque for the site's own challenge flow.
func newVisibleBrowserSession(config *Config) *BrowserSession {
	s := newBrowserSession(config)
	s.visible = true
	return s
}

// Start launches the browser, opens a stealth page on the target origin and
// applies the layout invariant. The page is left loaded and idle.
func (b *BrowserSession) Start() error {
	b.debugLog("launching browser (headless=%v visible=%v)", b.config.Headless, b.visible)

	// Disable leakless mode on Windows to prevent deadlock
	// See: https://github.com/go-rod/rod/issues/853
	useLeakless := runtime.GOOS != "windows"

	// Prefer system Chrome when present (avoids download and permission issues)
	chromePath, chromeExists := launcher.LookPath()

	b.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(b.config.Headless)

	if b.config.BrowserProfilePath != "" {
		b.launcher = b.launcher.UserDataDir(b.config.BrowserProfilePath)
	}

	if chromeExists {
		b.launcher = b.launcher.Bin(chromePath)
		b.debugLog("using system chrome at %s", chromePath)
	}

	url, err := b.launcher.Launch()
	if err != nil {
		errMsg := err.Error()
		if strings.Contains(errMsg, "Opening in existing browser session") ||
			strings.Contains(errMsg, "ProcessSingleton") ||
			strings.Contains(errMsg, "SingletonLock") {
			return fmt.Errorf("chrome is already running with this profile, close it and retry: %w", err)
		}
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b.browser = rod.New().ControlURL(url)
	if err := b.browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	b.page, err = stealth.Page(b.browser)
	if err != nil {
		return fmt.Errorf("failed to create stealth page: %w", err)
	}

	if err := b.page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: b.config.UserAgent,
	}); err != nil {
		b.debugLog("warning: failed to set user agent: %v", err)
	}

	width, height, opacity := normalizeLayout(b.config.ViewportWidth, b.config.ViewportHeight, b.config.LayoutOpacity)
	if err := b.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
		Mobile:            false,
	}); err != nil {
		return fmt.Errorf("failed to set viewport: %w", err)
	}

	if !b.visible {
		// Hook the challenge widget before the site's own scripts run; the
		// extractor re-installs the same (idempotent) hooks after load.
		if _, err := b.page.EvalOnNewDocument("(" + challengeHookJS + ")()"); err != nil {
			return fmt.Errorf("failed to stage challenge hooks: %w", err)
		}
	}

	if err := b.page.Navigate(b.config.TargetOrigin); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", b.config.TargetOrigin, err)
	}

	if err := b.page.WaitLoad(); err != nil {
		return fmt.Errorf("page failed to load: %w", err)
	}

	if !b.visible {
		if err := b.applyHiddenLayout(opacity); err != nil {
			return err
		}
	}

	b.debugLog("browser session ready at %s", b.config.TargetOrigin)
	return nil
}

// applyHiddenLayout makes the page nearly transparent while keeping it
// full-size, on-screen and technically visible.
func (b *BrowserSession) applyHiddenLayout(opacity float64) error {
	script := fmt.Sprintf(`() => {
		document.documentElement.style.opacity = '%.3f';
		document.documentElement.style.position = 'fixed';
		document.documentElement.style.top = '0';
		document.documentElement.style.left = '0';
		document.documentElement.style.width = '100%%';
		document.documentElement.style.height = '100%%';
		return true;
	}`, opacity)

	if _, err := b.page.Eval(script); err != nil {
		return fmt.Errorf("failed to apply hidden layout: %w", err)
	}
	return nil
}

// normalizeLayout clamps the session layout into the band the challenge
// mechanism tolerates. Zero opacity or zero area would silently starve
// extraction of tokens, so both are corrected rather than honored.
func normalizeLayout(width, height int, opacity float64) (int, int, float64) {
	def := DefaultConfig()

	if width <= 0 {
		width = def.ViewportWidth
	}
	if height <= 0 {
		height = def.ViewportHeight
	}

	if opacity < minLayoutOpacity {
		opacity = minLayoutOpacity
	} else if opacity > maxLayoutOpacity {
		opacity = maxLayoutOpacity
	}

	return width, height, opacity
}

func (b *BrowserSession) isAlive() bool {
	if b.browser == nil {
		return false
	}

	if _, err := b.browser.Version(); err != nil {
		b.debugLog("browser version check failed: %v", err)
		return false
	}

	if b.page != nil {
		if _, err := b.page.Info(); err != nil {
			b.debugLog("page info check failed: %v", err)
			return false
		}
	}

	return true
}

// watch polls browser liveness until Close. Used by long waits so a browser
// killed underneath us surfaces as a closed channel instead of a hang.
func (b *BrowserSession) watch(dead chan<- struct{}) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			if !b.isAlive() {
				select {
				case dead <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

// Close tears the session down. Safe to call more than once and on a
// session that never started.
func (b *BrowserSession) Close() {
	select {
	case b.stopChan <- true:
	default:
	}

	if b.page != nil {
		_ = b.page.Close()
		b.page = nil
	}

	if b.browser != nil {
		_ = b.browser.Close()
		b.browser = nil
	}

	if b.launcher != nil {
		b.launcher.Cleanup()
		b.launcher = nil
	}
}

func (b *BrowserSession) debugLog(format string, args ...interface{}) {
	if b.config.DebugMode {
		log.Printf("[browser] "+format, args...)
	}
}
