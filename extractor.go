package tdac

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// challengeHookJS is injected before and immediately after content load. It
// wraps the challenge widget's render call so the success callback mirrors
// its token into a window slot and posts it back to the host. Idempotent.
const challengeHookJS = `() => {
	if (window.__tdacHooked) return true;
	window.__tdacHooked = true;
	window.__tdacToken = null;

	var mirror = function (t) {
		if (t && typeof t === 'string' && !window.__tdacToken) {
			window.__tdacToken = t;
			window.postMessage({ source: 'tdac-extractor', token: t }, '*');
		}
	};
	window.__tdacMirror = mirror;

	var wrapRender = function () {
		if (!window.turnstile || typeof window.turnstile.render !== 'function' || window.turnstile.__tdacWrapped) {
			return;
		}
		var origRender = window.turnstile.render;
		window.turnstile.render = function (el, params) {
			if (params && typeof params.callback === 'function') {
				var origCb = params.callback;
				params.callback = function (token) {
					mirror(token);
					return origCb.apply(this, arguments);
				};
			}
			return origRender.apply(this, arguments);
		};
		window.turnstile.__tdacWrapped = true;
	};
	wrapRender();
	window.__tdacHookTimer = setInterval(wrapRender, 250);

	window.addEventListener('message', function (ev) {
		if (ev && ev.data && ev.data.source === 'tdac-extractor' && ev.data.token) {
			if (!window.__tdacToken) window.__tdacToken = ev.data.token;
		}
	});

	return true;
}`

const challengeUnhookJS = `() => {
	if (window.__tdacHookTimer) {
		clearInterval(window.__tdacHookTimer);
		window.__tdacHookTimer = null;
	}
	return true;
}`

const probeWidgetAPIJS = `() => {
	try {
		if (window.turnstile && typeof window.turnstile.getResponse === 'function') {
			return window.turnstile.getResponse() || '';
		}
	} catch (e) {}
	return '';
}`

const probeDOMFieldJS = `() => {
	var el = document.querySelector('input[name="cf-turnstile-response"], input[name="challenge-response"], input[data-challenge-token]');
	return (el && el.value) ? el.value : '';
}`

const probeCallbackJS = `() => window.__tdacToken || ''`

// tokenSource is one way a challenge token can surface. All sources are
// polled in parallel; the first non-empty result wins.
type tokenSource struct {
	name  string
	probe func() (string, error)
}

// TokenExtractor obtains one single-use challenge token from a live hidden
/// browser session. It never owns the session: the orchestrator decides when
// the browser dies.
type TokenExtractor struct {
	config  *Config
	session *BrowserSession
}

func NewTokenExtractor(config *Config, session *BrowserSession) *TokenExtractor {
	return &TokenExtractor{config: config, session: session}
}

// Extract installs the instrumentation hooks and races the three detection
// sources under the configured poll budget. On return the hooks are torn
// down; the browser session stays alive.
func (e *TokenExtractor) Extract(ctx context.Context) (string, error) {
	if e.session == nil || e.session.page == nil {
		return "", fmt.Errorf("browser session not started")
	}

	if _, err := e.session.page.Eval(challengeHookJS); err != nil {
		return "", fmt.Errorf("failed to install challenge hooks: %w", err)
	}
	defer func() {
		if e.session.page != nil {
			if _, err := e.session.page.Eval(challengeUnhookJS); err != nil {
				e.debugLog("hook teardown failed: %v", err)
			}
		}
	}()

	token, err := raceTokenSources(ctx, e.pageSources(), e.config.pollInterval(), e.config.MaxPollAttempts)
	if err != nil {
		return "", err
	}

	e.debugLog("challenge token captured (%d chars)", len(token))
	return token, nil
}

/// pageSources builds the three live probes against the rendered page:
// the widget's client API, the hidden DOM field, and the wrapped callback.
func (e *TokenExtractor) pageSources() []tokenSource {
	evalString := func(js string) func() (string, error) {
		return func() (string, error) {
			result, err := e.session.page.Eval(js)
			if err != nil {
				return "", err
			}
			return result.Value.Str(), nil
		}
	}

	return []tokenSource{
		{name: "widget-api", probe: evalString(probeWidgetAPIJS)},
		{name: "dom-field", probe: evalString(probeDOMFieldJS)},
		{name: "callback", probe: evalString(probeCallbackJS)},
	}
}

// raceTokenSources runs one watcher per source, each polling at interval for
// at most maxAttempts. The first token wins and cancels the rest. Probe
// errors are tolerated; a source that keeps failing simply never wins.
func raceTokenSources(ctx context.Context, sources []tokenSource, interval time.Duration, maxAttempts int) (string, error) {
	budget := interval * time.Duration(maxAttempts+1)
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	tokenCh := make(chan string, 1)

	var wg sync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src tokenSource) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			for attempt := 0; attempt < maxAttempts; attempt++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					token, err := src.probe()
					if err != nil {
						continue
					}
					if token != "" {
						select {
						case tokenCh <- token:
						default:
						}
						return
					}
				}
			}
		}(src)
	}

	watchersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(watchersDone)
	}()

	select {
	case token := <-tokenCh:
		cancel()
		<-watchersDone
		return token, nil
	case <-watchersDone:
		// All sources exhausted their attempts; a token may still have
		// landed in the same instant.
		select {
		case token := <-tokenCh:
			return token, nil
		default:
		}
		return "", ErrExtractionTimeout
	case <-ctx.Done():
		<-watchersDone
		select {
		case token := <-tokenCh:
			return token, nil
		default:
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return "", ErrExtractionAborted
		}
		return "", ErrExtractionTimeout
	}
}

func (e *TokenExtractor) debugLog(format string, args ...interface{}) {
	if e.config.DebugMode {
		log.Printf("[extractor] "+format, args...)
	}
}
