package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"

	"github.com/rentradar/rentradar/internal/botwall"
)

// Cookie is a session cookie applied to a page fetch.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
}

// FetchOptions control a single page fetch.
type FetchOptions struct {
	// Cookies are applied before navigation, for session-gated sources.
	Cookies []Cookie
	// ScrollPage scrolls to the bottom in steps so lazy-loaded content
	// (images, view counters) renders before the HTML is read.
	ScrollPage bool
}

// FetchPage acquires a browser, renders the URL, and returns the final HTML.
// The browser is always released, including on error. Challenge pages
// return botwall.ErrBotBlocked.
func (p *Pool) FetchPage(ctx context.Context, bw *botwall.Detector, url string, opts FetchOptions) (string, error) {
	res, err := p.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer p.Release(res)

	return res.Fetch(ctx, bw, url, opts, p.config)
}

// Fetch renders a URL in this browser instance and returns the page HTML.
// Each fetch runs in a fresh tab so listing pages cannot leak state into
// each other.
func (r *Resource) Fetch(ctx context.Context, bw *botwall.Detector, url string, opts FetchOptions, config *Config) (string, error) {
	tabCtx, tabCancel := chromedp.NewContext(r.browserCtx)
	defer tabCancel()

	fetchCtx, cancel := context.WithTimeout(tabCtx, config.PageTimeout)
	defer cancel()

	// Propagate caller cancellation into the tab.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-fetchCtx.Done():
		}
	}()

	actions := []chromedp.Action{network.Enable()}
	if len(opts.Cookies) > 0 {
		actions = append(actions, setCookiesAction(opts.Cookies))
	}
	actions = append(actions,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		waitForQuietDOM(config.SettleDelay),
	)
	if opts.ScrollPage {
		actions = append(actions, scrollToBottom())
	}

	var html string
	actions = append(actions, chromedp.OuterHTML("html", &html, chromedp.ByQuery))

	start := time.Now()
	if err := chromedp.Run(fetchCtx, actions...); err != nil {
		return "", fmt.Errorf("browser: fetch %s: %w", url, err)
	}

	log.Debug().
		Str("url", url).
		Int("browser_id", r.id).
		Dur("duration", time.Since(start)).
		Int("html_bytes", len(html)).
		Msg("Page rendered")

	if inspection := bw.InspectHTML(html); inspection.Blocked {
		return "", botwall.ErrBotBlocked
	}
	return html, nil
}

// setCookiesAction installs cookies through the devtools protocol before
// navigation.
func setCookiesAction(cookies []Cookie) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			param := network.SetCookie(c.Name, c.Value).
				WithDomain(c.Domain).
				WithPath(c.Path).
				WithHTTPOnly(c.HTTPOnly).
				WithSecure(c.Secure)
			if !c.Expires.IsZero() {
				expires := cdp.TimeSinceEpoch(c.Expires)
				param = param.WithExpires(&expires)
			}
			if err := param.Do(ctx); err != nil {
				return fmt.Errorf("browser: set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

// waitForQuietDOM waits until document.readyState is complete, then pauses
// for the settle delay. Pages that never reach complete within the fetch
// timeout proceed with whatever rendered; partial markup degrades at
// extraction, it does not fail the fetch.
func waitForQuietDOM(settle time.Duration) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var ready bool
		err := chromedp.Run(pollCtx, chromedp.Poll(
			`document.readyState === 'complete'`,
			&ready,
			chromedp.WithPollingInterval(200*time.Millisecond),
		))
		if err != nil {
			log.Debug().Err(err).Msg("Page never reached readyState complete, continuing")
		}

		select {
		case <-time.After(settle):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// scrollToBottom scrolls the page in viewport-sized steps.
func scrollToBottom() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		return chromedp.Run(ctx, chromedp.EvaluateAsDevTools(`(async () => {
			const step = window.innerHeight;
			for (let y = 0; y < document.body.scrollHeight; y += step) {
				window.scrollTo(0, y);
				await new Promise(r => setTimeout(r, 150));
			}
			window.scrollTo(0, document.body.scrollHeight);
			return true;
		})()`, nil, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
	})
}

// Login runs an interactive task sequence, such as a login flow, in the
// browser's main tab so the resulting cookies persist for the instance.
func (r *Resource) Login(ctx context.Context, tasks chromedp.Tasks) error {
	runCtx, cancel := context.WithTimeout(r.browserCtx, 90*time.Second)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := chromedp.Run(runCtx, tasks); err != nil {
		return fmt.Errorf("browser: login flow: %w", err)
	}
	return nil
}

// ReadCookies returns the cookies currently held by this browser instance,
// used to persist an authenticated session after login.
func (r *Resource) ReadCookies(ctx context.Context) ([]Cookie, error) {
	fetchCtx, cancel := context.WithTimeout(r.browserCtx, 10*time.Second)
	defer cancel()

	var cookies []Cookie
	err := chromedp.Run(fetchCtx, chromedp.ActionFunc(func(cctx context.Context) error {
		raw, err := network.GetCookies().Do(cctx)
		if err != nil {
			return err
		}
		for _, c := range raw {
			cookies = append(cookies, Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Expires:  time.Unix(int64(c.Expires), 0).UTC(),
				HTTPOnly: c.HTTPOnly,
				Secure:   c.Secure,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("browser: read cookies: %w", err)
	}
	return cookies, nil
}
