package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/rentradar/rentradar/internal/browser"
)

const (
	loginURL = "https://www.otodom.pl/pl/logowanie"
	// loginConfirmTimeout bounds the wait for the post-login redirect.
	loginConfirmTimeout = 15 * time.Second
)

// loginErrorSelectors locate the form's rejection message, most specific
// first. The site has shuffled its markup before, so older selectors stay
// as fallbacks.
var loginErrorSelectors = []string{
	`[data-testid="login-error"]`,
	`[data-cy="login.form.error"]`,
	`form [role="alert"]`,
	`.error-message`,
}

// OtodomLogin returns a LoginFunc that signs in through the site's login
// form with the given credentials.
func OtodomLogin(email, password string) LoginFunc {
	return func(ctx context.Context, res *browser.Resource) ([]browser.Cookie, error) {
		if email == "" || password == "" {
			return nil, fmt.Errorf("missing credentials")
		}

		if err := res.Login(ctx, loginTask(email, password)); err != nil {
			return nil, err
		}
		return res.ReadCookies(ctx)
	}
}

// loginTask fills and submits the login form. The cookie consent dialog
// renders before the form on a fresh profile, so it is dismissed first.
func loginTask(email, password string) chromedp.Tasks {
	return chromedp.Tasks{
		chromedp.Navigate(loginURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		dismissConsentBanner(),
		chromedp.WaitVisible(`input[name="email"]`, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="email"]`, email, chromedp.ByQuery),
		chromedp.SendKeys(`input[name="password"]`, password, chromedp.ByQuery),
		chromedp.Click(`button[type="submit"]`, chromedp.ByQuery),
		confirmLogin(),
	}
}

// confirmLogin waits for the post-login redirect. When it never comes, the
// page's own error message is scraped so the failure names the actual
// rejection instead of a bare timeout.
func confirmLogin() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		waitCtx, cancel := context.WithTimeout(ctx, loginConfirmTimeout)
		defer cancel()
		// The account menu only renders after a successful login redirect.
		err := chromedp.Run(waitCtx, chromedp.WaitVisible(`[data-testid="myaccount-link"]`, chromedp.ByQuery))
		if err == nil {
			return nil
		}
		return loginFailure(scrapeLoginError(ctx), err)
	})
}

// scrapeLoginError tries each error selector and returns the first
// non-empty message text, or "" when none rendered.
func scrapeLoginError(ctx context.Context) string {
	for _, sel := range loginErrorSelectors {
		scrapeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		var text string
		err := chromedp.Run(scrapeCtx, chromedp.Text(sel, &text, chromedp.ByQuery))
		cancel()
		if err != nil {
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return ""
}

// loginFailure builds the login error: the scraped page message when the
// form rejected us, otherwise the confirmation wait error.
func loginFailure(scraped string, waitErr error) error {
	if scraped != "" {
		return fmt.Errorf("login rejected: %s", scraped)
	}
	return fmt.Errorf("login confirmation not found: %w", waitErr)
}

func dismissConsentBanner() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		clickCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		// Absence of the banner is not an error.
		_ = chromedp.Run(clickCtx, chromedp.Click(`#onetrust-accept-btn-handler`, chromedp.ByQuery))
		return nil
	})
}
