// Package botwall detects anti-bot interstitials in fetched pages using
// wappalyzergo fingerprints and known challenge-page markers, so callers can
// fail fast instead of parsing a CAPTCHA wall as a listing.
package botwall

import (
	"errors"
	"net/http"
	"strings"
	"sync"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"
	"github.com/rs/zerolog/log"
)

// ErrBotBlocked is returned when a page is an anti-bot challenge rather
// than real content.
var ErrBotBlocked = errors.New("botwall: request blocked by anti-bot protection")

// securityVendors are wappalyzer technology names that indicate an active
// challenge when they appear alongside challenge-page markup.
var securityVendors = map[string]bool{
	"Cloudflare":         true,
	"DataDome":           true,
	"PerimeterX":         true,
	"HUMAN":              true,
	"Akamai Bot Manager": true,
	"Imperva":            true,
}

// blockMarkers are body fragments that only appear on challenge or denial
// pages, never on listings. Matched case-insensitively.
var blockMarkers = []string{
	"verify you are a human",
	"checking your browser",
	"just a moment...",
	"enable javascript and cookies to continue",
	"access denied",
	"zweryfikuj, że jesteś człowiekiem",
	"potwierdź, że nie jesteś robotem",
	"captcha-delivery.com",
	"geo.captcha-delivery.com",
	"px-captcha",
	"cf-challenge",
}

// Result describes a single inspection.
type Result struct {
	Blocked bool
	// Marker is the matched block marker, when Blocked.
	Marker string
	// Vendor is the detected protection vendor, when fingerprinting found one.
	Vendor string
}

// Detector inspects fetched pages for anti-bot challenges.
type Detector struct {
	client *wappalyzer.Wappalyze
	mu     sync.RWMutex
}

// New creates a new Detector. Fingerprint data loads once at construction.
func New() (*Detector, error) {
	client, err := wappalyzer.New()
	if err != nil {
		return nil, err
	}
	return &Detector{client: client}, nil
}

// Inspect checks headers and body for challenge signatures. Status codes
// 403 and 429 with a security vendor fingerprint also count as blocked.
func (d *Detector) Inspect(statusCode int, headers http.Header, body []byte) Result {
	d.mu.RLock()
	defer d.mu.RUnlock()

	lower := strings.ToLower(string(body))
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			res := Result{Blocked: true, Marker: marker, Vendor: d.vendor(headers, body)}
			log.Warn().
				Str("marker", marker).
				Str("vendor", res.Vendor).
				Int("status", statusCode).
				Msg("Anti-bot challenge page detected")
			return res
		}
	}

	if statusCode == http.StatusForbidden || statusCode == http.StatusTooManyRequests {
		if vendor := d.vendor(headers, body); vendor != "" {
			log.Warn().
				Str("vendor", vendor).
				Int("status", statusCode).
				Msg("Request denied by bot protection vendor")
			return Result{Blocked: true, Vendor: vendor}
		}
	}

	return Result{}
}

// InspectHTML checks rendered page HTML without header context, for pages
// fetched through a browser where response headers are not retained.
func (d *Detector) InspectHTML(html string) Result {
	return d.Inspect(http.StatusOK, http.Header{}, []byte(html))
}

// vendor returns the first recognised protection vendor fingerprinted from
// the page, or an empty string.
func (d *Detector) vendor(headers http.Header, body []byte) string {
	for tech := range d.client.Fingerprint(headers, body) {
		// Fingerprints may carry version suffixes like "Cloudflare:2".
		name := strings.SplitN(tech, ":", 2)[0]
		if securityVendors[name] {
			return name
		}
	}
	return ""
}
