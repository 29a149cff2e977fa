package util

import (
	"fmt"
	"net/url"
	"strings"
)

// Query parameters that carry tracking state rather than listing identity.
// Two URLs differing only in these refer to the same offer.
var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_content", "utm_term",
	"reason", "ref", "sourcepage",
}

// CanonicalURL normalises a listing URL so it can serve as the offer's
// identity key: https scheme, lower-cased host without www, no fragment,
// no tracking query parameters, no trailing slash.
func CanonicalURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty URL")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("URL missing host: %q", raw)
	}

	parsed.Scheme = "https"
	parsed.Host = strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	parsed.Fragment = ""

	q := parsed.Query()
	for _, p := range trackingParams {
		q.Del(p)
	}
	parsed.RawQuery = q.Encode()

	parsed.Path = strings.TrimSuffix(parsed.Path, "/")

	return parsed.String(), nil
}

// AbsoluteURL resolves href against base, returning "" when either side is
// unparseable. Index pages mix absolute and relative detail links.
func AbsoluteURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || href == "#" || strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}

	return baseURL.ResolveReference(ref).String()
}

// SameHost reports whether rawURL points at host or one of its subdomains.
func SameHost(rawURL, host string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	h := strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	return h == host || strings.HasSuffix(h, "."+host)
}
