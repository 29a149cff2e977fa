package browser

// Fingerprint is the browser identity a pool instance presents: user agent,
// viewport, and Accept-Language. Each pool slot keeps one fingerprint for
// its whole lifetime so a session's requests stay consistent.
type Fingerprint struct {
	UserAgent string
	Width     int
	Height    int
	Language  string
}

// fingerprints are realistic desktop identities, rotated across pool slots.
var fingerprints = []Fingerprint{
	{
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Width:     1920,
		Height:    1080,
		Language:  "pl-PL",
	},
	{
		UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
		Width:     1680,
		Height:    1050,
		Language:  "pl-PL",
	},
	{
		UserAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
		Width:     1536,
		Height:    864,
		Language:  "pl-PL",
	},
}

func fingerprintFor(slot int) Fingerprint {
	return fingerprints[slot%len(fingerprints)]
}
