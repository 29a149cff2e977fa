// Package browser manages a bounded pool of headless Chrome instances for
// fetching JavaScript-rendered listing pages.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog/log"
)

// ErrPoolClosed is returned by Acquire after Shutdown.
var ErrPoolClosed = errors.New("browser: pool is closed")

// Config holds browser pool settings.
type Config struct {
	// MaxInstances caps concurrently running browsers.
	MaxInstances int
	// PageTimeout bounds a single page fetch.
	PageTimeout time.Duration
	// SettleDelay is the pause after DOM ready before reading the page, to
	// let late XHR-rendered content land.
	SettleDelay time.Duration
	Headless    bool
}

// DefaultConfig returns production pool settings.
func DefaultConfig() *Config {
	return &Config{
		MaxInstances: 3,
		PageTimeout:  45 * time.Second,
		SettleDelay:  2 * time.Second,
		Headless:     true,
	}
}

// Resource is a live browser instance checked out from the pool.
type Resource struct {
	id          int
	fingerprint Fingerprint
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	cancel      context.CancelFunc
}

// Fingerprint returns the identity this browser presents to sites.
func (r *Resource) Fingerprint() Fingerprint {
	return r.fingerprint
}

// dead reports whether the underlying browser context has terminated, which
// happens when Chrome crashes or is killed out from under us.
func (r *Resource) dead() bool {
	return r.browserCtx != nil && r.browserCtx.Err() != nil
}

// Pool hands out browser instances up to a fixed ceiling. Waiters are
// served strictly in arrival order.
type Pool struct {
	config *Config
	// start launches a browser for a pool slot. Overridable in tests.
	start func(id int) (*Resource, error)

	mu      sync.Mutex
	idle    []*Resource
	waiters []chan *Resource
	inUse   int
	created int
	nextID  int
	closed  bool
}

// NewPool creates a browser pool. Browsers start lazily on first Acquire.
func NewPool(config *Config) *Pool {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxInstances <= 0 {
		config.MaxInstances = 3
	}
	p := &Pool{config: config}
	p.start = p.startBrowser
	return p
}

// Acquire checks out a browser, starting a new one if the pool is below its
// ceiling, otherwise queueing until a release. Cancelling ctx abandons the
// wait.
func (p *Pool) Acquire(ctx context.Context) (*Resource, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if n := len(p.idle); n > 0 {
		res := p.idle[0]
		p.idle = p.idle[1:]
		p.inUse++
		p.mu.Unlock()
		return res, nil
	}

	if p.created < p.config.MaxInstances {
		id := p.nextID
		p.nextID++
		p.created++
		p.inUse++
		p.mu.Unlock()

		res, err := p.start(id)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.inUse--
			p.mu.Unlock()
			return nil, err
		}
		return res, nil
	}

	// At the ceiling: join the FIFO queue.
	waiter := make(chan *Resource, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case res := <-waiter:
		if res == nil {
			p.mu.Lock()
			closed := p.closed
			p.mu.Unlock()
			if closed {
				return nil, ErrPoolClosed
			}
			return nil, errors.New("browser: replacement instance failed to start")
		}
		return res, nil
	case <-ctx.Done():
		p.abandonWaiter(waiter)
		return nil, ctx.Err()
	}
}

// Release returns a browser to the pool, handing it to the oldest waiter
// when one is queued. A browser whose context has died is retired instead,
// freeing its slot for a fresh instance.
func (p *Pool) Release(res *Resource) {
	if res == nil {
		return
	}
	if res.dead() {
		p.retire(res)
		return
	}

	p.mu.Lock()
	p.inUse--

	if p.closed {
		p.mu.Unlock()
		res.stop()
		return
	}

	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.inUse++
		p.mu.Unlock()
		waiter <- res
		return
	}

	p.idle = append(p.idle, res)
	p.mu.Unlock()
}

// InUse reports currently checked-out browsers, for the admin surface.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Waiting reports queued acquirers, for the admin surface.
func (p *Pool) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}

// Shutdown closes all idle browsers and fails queued waiters. Browsers
// still checked out are closed on their Release.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w <- nil
	}
	for _, res := range idle {
		res.stop()
	}

	log.Info().Int("browsers", len(idle)).Msg("Browser pool shut down")
}

// retire disposes of a dead browser and gives its slot back to the pool.
// The oldest waiter, if any, gets a freshly started instance in its place.
func (p *Pool) retire(res *Resource) {
	res.stop()
	log.Warn().Int("browser_id", res.id).Msg("Retiring dead browser")

	p.mu.Lock()
	p.inUse--
	p.created--

	if p.closed || len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}

	waiter := p.waiters[0]
	p.waiters = p.waiters[1:]
	id := p.nextID
	p.nextID++
	p.created++
	p.inUse++
	p.mu.Unlock()

	fresh, err := p.start(id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to start replacement browser")
		p.mu.Lock()
		p.created--
		p.inUse--
		p.mu.Unlock()
		waiter <- nil
		return
	}
	waiter <- fresh
}

// abandonWaiter removes a cancelled waiter, re-releasing any resource that
// raced in before the removal.
func (p *Pool) abandonWaiter(waiter chan *Resource) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return
		}
	}
	p.mu.Unlock()

	// Not in the queue anymore, so Release already handed us a resource.
	if res := <-waiter; res != nil {
		p.Release(res)
	}
}

// startBrowser launches a Chrome instance with a fingerprint assigned
// round-robin from the fingerprint pool.
func (p *Pool) startBrowser(id int) (*Resource, error) {
	fp := fingerprintFor(id)

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", p.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", fp.Language),
		chromedp.UserAgent(fp.UserAgent),
		chromedp.WindowSize(fp.Width, fp.Height),
	)

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, cancel := chromedp.NewContext(allocCtx)

	// Start the process now so a broken Chrome install fails Acquire
	// instead of the first page fetch.
	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		allocCancel()
		return nil, fmt.Errorf("browser: failed to start instance %d: %w", id, err)
	}

	log.Info().
		Int("browser_id", id).
		Str("user_agent", fp.UserAgent).
		Msg("Started headless browser")

	return &Resource{
		id:          id,
		fingerprint: fp,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		cancel:      cancel,
	}, nil
}

func (r *Resource) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.allocCancel != nil {
		r.allocCancel()
	}
}
