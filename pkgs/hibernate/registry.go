package hibernate

import (
	"sync"
	"time"
)

// Core is the process-wide hibernation core context: the registry, retry
// queue and shared collaborators that the original keeps as file-scope
// globals (imap_clients, unhibernate_queue, to_unhibernate). spec.md §9
// calls globals "incidental to the original environment" and asks a
// reimplementation to carry them as an explicit handle instead — Core is
// that handle.
type Core struct {
	mu sync.Mutex

	// sessions is the registry (spec.md §4.7). A plain set replaces the
	// original's intrusive doubly-linked list: spec.md §9 allows either,
	// and a map gives O(1) removal without needing sentinel/prev-next
	// bookkeeping.
	sessions map[*Session]struct{}

	retryHeap   retryQueue
	retryTicker *time.Ticker
	retryStop   chan struct{}

	cfg   *Config
	anvil Anvil
	log   *Logger

	notifyWatcher *notifyWatcher

	shutdown bool
}

// NewCore wires a hibernation core context per spec.md §5 "core context
// handle": no package-level state, everything explicit.
func NewCore(cfg *Config, anvil Anvil, log *Logger) *Core {
	if anvil == nil {
		anvil = NullAnvil{}
	}
	if log == nil {
		log = NewLogger(nil)
	}
	return &Core{
		sessions:      make(map[*Session]struct{}),
		retryStop:     make(chan struct{}),
		cfg:           cfg,
		anvil:         anvil,
		log:           log,
		notifyWatcher: newNotifyWatcher(),
	}
}

// Kick implements spec.md §4.7: terminate every session matching user and
// (if non-empty) connGUID.
func (c *Core) Kick(user, connGUID string) int {
	c.mu.Lock()
	matched := make([]*Session, 0)
	for s := range c.sessions {
		if s.matchesKick(user, connGUID) {
			matched = append(matched, s)
		}
	}
	c.mu.Unlock()

	for _, s := range matched {
		s.Kick(false)
	}
	return len(matched)
}

// Shutdown implements spec.md §4.7 "graceful deinit kicks all" and tears
// down the shared retry ticker and notify watcher.
func (c *Core) Shutdown() {
	c.mu.Lock()
	all := make([]*Session, 0, len(c.sessions))
	for s := range c.sessions {
		all = append(all, s)
	}
	c.mu.Unlock()

	for _, s := range all {
		s.Kick(true)
	}

	c.mu.Lock()
	c.shutdown = true
	c.stopRetryTickerLocked()
	c.mu.Unlock()
	c.notifyWatcher.Close()
}

// shuttingDown reports whether Shutdown has been called, so Run can tell a
// deliberate shutdown apart from a genuine listener failure.
func (c *Core) shuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// SessionCount reports the number of live sessions, for diagnostics/tests.
func (c *Core) SessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
