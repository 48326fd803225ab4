package session

import (
	"sync"
	"time"
)

// Clipboard is the shared text clipboard.
type Clipboard interface {
	ReadText() (string, error)
	WriteText(text string) error
}

// MemoryClipboard is an in-process Clipboard.
type MemoryClipboard struct {
	mu       sync.Mutex
	text     string
	onChange func(string)
}

// NewMemoryClipboard returns an empty clipboard. onChange may be nil.
func NewMemoryClipboard(onChange func(string)) *MemoryClipboard {
	return &MemoryClipboard{onChange: onChange}
}

// ReadText returns the current content.
func (c *MemoryClipboard) ReadText() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text, nil
}

// WriteText replaces the content.
func (c *MemoryClipboard) WriteText(text string) error {
	c.mu.Lock()
	c.text = text
	onChange := c.onChange
	c.mu.Unlock()

	if onChange != nil {
		onChange(text)
	}
	return nil
}

// echoGuard remembers the last clipboard value that crossed the link in either direction,
// so a value is neither re-applied nor bounced back while it is fresh.
type echoGuard struct {
	mu     sync.Mutex
	last   string
	at     time.Time
	window time.Duration
	now    func() time.Time
}

func newEchoGuard(window time.Duration, now func() time.Time) *echoGuard {
	if now == nil {
		now = time.Now
	}
	return &echoGuard{window: window, now: now}
}

func (g *echoGuard) remember(text string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = text
	g.at = g.now()
}

func (g *echoGuard) isEcho(text string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.at.IsZero() && text == g.last && g.now().Sub(g.at) < g.window
}
