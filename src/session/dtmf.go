package session

import (
	"sync"
	"time"

	"github.com/arnab-aionos/genesys-audio-connector-voiceai/src/timer"
)

// dtmfTerminator completes a capture immediately
const dtmfTerminator = "#"

// DTMFCollector accumulates digits for the session. A capture completes on
// the terminator digit or when the inter-digit window expires, yielding the
// collected string to the completion callback. Audio forwarding is
// suppressed while a capture is active.
type DTMFCollector struct {
	mu         sync.Mutex
	digits     string
	active     bool
	interDigit *timer.Timer
	onComplete func(digits string)
}

// NewDTMFCollector creates a collector with the given inter-digit timeout.
func NewDTMFCollector(timeout time.Duration, onComplete func(string)) *DTMFCollector {
	c := &DTMFCollector{onComplete: onComplete}
	c.interDigit = timer.New(timeout, c.timeoutExpired)
	return c
}

// Digit records one digit, restarting the inter-digit window. The
// terminator digit completes the capture immediately.
func (c *DTMFCollector) Digit(digit string) {
	if digit == "" {
		return
	}

	c.mu.Lock()
	if digit == dtmfTerminator {
		collected := c.resetLocked()
		c.mu.Unlock()
		c.complete(collected)
		return
	}

	c.digits += digit
	c.active = true
	c.interDigit.Start()
	c.mu.Unlock()
}

// Active reports whether a capture is in progress.
func (c *DTMFCollector) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Discard drops any in-progress capture without completing it.
func (c *DTMFCollector) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *DTMFCollector) timeoutExpired() {
	c.mu.Lock()
	collected := c.resetLocked()
	c.mu.Unlock()
	c.complete(collected)
}

// resetLocked clears capture state and returns what was collected.
func (c *DTMFCollector) resetLocked() string {
	collected := c.digits
	c.digits = ""
	c.active = false
	c.interDigit.Stop()
	return collected
}

func (c *DTMFCollector) complete(digits string) {
	if digits != "" && c.onComplete != nil {
		c.onComplete(digits)
	}
}
