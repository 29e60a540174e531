package common

import (
	"math/rand"
	"os"
	"time"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// ChildLogTags copy the component log tags with additional fields
func (c Component) ChildLogTags(extra log.Fields) log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

// Backoff bounded exponential backoff with jitter
type Backoff struct {
	// Initial is the first wait
	Initial time.Duration
	// Max is the cap on any wait
	Max time.Duration
	// MaxAttempts is the max number of attempts per outage, -1 is unlimited
	MaxAttempts int

	attempt int
}

// NewBackoff define a Backoff from a reconnect config
func NewBackoff(cfg ReconnectConfig) *Backoff {
	return &Backoff{
		Initial:     time.Millisecond * time.Duration(cfg.InitialWait),
		Max:         time.Millisecond * time.Duration(cfg.MaxWait),
		MaxAttempts: cfg.MaxAttempts,
	}
}

// Next the wait before the next attempt, and false once the attempts are exhausted
func (b *Backoff) Next() (time.Duration, bool) {
	if b.MaxAttempts >= 0 && b.attempt >= b.MaxAttempts {
		return 0, false
	}
	wait := b.Initial
	for i := 0; i < b.attempt && wait < b.Max; i++ {
		wait *= 2
	}
	if wait > b.Max {
		wait = b.Max
	}
	b.attempt++
	// Up to 20% jitter, never above Max
	if jitter := int64(wait) / 5; jitter > 0 {
		wait = wait - time.Duration(jitter) + time.Duration(rand.Int63n(jitter+1))
	}
	return wait, true
}

// Attempts the number of attempts handed out since the last reset
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset start over after a successful attempt
func (b *Backoff) Reset() {
	b.attempt = 0
}

// GetUnitTestNatsURI NATS server used by integration tests, empty when none is configured
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}
