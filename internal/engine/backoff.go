package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// retryPolicy computes the delay before a catalog retry attempt.
type retryPolicy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns base*2^attempt capped at Max, plus a jitter below Base/4
// derived from the event id and attempt. Retries of different events spread
// out; a given retry always gets the same delay.
func (p retryPolicy) Delay(eventID string, attempt int) time.Duration {
	delay := p.Max
	if attempt >= 0 && attempt < 62 && p.Base <= p.Max>>attempt {
		delay = p.Base << attempt
	}
	return delay + time.Duration(p.jitter(eventID, attempt))
}

func (p retryPolicy) jitter(eventID string, attempt int) int64 {
	limit := int64(p.Base / 4)
	if limit <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", eventID, attempt)))
	return int64(binary.BigEndian.Uint64(hash[:8]) % uint64(limit))
}

// Exhausted reports whether attempt is past the last allowed retry.
func (p retryPolicy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
