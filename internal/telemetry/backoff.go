package telemetry

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	minRetryDelay = 1 * time.Second
	maxRetryDelay = 60 * time.Second
)

// backoff gates reconnect attempts: 1s doubling up to 60s, reset on success.
// Only the owning loop goroutine touches it.
type backoff struct {
	delay    time.Duration
	next     time.Time
	attempts int
}

func (b *backoff) ready(now time.Time) bool { return !now.Before(b.next) }

// failed records a failed attempt and returns the wait before the next one.
func (b *backoff) failed(now time.Time) time.Duration {
	if b.delay == 0 {
		b.delay = minRetryDelay
	}
	wait := b.delay
	b.next = now.Add(wait)
	b.attempts++
	b.delay *= 2
	if b.delay > maxRetryDelay {
		b.delay = maxRetryDelay
	}
	return wait
}

func (b *backoff) succeeded() {
	b.delay = 0
	b.next = time.Time{}
	b.attempts = 0
}

// ConnectWithRetry calls connect until it succeeds or ctx is done, waiting
// between attempts on the same schedule the poll loops use.
func ConnectWithRetry(ctx context.Context, name string, connect func() error, log logrus.FieldLogger) error {
	var retry backoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := connect()
		if err == nil {
			log.Infof("[%s] connected (attempt %d)", name, retry.attempts+1)
			return nil
		}
		wait := retry.failed(time.Now())
		log.Warnf("[%s] connect attempt %d failed: %v (retry in %v)", name, retry.attempts, err, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
