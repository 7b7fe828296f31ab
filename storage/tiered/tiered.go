// Package tiered provides a Hot/Cold webhook event log that pairs a fast
// shared store (Hot, e.g. Redis) with the durable database (Cold, e.g.
// Postgres). Lookups read through Hot and repair it from Cold; writes land
// in Cold first so a lost Hot tier never forgets a processed delivery.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/goreferral/pkg/billing"
)

var _ billing.EventLog = (*EventLog)(nil)

// Config configures the tiered event log
type Config struct {
	// Hot is the L1 store consulted first (e.g. Redis, Memory)
	Hot billing.EventLog

	// Cold is the L2 store and the source of truth (e.g. Postgres)
	Cold billing.EventLog

	// AsyncHotWrite moves Hot writes off the request path. If false, Hot is
	// written synchronously after Cold.
	AsyncHotWrite bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async Hot write fails
	AsyncErrorHandler func(error)
}

// EventLog implements billing.EventLog over two tiers.
//   - Seen: read-through (Hot, then Cold, repairing Hot on a Cold hit)
//   - MarkProcessed: write-through (Cold, then Hot best effort)
type EventLog struct {
	hot  billing.EventLog
	cold billing.EventLog
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a tiered event log
func New(config Config) (*EventLog, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered event log: both hot and cold logs are required")
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	l := &EventLog{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncHotWrite {
		l.startWorker()
	}
	return l, nil
}

// Close drains pending async writes and stops the worker
func (l *EventLog) Close() error {
	if l.conf.AsyncHotWrite {
		l.closeOnce.Do(func() {
			close(l.shutdown)
			l.wg.Wait()
		})
	}
	return nil
}

// startWorker applies queued Hot writes in order
func (l *EventLog) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		for {
			select {
			case job := <-l.syncQueue:
				l.run(job)
			case <-l.shutdown:
				for {
					select {
					case job := <-l.syncQueue:
						l.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (l *EventLog) run(job func() error) {
	if err := job(); err != nil && l.conf.AsyncErrorHandler != nil {
		l.conf.AsyncErrorHandler(fmt.Errorf("tiered hot write failed: %w", err))
	}
}

// Seen implements billing.EventLog with read-through
func (l *EventLog) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	if seen, err := l.hot.Seen(ctx, provider, eventID); err == nil && seen {
		return true, nil
	}

	seen, err := l.cold.Seen(ctx, provider, eventID)
	if err != nil {
		return false, err
	}
	if seen {
		// read-repair; a failed cache fill only costs a Cold lookup next time
		_ = l.hot.MarkProcessed(ctx, provider, eventID) //nolint:errcheck // cache fill
	}
	return seen, nil
}

// MarkProcessed implements billing.EventLog with write-through
func (l *EventLog) MarkProcessed(ctx context.Context, provider, eventID string) error {
	if err := l.cold.MarkProcessed(ctx, provider, eventID); err != nil {
		return err
	}

	if !l.conf.AsyncHotWrite {
		_ = l.hot.MarkProcessed(ctx, provider, eventID) //nolint:errcheck // Cold is source of truth
		return nil
	}

	job := func() error {
		return l.hot.MarkProcessed(context.WithoutCancel(ctx), provider, eventID)
	}
	select {
	case l.syncQueue <- job:
	default:
		// queue full; the next Seen repairs Hot from Cold
		if l.conf.AsyncErrorHandler != nil {
			l.conf.AsyncErrorHandler(errors.New("tiered sync queue full, hot write dropped"))
		}
	}
	return nil
}
