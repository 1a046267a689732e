package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Persister stores records outside the process. The pool only writes through
// it; loading is the host's job (see WithRestored).
type Persister interface {
	SaveToken(ctx context.Context, rec TokenRecord) error
	DeleteToken(ctx context.Context, id int) error
}

// Flush writes every record changed since the previous flush to store, and
// deletes the ones removed since then. The latest state of each record is
// written, outside the pool lock. Records that fail to write stay pending for
// the next flush.
func (p *Pool) Flush(ctx context.Context, store Persister) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	if len(p.dirty) == 0 {
		p.mu.Unlock()
		return nil
	}
	saves := make([]TokenRecord, 0, len(p.dirty))
	var deletes []int
	for id, exists := range p.dirty {
		if i := p.indexOf(id); exists && i >= 0 {
			saves = append(saves, p.records[i].clone())
		} else {
			deletes = append(deletes, id)
		}
	}
	p.dirty = make(map[int]bool)
	p.mu.Unlock()

	var errs []error
	for _, rec := range saves {
		if err := store.SaveToken(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("save token %d: %w", rec.ID, err))
			p.markPending(rec.ID, true)
		}
	}
	for _, id := range deletes {
		if err := store.DeleteToken(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete token %d: %w", id, err))
			p.markPending(id, false)
		}
	}
	return errors.Join(errs...)
}

// markPending re-queues a failed write unless a newer change superseded it.
func (p *Pool) markPending(id int, exists bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.dirty[id]; !ok {
		p.dirty[id] = exists
	}
}

// RunPersistence flushes to store every interval until ctx is done, then
// flushes once more so the final state is not lost.
func (p *Pool) RunPersistence(ctx context.Context, store Persister, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.Flush(final, store); err != nil {
				p.logger.Error("final token flush failed", slog.String("error", err.Error()))
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.Flush(ctx, store); err != nil {
				p.logger.Error("token flush failed", slog.String("error", err.Error()))
			}
		}
	}
}
