package pool

import (
	"log/slog"
	"sync/atomic"
)

// Hooks are the callbacks a request pipeline invokes around one upstream call.
type Hooks struct {
	// PreCheck runs before the request is sent with the estimated cost. A
	// false result means the call must not be sent.
	PreCheck func(cost int64) bool

	// PostProcess runs after a response arrived with the reported cost.
	PostProcess func(cost int64)
}

// Lease is the scoped state of one dispatched call. Its hooks always charge
// the record selected for this call, whatever other dispatches do meanwhile.
// Each hook charges at most once; a Lease is safe for concurrent use.
type Lease struct {
	pool   *Pool
	record TokenRecord

	preDone  atomic.Bool
	preOK    atomic.Bool
	postDone atomic.Bool
}

// Record returns the record as it was when the lease was handed out.
func (l *Lease) Record() TokenRecord {
	return l.record.clone()
}

// TokenID returns the id of the leased record.
func (l *Lease) TokenID() int {
	return l.record.ID
}

// Credential returns the secret to authenticate this call with.
func (l *Lease) Credential() string {
	return l.record.Credential
}

// PreCheck charges the estimated cost before the request is sent. It returns
// true unless limit enforcement is on and the charge would exceed the limit,
// in which case nothing is charged. Later calls return the first result.
func (l *Lease) PreCheck(cost int64) bool {
	if !l.preDone.CompareAndSwap(false, true) {
		return l.preOK.Load()
	}
	found, rejected := l.pool.charge(l.record.ID, cost, true)
	if !found {
		l.pool.logger.Warn("pre-check charge dropped, token no longer in pool",
			slog.Int("token_id", l.record.ID), slog.Int64("cost", cost))
	}
	ok := !rejected
	l.preOK.Store(ok)
	return ok
}

// PostProcess charges the cost reported after the call completed.
func (l *Lease) PostProcess(cost int64) {
	if !l.postDone.CompareAndSwap(false, true) {
		return
	}
	if found, _ := l.pool.charge(l.record.ID, cost, false); !found {
		l.pool.logger.Warn("post-process charge dropped, token no longer in pool",
			slog.Int("token_id", l.record.ID), slog.Int64("cost", cost))
	}
}

// Hooks returns the lease's callbacks. Both charge the leased record.
func (l *Lease) Hooks() Hooks {
	return Hooks{
		PreCheck:    l.PreCheck,
		PostProcess: l.PostProcess,
	}
}
