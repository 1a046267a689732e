package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/tjfontaine/polyglot-token-pool/internal/pool"

// Pool is a concurrency-safe set of credentials with usage accounting.
//
// A single mutex guards the records, the selection cursor, the selector and
// the current record, so selection plus cursor advance is one critical
// section and usage updates on the same id never interleave.
type Pool struct {
	mu       sync.Mutex
	records  []TokenRecord
	nextID   int
	cursor   int
	selector Selector
	current  int // id of the last dispatched record, 0 if none

	enforceLimit bool
	logger       *slog.Logger
	tracer       trace.Tracer

	dispatched uint64
	rejected   uint64

	// dirty maps ids to whether the record still exists; see Flush.
	dirty   map[int]bool
	flushMu sync.Mutex
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithSelector installs the initial selection algorithm.
func WithSelector(s Selector) Option {
	return func(p *Pool) {
		if s != nil {
			p.selector = s
		}
	}
}

// WithLimitEnforcement makes Lease.PreCheck reject a call whose estimated cost
// would push the record past its limit. Off by default: PreCheck then only
// records usage and always approves.
func WithLimitEnforcement(enabled bool) Option {
	return func(p *Pool) {
		p.enforceLimit = enabled
	}
}

// WithRestored rebuilds the pool from previously persisted records. When the
// set is non-empty it replaces the record seeded from the initial credential;
// ids are kept and new ids continue after the highest restored one.
func WithRestored(records []TokenRecord) Option {
	return func(p *Pool) {
		if len(records) == 0 {
			return
		}
		p.records = p.records[:0]
		p.nextID = 0
		seen := make(map[int]bool, len(records))
		for _, r := range records {
			if r.ID <= 0 || seen[r.ID] {
				p.logger.Warn("skipping restored token with invalid or duplicate id", slog.Int("id", r.ID))
				continue
			}
			seen[r.ID] = true
			p.records = append(p.records, r.clone())
			if r.ID > p.nextID {
				p.nextID = r.ID
			}
		}
		p.nextID++
	}
}

// New creates a pool seeded with one record holding initialCredential.
func New(initialCredential string, opts ...Option) *Pool {
	p := &Pool{
		nextID:   1,
		selector: RoundRobin{},
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		dirty:    make(map[int]bool),
	}
	p.records = append(p.records, TokenRecord{ID: p.nextID, Credential: initialCredential})
	p.nextID++

	for _, opt := range opts {
		opt(p)
	}
	for _, r := range p.records {
		p.dirty[r.ID] = true
	}
	return p
}

// SetSelector replaces the selection algorithm. It applies from the next
// dispatch on. A nil selector restores the default round robin.
func (p *Pool) SetSelector(s Selector) {
	if s == nil {
		s = RoundRobin{}
	}
	p.mu.Lock()
	p.selector = s
	p.mu.Unlock()
	p.logger.Info("selection algorithm changed", slog.String("algorithm", selectorName(s)))
}

// CurrentToken returns the record chosen by the most recent dispatch. It is
// informational only; accounting always goes through the Lease.
func (p *Pool) CurrentToken() (TokenRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == 0 {
		return TokenRecord{}, false
	}
	i := p.indexOf(p.current)
	if i < 0 {
		return TokenRecord{}, false
	}
	return p.records[i].clone(), true
}

// Dispatch selects the credential for one outbound call and returns the
// Lease that scopes its accounting. It fails with ErrPoolExhausted when the
// selector finds nothing, panics, or returns a record that is not in the pool.
func (p *Pool) Dispatch(ctx context.Context) (*Lease, error) {
	_, span := p.tracer.Start(ctx, "pool.Dispatch")
	defer span.End()

	rec, err := p.selectNext()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int("pool.token_id", rec.ID))
	p.logger.Debug("token dispatched", slog.Any("token", rec))
	return &Lease{pool: p, record: rec}, nil
}

func (p *Pool) selectNext() (TokenRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	snapshot := p.snapshotLocked()
	rec, ok, err := safeSelect(p.selector, snapshot, p.cursor)
	if err != nil {
		p.logger.Warn("selection algorithm failed", slog.String("error", err.Error()))
		ok = false
	}
	if ok {
		if i := p.indexOf(rec.ID); i >= 0 {
			rec = p.records[i].clone()
		} else {
			p.logger.Warn("selection algorithm returned unknown token", slog.Int("id", rec.ID))
			ok = false
		}
	}
	if !ok {
		p.rejected++
		return TokenRecord{}, ErrPoolExhausted
	}

	p.cursor++
	p.current = rec.ID
	p.dispatched++
	return rec, nil
}

func safeSelect(s Selector, records []TokenRecord, cursor int) (rec TokenRecord, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, ok, err = TokenRecord{}, false, fmt.Errorf("selector panic: %v", r)
		}
	}()
	rec, ok = s.Select(records, cursor)
	return rec, ok, nil
}

// charge adds cost to the usage of id. It reports false when the record no
// longer exists. With check set and limit enforcement on, a charge that would
// exceed the limit is refused and reported as rejected.
func (p *Pool) charge(id int, cost int64, check bool) (found, rejected bool) {
	if cost < 0 {
		cost = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(id)
	if i < 0 {
		return false, false
	}
	r := &p.records[i]
	next := r.UsageValue() + cost
	if check && p.enforceLimit && r.Limit != nil && next > *r.Limit {
		return true, true
	}
	r.Usage = Int64(next)
	p.dirty[id] = true
	return true, false
}

// Stats is a point-in-time summary of the pool.
type Stats struct {
	Tokens     int    `json:"tokens"`
	Exhausted  int    `json:"exhausted"`
	Cursor     int    `json:"cursor"`
	Algorithm  string `json:"algorithm"`
	Dispatched uint64 `json:"dispatched"`
	Rejected   uint64 `json:"rejected"`
}

// Stats returns counters for the admin surface.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Tokens:     len(p.records),
		Cursor:     p.cursor,
		Algorithm:  selectorName(p.selector),
		Dispatched: p.dispatched,
		Rejected:   p.rejected,
	}
	for _, r := range p.records {
		if r.Exhausted() {
			st.Exhausted++
		}
	}
	return st
}

func selectorName(s Selector) string {
	switch s.(type) {
	case RoundRobin, *RoundRobin:
		return AlgorithmRoundRobin
	case StrictRoundRobin, *StrictRoundRobin:
		return AlgorithmStrictRoundRobin
	case LeastUsed, *LeastUsed:
		return AlgorithmLeastUsed
	default:
		return "custom"
	}
}
