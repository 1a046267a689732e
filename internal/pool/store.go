package pool

import "log/slog"

// AddToken appends a new untouched, unlimited record for credential and
// returns it. Duplicate credentials are allowed and accounted separately.
func (p *Pool) AddToken(credential string) TokenRecord {
	return p.AddTokenWith(credential, TokenPatch{})
}

// AddTokenWith appends a record for credential with initial applied in the
// same critical section, so no dispatch sees the record before it. The
// patch's Credential is ignored.
func (p *Pool) AddTokenWith(credential string, initial TokenPatch) TokenRecord {
	initial.Credential = nil

	p.mu.Lock()
	rec := TokenRecord{ID: p.nextID, Credential: credential}
	initial.apply(&rec)
	p.nextID++
	p.records = append(p.records, rec)
	p.dirty[rec.ID] = true
	p.mu.Unlock()

	p.logger.Info("token added", slog.Any("token", rec))
	return rec.clone()
}

// GetToken returns the record with the given id.
func (p *Pool) GetToken(id int) (TokenRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexOf(id)
	if i < 0 {
		return TokenRecord{}, false
	}
	return p.records[i].clone(), true
}

// UpdateToken merges patch into the record with the given id and returns the
// result. It reports false, changing nothing, when the id is unknown.
func (p *Pool) UpdateToken(id int, patch TokenPatch) (TokenRecord, bool) {
	p.mu.Lock()
	i := p.indexOf(id)
	if i < 0 {
		p.mu.Unlock()
		return TokenRecord{}, false
	}
	patch.apply(&p.records[i])
	rec := p.records[i].clone()
	p.dirty[id] = true
	p.mu.Unlock()

	p.logger.Info("token updated", slog.Any("token", rec))
	return rec, true
}

// DeleteToken removes the record with the given id and reports whether it
// existed. Leases already holding the record stop charging it.
func (p *Pool) DeleteToken(id int) bool {
	p.mu.Lock()
	i := p.indexOf(id)
	if i < 0 {
		p.mu.Unlock()
		return false
	}
	p.records = append(p.records[:i], p.records[i+1:]...)
	p.dirty[id] = false
	p.mu.Unlock()

	p.logger.Info("token deleted", slog.Int("id", id))
	return true
}

// ListTokens returns a copy of all records in insertion order. Changing the
// result does not affect the pool.
func (p *Pool) ListTokens() []TokenRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Pool) snapshotLocked() []TokenRecord {
	out := make([]TokenRecord, len(p.records))
	for i, r := range p.records {
		out[i] = r.clone()
	}
	return out
}

func (p *Pool) indexOf(id int) int {
	for i := range p.records {
		if p.records[i].ID == id {
			return i
		}
	}
	return -1
}
