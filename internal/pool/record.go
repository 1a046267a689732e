// Package pool manages a set of interchangeable upstream credentials and picks
// one of them for every outbound request.
//
// The pool tracks cumulative usage per credential against an optional limit.
// A Selector decides which credential serves the next call; the pool hands the
// caller a Lease whose hooks charge the cost of that single call back to the
// credential that was selected for it.
package pool

import (
	"log/slog"
)

// TokenRecord is one credential in the pool together with its accounting.
type TokenRecord struct {
	// ID is unique for the lifetime of the pool and never reused.
	ID int `json:"id"`

	// Credential is the secret sent upstream. It is never serialized or logged.
	Credential string `json:"-"`

	// Usage is the cumulative cost charged so far. Nil means untouched.
	Usage *int64 `json:"usage,omitempty"`

	// Limit is the maximum permitted usage. Nil means unlimited.
	Limit *int64 `json:"limit,omitempty"`
}

// UsageValue returns the recorded usage, treating an untouched record as zero.
func (r TokenRecord) UsageValue() int64 {
	if r.Usage == nil {
		return 0
	}
	return *r.Usage
}

// Exhausted reports whether the record has a limit and has reached it.
func (r TokenRecord) Exhausted() bool {
	return r.Limit != nil && r.UsageValue() >= *r.Limit
}

// Remaining returns how much cost the record can still absorb, and false when
// the record is unlimited.
func (r TokenRecord) Remaining() (int64, bool) {
	if r.Limit == nil {
		return 0, false
	}
	rem := *r.Limit - r.UsageValue()
	if rem < 0 {
		rem = 0
	}
	return rem, true
}

// MaskedCredential returns a redacted form of the credential suitable for
// logs and admin listings.
func (r TokenRecord) MaskedCredential() string {
	return maskCredential(r.Credential)
}

// LogValue keeps the raw credential out of structured logs.
func (r TokenRecord) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("id", r.ID),
		slog.String("credential", r.MaskedCredential()),
	}
	if r.Usage != nil {
		attrs = append(attrs, slog.Int64("usage", *r.Usage))
	}
	if r.Limit != nil {
		attrs = append(attrs, slog.Int64("limit", *r.Limit))
	}
	return slog.GroupValue(attrs...)
}

// clone returns a copy that shares no pointers with r.
func (r TokenRecord) clone() TokenRecord {
	out := TokenRecord{ID: r.ID, Credential: r.Credential}
	if r.Usage != nil {
		out.Usage = Int64(*r.Usage)
	}
	if r.Limit != nil {
		out.Limit = Int64(*r.Limit)
	}
	return out
}

// TokenPatch holds the fields UpdateToken merges into an existing record.
// Nil fields are left unchanged.
type TokenPatch struct {
	Credential *string `json:"credential,omitempty"`
	Usage      *int64  `json:"usage,omitempty"`
	Limit      *int64  `json:"limit,omitempty"`

	// ClearLimit makes the record unlimited again. It wins over Limit.
	ClearLimit bool `json:"clear_limit,omitempty"`

	// ClearUsage marks the record as untouched. It wins over Usage.
	ClearUsage bool `json:"clear_usage,omitempty"`
}

func (p TokenPatch) apply(r *TokenRecord) {
	if p.Credential != nil {
		r.Credential = *p.Credential
	}
	switch {
	case p.ClearUsage:
		r.Usage = nil
	case p.Usage != nil && *p.Usage >= 0:
		r.Usage = Int64(*p.Usage)
	}
	switch {
	case p.ClearLimit:
		r.Limit = nil
	case p.Limit != nil && *p.Limit >= 0:
		r.Limit = Int64(*p.Limit)
	}
}

// Int64 returns a pointer to v.
func Int64(v int64) *int64 {
	return &v
}

// String returns a pointer to v.
func String(v string) *string {
	return &v
}

// Credentials shorter than this are masked entirely.
const minMaskedLen = 16

func maskCredential(s string) string {
	if len(s) < minMaskedLen {
		return "****"
	}
	return s[:3] + "..." + s[len(s)-4:]
}
