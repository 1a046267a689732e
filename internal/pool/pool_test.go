package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestDispatch_Example(t *testing.T) {
	p := newTestPool("k1")
	if got := p.AddToken("k2"); got.ID != 2 {
		t.Fatalf("AddToken() ID = %d, want 2", got.ID)
	}

	lease, err := p.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if lease.TokenID() != 1 {
		t.Fatalf("first Dispatch() = id %d, want 1", lease.TokenID())
	}
	if lease.Credential() != "k1" {
		t.Errorf("Credential() = %q, want k1", lease.Credential())
	}
	if !lease.PreCheck(10) {
		t.Error("PreCheck(10) = false, want true")
	}
	lease.PostProcess(5)

	rec, _ := p.GetToken(1)
	if rec.UsageValue() != 15 {
		t.Errorf("usage = %d, want 15", rec.UsageValue())
	}

	second, err := p.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	if second.TokenID() != 2 {
		t.Errorf("second Dispatch() = id %d, want 2", second.TokenID())
	}
}

func TestDispatch_FullExhaustion(t *testing.T) {
	p := newTestPool("a")
	p.UpdateToken(1, TokenPatch{Limit: Int64(5)})
	b := p.AddToken("b")
	p.UpdateToken(b.ID, TokenPatch{Limit: Int64(5)})

	for i := 0; i < 2; i++ {
		lease, err := p.Dispatch(context.Background())
		if err != nil {
			t.Fatalf("Dispatch #%d error = %v", i, err)
		}
		lease.PreCheck(5)
	}

	_, err := p.Dispatch(context.Background())
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Dispatch() error = %v, want ErrPoolExhausted", err)
	}
	if st := p.Stats(); st.Rejected != 1 || st.Exhausted != 2 || st.Dispatched != 2 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestDispatch_ExhaustedRecordSkippedWhileOthersRemain(t *testing.T) {
	p := newTestPool("a")
	p.UpdateToken(1, TokenPatch{Limit: Int64(10)})
	p.AddToken("b")
	p.AddToken("c")

	first, err := p.Dispatch(context.Background())
	if err != nil || first.TokenID() != 1 {
		t.Fatalf("first Dispatch() = %v, %v", first, err)
	}
	first.PostProcess(10)

	for i := 0; i < 10; i++ {
		lease, err := p.Dispatch(context.Background())
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
		if lease.TokenID() == 1 {
			t.Fatalf("dispatch %d picked exhausted token 1", i)
		}
	}
}

func TestDispatch_MisbehavingSelector(t *testing.T) {
	tests := []struct {
		name     string
		selector Selector
	}{
		{
			name: "returns none",
			selector: SelectorFunc(func([]TokenRecord, int) (TokenRecord, bool) {
				return TokenRecord{}, false
			}),
		},
		{
			name: "panics",
			selector: SelectorFunc(func([]TokenRecord, int) (TokenRecord, bool) {
				panic("boom")
			}),
		},
		{
			name: "returns unknown record",
			selector: SelectorFunc(func([]TokenRecord, int) (TokenRecord, bool) {
				return TokenRecord{ID: 404, Credential: "forged"}, true
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool("k1", WithSelector(tt.selector))
			_, err := p.Dispatch(context.Background())
			if !errors.Is(err, ErrPoolExhausted) {
				t.Errorf("Dispatch() error = %v, want ErrPoolExhausted", err)
			}
			if st := p.Stats(); st.Cursor != 0 {
				t.Errorf("cursor advanced to %d on failed selection", st.Cursor)
			}
		})
	}
}

func TestDispatch_SelectorCannotMutatePool(t *testing.T) {
	p := newTestPool("k1", WithSelector(SelectorFunc(func(recs []TokenRecord, _ int) (TokenRecord, bool) {
		recs[0].Credential = "hijacked"
		recs[0].Usage = Int64(999)
		return recs[0], true
	})))

	lease, err := p.Dispatch(context.Background())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if lease.Credential() != "k1" {
		t.Errorf("lease credential = %q, want k1", lease.Credential())
	}
	if rec, _ := p.GetToken(1); rec.Usage != nil {
		t.Errorf("selector changed pool usage to %d", rec.UsageValue())
	}
}

func TestSetSelector(t *testing.T) {
	p := newTestPool("k1")
	p.AddToken("k2")
	p.AddToken("k3")

	p.SetSelector(SelectorFunc(func(recs []TokenRecord, _ int) (TokenRecord, bool) {
		return recs[len(recs)-1], true
	}))
	lease, _ := p.Dispatch(context.Background())
	if lease.TokenID() != 3 {
		t.Errorf("custom selector Dispatch() = id %d, want 3", lease.TokenID())
	}
	if got := p.Stats().Algorithm; got != "custom" {
		t.Errorf("Algorithm = %q, want custom", got)
	}

	p.SetSelector(nil)
	// cursor is now 1, so the default picks index 1.
	lease, _ = p.Dispatch(context.Background())
	if lease.TokenID() != 2 {
		t.Errorf("default selector Dispatch() = id %d, want 2", lease.TokenID())
	}
	if got := p.Stats().Algorithm; got != AlgorithmRoundRobin {
		t.Errorf("Algorithm = %q, want %s", got, AlgorithmRoundRobin)
	}
}

func TestCurrentToken(t *testing.T) {
	p := newTestPool("k1")
	p.AddToken("k2")

	if _, ok := p.CurrentToken(); ok {
		t.Error("CurrentToken() before any dispatch ok = true")
	}

	p.Dispatch(context.Background())
	p.Dispatch(context.Background())
	cur, ok := p.CurrentToken()
	if !ok || cur.ID != 2 {
		t.Errorf("CurrentToken() = %d, %v; want 2, true", cur.ID, ok)
	}

	p.DeleteToken(2)
	if _, ok := p.CurrentToken(); ok {
		t.Error("CurrentToken() after deleting it ok = true")
	}
}

func TestDispatch_ConcurrentAccounting(t *testing.T) {
	const (
		numTokens = 8
		numCalls  = 400
	)
	p := newTestPool("k1")
	for i := 1; i < numTokens; i++ {
		p.AddToken("k")
	}

	var (
		mu       sync.Mutex
		expected = make(map[int]int64)
		wg       sync.WaitGroup
	)
	for i := 0; i < numCalls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := p.Dispatch(context.Background())
			if err != nil {
				t.Errorf("Dispatch() error = %v", err)
				return
			}
			pre, post := int64(i%7+1), int64(i%5)
			lease.PreCheck(pre)
			lease.PostProcess(post)

			mu.Lock()
			expected[lease.TokenID()] += pre + post
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	for _, rec := range p.ListTokens() {
		if rec.UsageValue() != expected[rec.ID] {
			t.Errorf("token %d usage = %d, want %d", rec.ID, rec.UsageValue(), expected[rec.ID])
		}
	}
	if len(expected) != numTokens {
		t.Errorf("%d tokens used, want all %d", len(expected), numTokens)
	}
	if st := p.Stats(); st.Cursor != numCalls {
		t.Errorf("cursor = %d, want %d", st.Cursor, numCalls)
	}
}

func TestDispatch_ConcurrentRotationIsFair(t *testing.T) {
	const numTokens = 5
	p := newTestPool("k1")
	for i := 1; i < numTokens; i++ {
		p.AddToken("k")
	}

	var (
		mu     sync.Mutex
		counts = make(map[int]int)
		wg     sync.WaitGroup
	)
	for i := 0; i < numTokens*20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := p.Dispatch(context.Background())
			if err != nil {
				t.Errorf("Dispatch() error = %v", err)
				return
			}
			mu.Lock()
			counts[lease.TokenID()]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	for id := 1; id <= numTokens; id++ {
		if counts[id] != 20 {
			t.Errorf("token %d selected %d times, want 20", id, counts[id])
		}
	}
}
