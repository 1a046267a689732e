package pool

import "errors"

// ErrPoolExhausted is returned by Dispatch when no credential can serve the
// call: the pool is empty, every record reached its limit, or the installed
// selector misbehaved. It is not retried by the pool.
var ErrPoolExhausted = errors.New("token pool exhausted: no credential available")
