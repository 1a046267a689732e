// Package pipeline runs completions through the credential pool.
//
// Every call follows the same sequence:
//
//	Dispatch     select a credential and advance the cursor (pool.Lease)
//	PreCheck     charge the estimated prompt cost; a refusal stops the call
//	upstream     forward the request authenticated with the lease credential
//	PostProcess  charge the completion tokens the upstream reported
//
// A failed upstream call and a call whose client went away are not
// post-processed. The pre-check charge is kept in both cases.
package pipeline
