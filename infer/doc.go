// Package infer contains the request lifecycle of the router: admission,
// validation, the id-ordered queue, and the background batching loop that
// drives prefill/decode cycles against the backend while fanning per-token
// generations out to per-request streams.
//
// HTTP handlers interact with the package through Infer only. Exactly one
// batching loop runs per process; it owns the backend client and serializes
// all backend calls.
package infer
