// Package installer applies install requests to one node's module host.
//
// A single worker drains requests in submission order. Each request moves
// through queued, validated, resolved, applying, then committed or rolled
// back, and is answered exactly once. Every forward step of an apply pushes
// its inverse onto a rollback stack; a failure replays the stack newest
// first, so the host ends up as it was before the request. A failing replay
// is fatal and reported through OnFatal.
package installer
