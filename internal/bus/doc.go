// Package bus carries envelopes between nodes.
//
// Every subscriber owns a FIFO mailbox drained by its own goroutine, so
// Publish never waits on a handler. MemoryBus joins nodes inside one
// process; TCPBus joins processes over a full mesh of TCP peers.
package bus
