// Package node wires one edge node together: module host, sponsor registry,
// resolver, installer, coordinator, bus, and admin API. It owns their
// start and stop order and routes bus traffic between them.
package node
