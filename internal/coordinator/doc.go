// Package coordinator finds a host for events nobody can consume.
//
// When a node publishes an event with no local consumer, the coordinator
// opens a bid round for the event type: every node answers whether it could
// install a behaviour consuming that type, the best bid wins after a short
// window, and the winner installs through its local installer. Events that
// arrive while a round is open are held back and replayed once the install
// succeeds. A blacklist keyed by event type keeps failed or finished rounds
// from being retried until an operator clears it.
package coordinator
