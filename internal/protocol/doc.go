// Package protocol owns the bus wire contract.
//
// Ownership boundary:
// - frame: fixed header and size limits
// - tlv: payload field primitives
// - schema: required fields per message type
// - wire: envelope codec and peer handshake
package protocol
