// Package wire maps envelopes onto frames. Each payload kind has its own
// message type; routing fields ride in every frame and string lists are
// packed into TLV bytes fields. Event properties are CBOR in core
// deterministic form.
package wire
