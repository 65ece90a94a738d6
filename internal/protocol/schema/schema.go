package schema

import (
	"fmt"

	"github.com/danmuck/edgeinstall/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs, one per envelope payload kind.
const (
	MsgInstallRequest  uint32 = 1
	MsgInstallResponse uint32 = 2
	MsgBidRequest      uint32 = 3
	MsgBidResponse     uint32 = 4
	MsgInstallCommand  uint32 = 5
	MsgAlert           uint32 = 6
	MsgEvent           uint32 = 7
)

// Field IDs. Envelope routing fields are shared by every message type.
const (
	FieldSourceNode    uint16 = 1
	FieldTargetNode    uint16 = 2
	FieldTimestampMS   uint16 = 3
	FieldCorrelationID uint16 = 4

	FieldAction       uint16 = 100
	FieldSponsor      uint16 = 101
	FieldOldSponsor   uint16 = 102
	FieldName         uint16 = 103
	FieldIndexes      uint16 = 104
	FieldRequirements uint16 = 105

	FieldCode     uint16 = 200
	FieldMessages uint16 = 201

	FieldRequestIdentity uint16 = 300
	FieldSymbolicName    uint16 = 301
	FieldVersion         uint16 = 302
	FieldRequirement     uint16 = 303
	FieldBid             uint16 = 304
	FieldMessage         uint16 = 305

	FieldAlertType uint16 = 400

	FieldEventType  uint16 = 500
	FieldProperties uint16 = 501
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var routing = []Requirement{
	{FieldSourceNode, tlv.TypeString},
	{FieldTimestampMS, tlv.TypeU64},
	{FieldCorrelationID, tlv.TypeString},
}

var requirements = map[uint32][]Requirement{
	MsgInstallRequest: {
		{FieldAction, tlv.TypeString},
		{FieldSponsor, tlv.TypeString},
	},
	MsgInstallResponse: {
		{FieldCode, tlv.TypeString},
		{FieldMessages, tlv.TypeBytes},
		{FieldAction, tlv.TypeString},
	},
	MsgBidRequest: {
		{FieldRequestIdentity, tlv.TypeString},
		{FieldRequirement, tlv.TypeString},
	},
	MsgBidResponse: {
		{FieldRequestIdentity, tlv.TypeString},
		{FieldCode, tlv.TypeString},
		{FieldBid, tlv.TypeU64},
	},
	MsgInstallCommand: {
		{FieldRequestIdentity, tlv.TypeString},
		{FieldAction, tlv.TypeString},
	},
	MsgAlert: {
		{FieldAlertType, tlv.TypeString},
		{FieldRequestIdentity, tlv.TypeString},
	},
	MsgEvent: {
		{FieldEventType, tlv.TypeString},
		{FieldProperties, tlv.TypeBytes},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, set := range [][]Requirement{routing, reqs} {
		for _, req := range set {
			f, found := tlv.GetField(fields, req.ID)
			if !found {
				log.Error().
					Uint32("message_type", messageType).
					Uint16("field_id", req.ID).
					Msg("schema.Validate missing field")
				return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
			}
			if f.Type != req.Type {
				log.Error().
					Uint32("message_type", messageType).
					Uint16("field_id", req.ID).
					Uint8("got", f.Type).
					Uint8("want", req.Type).
					Msg("schema.Validate type mismatch")
				return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
			}
		}
	}
	return nil
}
