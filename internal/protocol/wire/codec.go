package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/edgeinstall/internal/envelope"
	"github.com/danmuck/edgeinstall/internal/protocol/frame"
	"github.com/danmuck/edgeinstall/internal/protocol/schema"
	"github.com/danmuck/edgeinstall/internal/protocol/tlv"
	"github.com/danmuck/edgeinstall/internal/sponsor"
)

var ErrUnknownPayload = errors.New("wire: unknown payload kind")

var messageTypes = map[envelope.Kind]uint32{
	envelope.KindInstallRequest:  schema.MsgInstallRequest,
	envelope.KindInstallResponse: schema.MsgInstallResponse,
	envelope.KindBidRequest:      schema.MsgBidRequest,
	envelope.KindBidResponse:     schema.MsgBidResponse,
	envelope.KindInstallCommand:  schema.MsgInstallCommand,
	envelope.KindAlert:           schema.MsgAlert,
	envelope.KindEvent:           schema.MsgEvent,
}

// Encode validates env and returns one serialized frame.
func Encode(messageID uint64, env envelope.Envelope) ([]byte, error) {
	f, err := EncodeFrame(messageID, env)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := frame.WriteFrame(&buf, f, frame.DefaultLimits()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeFrame builds the frame for env without serializing it.
func EncodeFrame(messageID uint64, env envelope.Envelope) (frame.Frame, error) {
	if err := env.Validate(); err != nil {
		return frame.Frame{}, err
	}
	msgType, ok := messageTypes[env.Payload.Kind()]
	if !ok {
		return frame.Frame{}, fmt.Errorf("%w: %s", ErrUnknownPayload, env.Payload.Kind())
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldSourceNode, env.SourceNode),
		tlv.U64(schema.FieldTimestampMS, uint64(env.Timestamp.UnixMilli())),
		tlv.String(schema.FieldCorrelationID, env.CorrelationID),
	}
	if env.TargetNode != "" {
		fields = append(fields, tlv.String(schema.FieldTargetNode, env.TargetNode))
	}
	body, err := payloadFields(env.Payload)
	if err != nil {
		return frame.Frame{}, err
	}
	fields = append(fields, body...)
	if err := schema.Validate(msgType, fields); err != nil {
		return frame.Frame{}, err
	}

	var flags uint8
	switch p := env.Payload.(type) {
	case envelope.InstallResponse:
		flags |= frame.FlagResponse
		if p.Code != envelope.CodeSuccess {
			flags |= frame.FlagError
		}
	case envelope.BidResponse:
		flags |= frame.FlagResponse
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: msgType,
			Flags:       flags,
		},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

// Decode reads the envelope carried by f.
func Decode(f frame.Frame) (envelope.Envelope, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := schema.Validate(f.Header.MessageType, fields); err != nil {
		return envelope.Envelope{}, err
	}
	ts, err := tlv.U64Value(fields, schema.FieldTimestampMS)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env := envelope.Envelope{
		SourceNode:    tlv.StringValue(fields, schema.FieldSourceNode),
		TargetNode:    tlv.StringValue(fields, schema.FieldTargetNode),
		Timestamp:     time.UnixMilli(int64(ts)),
		CorrelationID: tlv.StringValue(fields, schema.FieldCorrelationID),
	}
	env.Payload, err = decodePayload(f.Header.MessageType, fields)
	if err != nil {
		return envelope.Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return envelope.Envelope{}, err
	}
	return env, nil
}

// ReadEnvelope reads and decodes one frame from r.
func ReadEnvelope(r io.Reader, limits frame.Limits) (envelope.Envelope, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return envelope.Envelope{}, err
	}
	return Decode(f)
}

func payloadFields(p envelope.Payload) ([]tlv.Field, error) {
	switch v := p.(type) {
	case envelope.InstallRequest:
		return installRequestFields(v), nil
	case envelope.InstallResponse:
		fields := []tlv.Field{
			tlv.String(schema.FieldCode, string(v.Code)),
			tlv.Bytes(schema.FieldMessages, tlv.EncodeStrings(v.Messages)),
		}
		return append(fields, installRequestFields(v.Request)...), nil
	case envelope.BidRequest:
		return []tlv.Field{
			tlv.String(schema.FieldRequestIdentity, v.RequestIdentity),
			tlv.String(schema.FieldSymbolicName, v.SymbolicName),
			tlv.String(schema.FieldVersion, v.Version),
			tlv.String(schema.FieldRequirement, v.Requirement),
			tlv.Bytes(schema.FieldIndexes, tlv.EncodeStrings(v.Indexes)),
		}, nil
	case envelope.BidResponse:
		return []tlv.Field{
			tlv.String(schema.FieldRequestIdentity, v.RequestIdentity),
			tlv.String(schema.FieldSymbolicName, v.SymbolicName),
			tlv.String(schema.FieldVersion, v.Version),
			tlv.String(schema.FieldCode, string(v.Code)),
			tlv.U64(schema.FieldBid, uint64(v.Bid)),
			tlv.String(schema.FieldMessage, v.Message),
		}, nil
	case envelope.InstallCommand:
		return []tlv.Field{
			tlv.String(schema.FieldRequestIdentity, v.RequestIdentity),
			tlv.String(schema.FieldAction, string(v.Action)),
			tlv.String(schema.FieldSymbolicName, v.SymbolicName),
			tlv.String(schema.FieldVersion, v.Version),
			tlv.String(schema.FieldName, v.Name),
			tlv.Bytes(schema.FieldRequirements, tlv.EncodeStrings(v.Requirements)),
			tlv.Bytes(schema.FieldIndexes, tlv.EncodeStrings(v.Indexes)),
		}, nil
	case envelope.Alert:
		return []tlv.Field{
			tlv.String(schema.FieldAlertType, string(v.Type)),
			tlv.String(schema.FieldRequestIdentity, v.RequestIdentity),
			tlv.String(schema.FieldMessage, v.Message),
		}, nil
	case envelope.Event:
		props, err := EncodeProperties(v.Properties)
		if err != nil {
			return nil, fmt.Errorf("wire: encode event properties: %w", err)
		}
		return []tlv.Field{
			tlv.String(schema.FieldEventType, v.Type),
			tlv.Bytes(schema.FieldProperties, props),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, p)
	}
}

func installRequestFields(r envelope.InstallRequest) []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldAction, string(r.Action)),
		tlv.String(schema.FieldSponsor, r.Sponsor.String()),
		tlv.String(schema.FieldOldSponsor, r.OldSponsor.String()),
		tlv.String(schema.FieldName, r.Name),
		tlv.Bytes(schema.FieldIndexes, tlv.EncodeStrings(r.Indexes)),
		tlv.Bytes(schema.FieldRequirements, tlv.EncodeStrings(r.Requirements)),
	}
}

func decodePayload(msgType uint32, fields []tlv.Field) (envelope.Payload, error) {
	switch msgType {
	case schema.MsgInstallRequest:
		return decodeInstallRequest(fields)
	case schema.MsgInstallResponse:
		req, err := decodeInstallRequest(fields)
		if err != nil {
			return nil, err
		}
		messages, err := stringList(fields, schema.FieldMessages)
		if err != nil {
			return nil, err
		}
		return envelope.InstallResponse{
			Code:     envelope.ResponseCode(tlv.StringValue(fields, schema.FieldCode)),
			Messages: messages,
			Request:  req,
		}, nil
	case schema.MsgBidRequest:
		indexes, err := stringList(fields, schema.FieldIndexes)
		if err != nil {
			return nil, err
		}
		return envelope.BidRequest{
			RequestIdentity: tlv.StringValue(fields, schema.FieldRequestIdentity),
			SymbolicName:    tlv.StringValue(fields, schema.FieldSymbolicName),
			Version:         tlv.StringValue(fields, schema.FieldVersion),
			Requirement:     tlv.StringValue(fields, schema.FieldRequirement),
			Indexes:         indexes,
		}, nil
	case schema.MsgBidResponse:
		bid, err := tlv.U64Value(fields, schema.FieldBid)
		if err != nil {
			return nil, err
		}
		return envelope.BidResponse{
			RequestIdentity: tlv.StringValue(fields, schema.FieldRequestIdentity),
			SymbolicName:    tlv.StringValue(fields, schema.FieldSymbolicName),
			Version:         tlv.StringValue(fields, schema.FieldVersion),
			Code:            envelope.BidCode(tlv.StringValue(fields, schema.FieldCode)),
			Bid:             int64(bid),
			Message:         tlv.StringValue(fields, schema.FieldMessage),
		}, nil
	case schema.MsgInstallCommand:
		reqs, err := stringList(fields, schema.FieldRequirements)
		if err != nil {
			return nil, err
		}
		indexes, err := stringList(fields, schema.FieldIndexes)
		if err != nil {
			return nil, err
		}
		return envelope.InstallCommand{
			RequestIdentity: tlv.StringValue(fields, schema.FieldRequestIdentity),
			Action:          envelope.Action(tlv.StringValue(fields, schema.FieldAction)),
			SymbolicName:    tlv.StringValue(fields, schema.FieldSymbolicName),
			Version:         tlv.StringValue(fields, schema.FieldVersion),
			Name:            tlv.StringValue(fields, schema.FieldName),
			Requirements:    reqs,
			Indexes:         indexes,
		}, nil
	case schema.MsgAlert:
		return envelope.Alert{
			Type:            envelope.AlertType(tlv.StringValue(fields, schema.FieldAlertType)),
			RequestIdentity: tlv.StringValue(fields, schema.FieldRequestIdentity),
			Message:         tlv.StringValue(fields, schema.FieldMessage),
		}, nil
	case schema.MsgEvent:
		f, _ := tlv.GetField(fields, schema.FieldProperties)
		props, err := DecodeProperties(f.Value)
		if err != nil {
			return nil, fmt.Errorf("wire: decode event properties: %w", err)
		}
		return envelope.Event{
			Type:       tlv.StringValue(fields, schema.FieldEventType),
			Properties: props,
		}, nil
	default:
		return nil, fmt.Errorf("%w: message_type=%d", ErrUnknownPayload, msgType)
	}
}

func decodeInstallRequest(fields []tlv.Field) (envelope.InstallRequest, error) {
	req := envelope.InstallRequest{
		Action: envelope.Action(tlv.StringValue(fields, schema.FieldAction)),
		Name:   tlv.StringValue(fields, schema.FieldName),
	}
	var err error
	if req.Sponsor, err = optionalSponsor(tlv.StringValue(fields, schema.FieldSponsor)); err != nil {
		return req, err
	}
	if req.OldSponsor, err = optionalSponsor(tlv.StringValue(fields, schema.FieldOldSponsor)); err != nil {
		return req, err
	}
	if req.Indexes, err = stringList(fields, schema.FieldIndexes); err != nil {
		return req, err
	}
	if req.Requirements, err = stringList(fields, schema.FieldRequirements); err != nil {
		return req, err
	}
	return req, nil
}

func optionalSponsor(raw string) (sponsor.Sponsor, error) {
	if raw == "" {
		return sponsor.Sponsor{}, nil
	}
	return sponsor.Parse(raw)
}

func stringList(fields []tlv.Field, id uint16) ([]string, error) {
	f, ok := tlv.GetField(fields, id)
	if !ok {
		return nil, nil
	}
	if err := tlv.MustType(f, tlv.TypeBytes); err != nil {
		return nil, err
	}
	out, err := tlv.DecodeStrings(f.Value)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
