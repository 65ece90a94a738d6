package frame

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/danmuck/edgeinstall/internal/protocol/tlv"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, "bid-1")})
	in := Frame{
		Header:  Header{MessageID: 42, MessageType: 3, Flags: FlagResponse},
		Payload: payload,
	}
	var buf bytes.Buffer
	if err := WriteFrame(&buf, in, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != HeaderLen+len(payload) {
		t.Fatalf("wire size=%d want=%d", buf.Len(), HeaderLen+len(payload))
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Magic != Magic || out.Header.Version != Version {
		t.Fatalf("magic/version not stamped: %+v", out.Header)
	}
	if out.Header.MessageType != 3 || out.Header.MessageID != 42 {
		t.Fatalf("header mismatch: %+v", out.Header)
	}
	if out.Header.Flags != FlagResponse {
		t.Fatalf("flags=%#x", out.Header.Flags)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch")
	}
}

func TestLargePayloadIsCompressed(t *testing.T) {
	props := strings.Repeat("temperature=21.5;", 1024)
	payload := tlv.EncodeFields([]tlv.Field{tlv.String(1, props)})
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Header: Header{MessageType: 7}, Payload: payload}, DefaultLimits()); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() >= len(payload) {
		t.Fatalf("frame not compressed: wire=%d raw=%d", buf.Len(), len(payload))
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.Header.Flags&FlagZstd == 0 || out.Header.RawLen != uint32(len(payload)) {
		t.Fatalf("unexpected header %+v", out.Header)
	}
	if !bytes.Equal(out.Payload, payload) {
		t.Fatalf("payload mismatch after decompression")
	}

	buf.Reset()
	if err := WriteFrame(&buf, Frame{Payload: payload}, Limits{MaxPayloadBytes: 1 << 20}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	if buf.Len() != HeaderLen+len(payload) {
		t.Fatalf("compression should be off, wire=%d", buf.Len())
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}), DefaultLimits())
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameRejectsForeignMagicAndVersion(t *testing.T) {
	h := EncodeHeader(Header{Magic: 0xEDCE1001, Version: Version})
	_, err := ReadFrame(bytes.NewReader(h[:]), DefaultLimits())
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}
	h = EncodeHeader(Header{Magic: Magic, Version: 1})
	_, err = ReadFrame(bytes.NewReader(h[:]), DefaultLimits())
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestReadFrameRejectsCorruptLengths(t *testing.T) {
	h := EncodeHeader(Header{Magic: Magic, Version: Version, PayloadLen: 4, RawLen: 9})
	raw := append(h[:], 1, 2, 3, 4)
	_, err := ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("expected ErrCorruptPayload, got %v", err)
	}

	h = EncodeHeader(Header{Magic: Magic, Version: Version, Flags: FlagZstd, PayloadLen: 4, RawLen: 4})
	raw = append(h[:], 1, 2, 3, 4)
	_, err = ReadFrame(bytes.NewReader(raw), DefaultLimits())
	if !errors.Is(err, ErrCorruptPayload) {
		t.Fatalf("expected ErrCorruptPayload for bad zstd body, got %v", err)
	}
}

func TestPayloadLimitEnforced(t *testing.T) {
	limits := Limits{MaxPayloadBytes: 4}
	err := WriteFrame(&bytes.Buffer{}, Frame{Payload: []byte("too large")}, limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on write, got %v", err)
	}
	h := EncodeHeader(Header{Magic: Magic, Version: Version, Flags: FlagZstd, PayloadLen: 2, RawLen: 99})
	_, err = ReadFrame(bytes.NewReader(h[:]), limits)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge on read, got %v", err)
	}
}
