package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Header layout, big endian:
//
//	magic(4) version(1) flags(1) message_type(4) message_id(8)
//	payload_len(4) raw_len(4)
//
// payload_len counts the bytes on the wire; raw_len is the TLV payload size
// after decompression and equals payload_len for uncompressed frames.
const (
	Magic     uint32 = 0x45444749 // "EDGI"
	Version   uint8  = 2
	HeaderLen        = 26

	FlagResponse uint8 = 0x01
	FlagError    uint8 = 0x02
	FlagZstd     uint8 = 0x04
)

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrBadMagic           = errors.New("frame: bad magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrCorruptPayload     = errors.New("frame: corrupt payload")
)

type Header struct {
	Magic       uint32
	Version     uint8
	Flags       uint8
	MessageType uint32
	MessageID   uint64
	PayloadLen  uint32
	RawLen      uint32
}

// Frame carries one encoded envelope. Payload is always the decompressed
// TLV body; compression only exists on the wire.
type Frame struct {
	Header  Header
	Payload []byte
}

type Limits struct {
	// MaxPayloadBytes bounds both the wire and the decompressed size.
	MaxPayloadBytes uint32
	// CompressAbove compresses payloads larger than this many bytes.
	// Zero disables compression.
	CompressAbove uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 8 << 20,
		CompressAbove:   4 << 10,
	}
}

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0), zstd.WithDecoderMaxMemory(64<<20))
)

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var buf [HeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h := DecodeHeader(buf)
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.PayloadLen > limits.MaxPayloadBytes || h.RawLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: wire=%d raw=%d", ErrPayloadTooLarge, h.PayloadLen, h.RawLen)
	}
	if h.Flags&FlagZstd == 0 && h.PayloadLen != h.RawLen {
		return Frame{}, fmt.Errorf("%w: length %d != raw length %d", ErrCorruptPayload, h.PayloadLen, h.RawLen)
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	if h.Flags&FlagZstd != 0 {
		raw, err := decoder.DecodeAll(payload, make([]byte, 0, h.RawLen))
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
		}
		if uint32(len(raw)) != h.RawLen {
			return Frame{}, fmt.Errorf("%w: decompressed %d bytes, header says %d", ErrCorruptPayload, len(raw), h.RawLen)
		}
		payload = raw
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame stamps magic, version, and lengths, and compresses the payload
// when it is above limits.CompressAbove and compression actually shrinks it.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(f.Payload))
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.Flags &^= FlagZstd
	h.RawLen = uint32(len(f.Payload))

	body := f.Payload
	if limits.CompressAbove > 0 && h.RawLen > limits.CompressAbove {
		if packed := encoder.EncodeAll(f.Payload, nil); len(packed) < len(f.Payload) {
			body = packed
			h.Flags |= FlagZstd
		}
	}
	h.PayloadLen = uint32(len(body))

	hb := EncodeHeader(h)
	if _, err := w.Write(hb[:]); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

func EncodeHeader(h Header) [HeaderLen]byte {
	var b [HeaderLen]byte
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	b[4] = h.Version
	b[5] = h.Flags
	binary.BigEndian.PutUint32(b[6:10], h.MessageType)
	binary.BigEndian.PutUint64(b[10:18], h.MessageID)
	binary.BigEndian.PutUint32(b[18:22], h.PayloadLen)
	binary.BigEndian.PutUint32(b[22:26], h.RawLen)
	return b
}

func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     b[4],
		Flags:       b[5],
		MessageType: binary.BigEndian.Uint32(b[6:10]),
		MessageID:   binary.BigEndian.Uint64(b[10:18]),
		PayloadLen:  binary.BigEndian.Uint32(b[18:22]),
		RawLen:      binary.BigEndian.Uint32(b[22:26]),
	}
}
