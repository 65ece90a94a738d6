package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
	ErrDuplicateField   = errors.New("tlv: duplicate field")
)

// Type IDs carried in each field header.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func String(id uint16, v string) Field {
	return Field{ID: id, Type: TypeString, Value: []byte(v)}
}

func Bytes(id uint16, v []byte) Field {
	return Field{ID: id, Type: TypeBytes, Value: v}
}

func U64(id uint16, v uint64) Field {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return Field{ID: id, Type: TypeU64, Value: out}
}

func Bool(id uint16, v bool) Field {
	b := byte(0)
	if v {
		b = 1
	}
	return Field{ID: id, Type: TypeBool, Value: []byte{b}}
}

func EncodeField(f Field) []byte {
	buf := make([]byte, HeaderLen+len(f.Value))
	binary.BigEndian.PutUint16(buf[0:2], f.ID)
	buf[2] = f.Type
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Value)))
	copy(buf[7:], f.Value)
	return buf
}

// DecodeFields splits a payload into fields. A field id may appear once.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	seen := make(map[uint16]struct{})
	i := 0
	for i < len(payload) {
		if len(payload)-i < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typeID := payload[i+2]
		l := binary.BigEndian.Uint32(payload[i+3 : i+7])
		i += HeaderLen
		if uint32(len(payload)-i) < l {
			return nil, ErrShortFieldValue
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateField, id)
		}
		seen[id] = struct{}{}
		val := make([]byte, l)
		copy(val, payload[i:i+int(l)])
		i += int(l)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

func EncodeFields(fields []Field) []byte {
	size := 0
	for _, f := range fields {
		size += HeaderLen + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		out = append(out, EncodeField(f)...)
	}
	return out
}

func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

// StringValue returns the string at id, or "" when absent.
func StringValue(fields []Field, id uint16) string {
	f, ok := GetField(fields, id)
	if !ok {
		return ""
	}
	return string(f.Value)
}

// U64Value returns the u64 at id; absent fields read as zero.
func U64Value(fields []Field, id uint16) (uint64, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return 0, nil
	}
	if len(f.Value) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(f.Value))
	}
	return binary.BigEndian.Uint64(f.Value), nil
}

func BoolValue(fields []Field, id uint16) (bool, error) {
	f, ok := GetField(fields, id)
	if !ok {
		return false, nil
	}
	if len(f.Value) != 1 {
		return false, fmt.Errorf("tlv: invalid bool length: %d", len(f.Value))
	}
	return f.Value[0] != 0, nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// EncodeStrings packs a string list as u32-length-prefixed entries.
func EncodeStrings(values []string) []byte {
	out := make([]byte, 0)
	for _, v := range values {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(v)))
		out = append(out, l[:]...)
		out = append(out, v...)
	}
	return out
}

func DecodeStrings(b []byte) ([]string, error) {
	out := make([]string, 0)
	i := 0
	for i < len(b) {
		if len(b)-i < 4 {
			return nil, ErrShortFieldHeader
		}
		l := int(binary.BigEndian.Uint32(b[i : i+4]))
		i += 4
		if len(b)-i < l {
			return nil, ErrShortFieldValue
		}
		out = append(out, string(b[i:i+l]))
		i += l
	}
	return out, nil
}
