package value

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"golang.org/x/exp/constraints"
)

// writeLE/readLE factor out the little-endian fixed-width encode/decode
// step shared by every signed-integer Kind, so Encode/Decode's switch
// only has to pick the right width per kind instead of repeating
// binary.Write/Read boilerplate for each one.
func writeLE[T constraints.Signed](w io.Writer, v T) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readLE[T constraints.Signed](r io.Reader) (T, error) {
	var v T
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

// ErrUnknownKind is returned by Decode when a tag byte does not name one of
// the thirteen recognized kinds.
var ErrUnknownKind = errors.New("unknown data entry kind")

// ErrOverlongString is returned by Encode when a String/StringValue payload
// is longer than 255 bytes, the maximum representable under the one-byte
// length prefix (§4.6).
var ErrOverlongString = errors.New("string longer than 255 bytes is not representable")

const maxStringLen = 255

// Encode writes v's tag byte followed by its payload, little-endian
// throughout, matching the wire layout shared by KO data sections and the
// KSM argument section (§6).
func Encode(w io.Writer, v Value) error {
	if !v.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(v.Kind))
	}
	if _, err := w.Write([]byte{byte(v.Kind)}); err != nil {
		return err
	}

	switch v.Kind {
	case KindNull, KindArgMarker:
		return nil
	case KindBool, KindBoolValue, KindByte:
		_, err := w.Write([]byte{byte(v.i)})
		return err
	case KindInt16:
		return writeLE(w, int16(v.i))
	case KindInt32:
		return writeLE(w, int32(v.i))
	case KindFloat:
		return binary.Write(w, binary.LittleEndian, math.Float32bits(float32(v.f)))
	case KindDouble:
		return binary.Write(w, binary.LittleEndian, math.Float64bits(v.f))
	case KindScalarInt:
		return writeLE(w, int32(v.i))
	case KindScalarDouble:
		return binary.Write(w, binary.LittleEndian, math.Float64bits(v.f))
	case KindString, KindStringValue:
		if len(v.str) > maxStringLen {
			return fmt.Errorf("%w: got %d bytes", ErrOverlongString, len(v.str))
		}
		if _, err := w.Write([]byte{byte(len(v.str))}); err != nil {
			return err
		}
		_, err := io.WriteString(w, v.str)
		return err
	default:
		panic(fmt.Sprintf("unreachable: unencodable kind %v", v.Kind))
	}
}

// Decode reads one tag byte and its payload from r, the inverse of Encode.
func Decode(r io.Reader) (Value, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		return Value{}, err
	}
	k := Kind(tag[0])
	if !k.Valid() {
		return Value{}, fmt.Errorf("%w: %d", ErrUnknownKind, tag[0])
	}

	switch k {
	case KindNull:
		return Null(), nil
	case KindArgMarker:
		return ArgMarker(), nil
	case KindBool:
		b, err := readByte(r)
		return Bool(b != 0), err
	case KindBoolValue:
		b, err := readByte(r)
		return BoolValue(b != 0), err
	case KindByte:
		b, err := readByte(r)
		return Byte(b), err
	case KindInt16:
		v, err := readLE[int16](r)
		return Int16(v), err
	case KindInt32:
		v, err := readLE[int32](r)
		return Int32(v), err
	case KindFloat:
		var bits uint32
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return Value{}, err
		}
		return Float(math.Float32frombits(bits)), nil
	case KindDouble:
		var bits uint64
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return Value{}, err
		}
		return Double(math.Float64frombits(bits)), nil
	case KindScalarInt:
		v, err := readLE[int32](r)
		return ScalarInt(v), err
	case KindScalarDouble:
		var bits uint64
		if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
			return Value{}, err
		}
		return ScalarDouble(math.Float64frombits(bits)), nil
	case KindString:
		s, err := readString(r)
		return String(s), err
	case KindStringValue:
		s, err := readString(r)
		return StringValue(s), err
	default:
		panic(fmt.Sprintf("unreachable: undecodable kind %v", k))
	}
}

func readByte(r io.Reader) (byte, error) {
	var b [1]byte
	_, err := io.ReadFull(r, b[:])
	return b[0], err
}

func readString(r io.Reader) (string, error) {
	length, err := readByte(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
