package tcp6

import (
	"encoding/binary"
	"errors"
)

// Option kind bytes, per RFC 793/1323/2018.
const (
	kindEnd       = 0
	kindNoOp      = 1
	kindMSS       = 2
	kindWindowScl = 3
	kindSACKPerm  = 4
	kindSACK      = 5
	kindTimestamp = 8
)

// ErrBadOption is returned by the options iterator on an unrecognized
// kind byte.
var ErrBadOption = errors.New("tcp6: bad option")

// OptionKind identifies the type of a decoded Option.
type OptionKind int

const (
	OptionNoOp OptionKind = iota
	OptionMSS
	OptionSACKPermitted
	OptionSACK
	OptionTimestamp
	OptionWindowScale
)

// Option is a single decoded TCP option. Only the field matching Kind is
// meaningful.
type Option struct {
	Kind         OptionKind
	MSS          uint16
	SACK         []SACKRange
	TSVal, TSEcr uint32
	WindowScale  uint8
}

// SACKRange is one left/right edge pair of a SACK option (up to 4 per
// segment).
type SACKRange struct {
	Left, Right uint32
}

// EncodeOptions serializes opts in order and zero-pads the result to a
// multiple of 4 bytes, per §4.4.
func EncodeOptions(opts []Option) []byte {
	buf := make([]byte, 0, 16)
	for _, o := range opts {
		switch o.Kind {
		case OptionNoOp:
			buf = append(buf, kindNoOp)
		case OptionMSS:
			b := make([]byte, 2)
			binary.BigEndian.PutUint16(b, o.MSS)
			buf = append(buf, kindMSS, 4, b[0], b[1])
		case OptionSACKPermitted:
			buf = append(buf, kindSACKPerm, 2)
		case OptionSACK:
			length := byte(2 + 8*len(o.SACK))
			buf = append(buf, kindSACK, length)
			for _, r := range o.SACK {
				b := make([]byte, 8)
				binary.BigEndian.PutUint32(b[0:4], r.Left)
				binary.BigEndian.PutUint32(b[4:8], r.Right)
				buf = append(buf, b...)
			}
		case OptionTimestamp:
			b := make([]byte, 10)
			b[0], b[1] = kindTimestamp, 10
			binary.BigEndian.PutUint32(b[2:6], o.TSVal)
			binary.BigEndian.PutUint32(b[6:10], o.TSEcr)
			buf = append(buf, b...)
		case OptionWindowScale:
			buf = append(buf, kindWindowScl, 3, o.WindowScale)
		}
	}
	for len(buf)%4 != 0 {
		buf = append(buf, kindEnd)
	}
	return buf
}

// DecodeOptions walks raw option bytes, stopping at the first End-of-List
// (zero) byte or the end of the slice. An unrecognized kind byte fails
// with ErrBadOption.
func DecodeOptions(raw []byte) ([]Option, error) {
	var out []Option
	for len(raw) > 0 {
		switch raw[0] {
		case kindEnd:
			return out, nil
		case kindNoOp:
			out = append(out, Option{Kind: OptionNoOp})
			raw = raw[1:]
		case kindMSS:
			if len(raw) < 4 {
				return nil, ErrBadOption
			}
			out = append(out, Option{Kind: OptionMSS, MSS: binary.BigEndian.Uint16(raw[2:4])})
			raw = raw[4:]
		case kindWindowScl:
			if len(raw) < 3 {
				return nil, ErrBadOption
			}
			out = append(out, Option{Kind: OptionWindowScale, WindowScale: raw[2]})
			raw = raw[3:]
		case kindSACKPerm:
			if len(raw) < 2 {
				return nil, ErrBadOption
			}
			out = append(out, Option{Kind: OptionSACKPermitted})
			raw = raw[2:]
		case kindSACK:
			if len(raw) < 2 || int(raw[1]) > len(raw) || raw[1] < 2 {
				return nil, ErrBadOption
			}
			n := int(raw[1])
			body := raw[2:n]
			var ranges []SACKRange
			for len(body) >= 8 && len(ranges) < 4 {
				ranges = append(ranges, SACKRange{
					Left:  binary.BigEndian.Uint32(body[0:4]),
					Right: binary.BigEndian.Uint32(body[4:8]),
				})
				body = body[8:]
			}
			out = append(out, Option{Kind: OptionSACK, SACK: ranges})
			raw = raw[n:]
		case kindTimestamp:
			if len(raw) < 10 {
				return nil, ErrBadOption
			}
			out = append(out, Option{
				Kind:  OptionTimestamp,
				TSVal: binary.BigEndian.Uint32(raw[2:6]),
				TSEcr: binary.BigEndian.Uint32(raw[6:10]),
			})
			raw = raw[10:]
		default:
			return nil, ErrBadOption
		}
	}
	return out, nil
}
