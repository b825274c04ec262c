// Package udp6 implements the 8-byte UDP header codec checksummed over
// the IPv6 pseudo-header, per spec §4.3.
package udp6

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"

	"github.com/Demindiro/stupid-tunnel/internal/checksum"
)

// HeaderLen is the fixed size of a UDP header in bytes.
const HeaderLen = 8

const nextHeader = 17

// ErrTruncated is returned when fewer than HeaderLen bytes are available.
var ErrTruncated = errors.New("udp6: truncated header")

// ErrDataTooLarge is returned when header+data would overflow the
// 16-bit length field.
var ErrDataTooLarge = errors.New("udp6: data too large")

type wireHeader struct {
	SourcePort      uint16
	DestinationPort uint16
	Length          uint16
	Checksum        uint16
}

// Header is the decoded view of a UDP header.
type Header struct {
	SourcePort      uint16
	DestinationPort uint16
	Length          uint16
	Checksum        uint16
}

// DataLength returns Length minus the fixed header size.
func (h Header) DataLength() uint16 {
	return h.Length - HeaderLen
}

// DecodeIPv6 parses the 8-byte UDP header at the front of buf. src/dst
// are only used by callers that wish to verify the checksum separately;
// decode itself does not validate it (see §7 — ingress checksum
// verification is the dispatcher's job, not the codec's).
func DecodeIPv6(buf []byte, src, dst [16]byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, ErrTruncated
	}
	var w wireHeader
	if err := struc.Unpack(bytes.NewReader(buf[:HeaderLen]), &w); err != nil {
		return Header{}, nil, fmt.Errorf("udp6: unpack: %w", err)
	}
	h := Header{
		SourcePort:      w.SourcePort,
		DestinationPort: w.DestinationPort,
		Length:          w.Length,
		Checksum:        w.Checksum,
	}
	return h, buf[HeaderLen:], nil
}

// NewIPv6 builds a UDP header + checksum for a packet travelling between
// the given IPv6/port socket pairs, carrying data as its payload.
func NewIPv6(srcAddr [16]byte, srcPort uint16, dstAddr [16]byte, dstPort uint16, data []byte) ([]byte, error) {
	length := HeaderLen + len(data)
	if length > 0xffff {
		return nil, ErrDataTooLarge
	}

	w := wireHeader{
		SourcePort:      srcPort,
		DestinationPort: dstPort,
		Length:          uint16(length),
		Checksum:        0,
	}

	sum := checksum.New()
	sum.Feed(checksum.IPv6PseudoHeader(srcAddr, dstAddr, nextHeader, uint32(length)))
	sum.Feed([]byte{byte(srcPort >> 8), byte(srcPort)})
	sum.Feed([]byte{byte(dstPort >> 8), byte(dstPort)})
	sum.Feed([]byte{byte(length >> 8), byte(length)})
	sum.Feed([]byte{0, 0}) // checksum field, zeroed
	sum.Feed(data)
	w.Checksum = sum.Finish()

	var out bytes.Buffer
	if err := struc.Pack(&out, &w); err != nil {
		return nil, fmt.Errorf("udp6: pack: %w", err)
	}
	out.Write(data)
	return out.Bytes(), nil
}

// VerifyChecksum recomputes the checksum of a received header+data pair,
// including the embedded checksum field, and reports whether the packet
// is intact (the recomputed folded sum must equal 0xffff per §4.1/§8,
// i.e. Finish, which inverts it, returns 0).
func VerifyChecksum(h Header, src, dst [16]byte, data []byte) bool {
	sum := checksum.New()
	sum.Feed(checksum.IPv6PseudoHeader(src, dst, nextHeader, uint32(h.Length)))
	sum.Feed([]byte{byte(h.SourcePort >> 8), byte(h.SourcePort)})
	sum.Feed([]byte{byte(h.DestinationPort >> 8), byte(h.DestinationPort)})
	sum.Feed([]byte{byte(h.Length >> 8), byte(h.Length)})
	sum.Feed([]byte{byte(h.Checksum >> 8), byte(h.Checksum)})
	sum.Feed(data)
	return ^sum.Finish() == 0xffff
}
