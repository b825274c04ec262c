package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// Conn wraps the single multiplexed relay TCP connection (the "stupid"
// control channel), framing messages as they are written and read.
// Grounded on the original StupidClient: a thin TcpStream wrapper with
// send/receive of framed messages, generalized here to a shared type
// used by both the client (dialing out) and the server (reading from
// an accepted stream).
type Conn struct {
	nc net.Conn
}

// Dial opens the relay control connection to a server address.
func Dial(address string) (*Conn, error) {
	nc, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", address, err)
	}
	return &Conn{nc: nc}, nil
}

// NewConn wraps an already-established connection (the server side
// gets one per accepted client).
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// Send writes one framed relay message. The write is a single
// net.Conn.Write call over the concatenated header+data buffer so a
// concurrent reader elsewhere on this process never observes a torn
// frame (§5: "each side writes atomically one framed message at a
// time").
func (c *Conn) Send(ty Type, remote net.IP, remotePort, localPort uint16, data []byte) error {
	msg, err := Encode(ty, remote, remotePort, localPort, data)
	if err != nil {
		return err
	}
	if _, err := c.nc.Write(msg); err != nil {
		return fmt.Errorf("relay: write: %w", err)
	}
	return nil
}

// Recv blocks for exactly one framed relay message: the 11-byte header,
// then its data_length bytes of payload. A short read anywhere in the
// frame (peer disconnect mid-message) is unrecoverable, per §5 — the
// caller should treat any error from Recv as fatal to this connection.
func (c *Conn) Recv() (Header, []byte, error) {
	var hdrBuf [HeaderLen]byte
	if _, err := io.ReadFull(c.nc, hdrBuf[:]); err != nil {
		return Header{}, nil, fmt.Errorf("relay: read header: %w", err)
	}

	h := Header{
		Type:       Type(hdrBuf[0]),
		RemotePort: binary.LittleEndian.Uint16(hdrBuf[5:7]),
		LocalPort:  binary.LittleEndian.Uint16(hdrBuf[7:9]),
		DataLength: binary.LittleEndian.Uint16(hdrBuf[9:11]),
	}
	copy(h.RemoteIPv4[:], hdrBuf[1:5])

	data := make([]byte, h.DataLength)
	if h.DataLength > 0 {
		if _, err := io.ReadFull(c.nc, data); err != nil {
			return Header{}, nil, fmt.Errorf("relay: read data: %w", err)
		}
	}
	return h, data, nil
}
