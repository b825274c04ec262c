package tcp6

// State is the lifecycle of a client-side TCP responder connection, per
// spec §4.5.
type State int

const (
	StateSynReceived State = iota
	StateEstablished
	StatePeerClosed // we sent FIN-ACK in response to the peer's FIN
	StateClosing    // we sent our own FIN via Close, awaiting the peer's FIN
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSynReceived:
		return "SynReceived"
	case StateEstablished:
		return "Established"
	case StatePeerClosed:
		return "PeerClosed"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// window is the fixed advertised window this minimal responder always
// sends (§4.5: "window 0xFFFF").
const window = 0xffff

// Connection is a per-flow, client-side TCP responder. It terminates the
// TCP handshake/data transfer/teardown locally against the host kernel;
// the actual remote byte stream is supplied by the relay.
type Connection struct {
	LocalAddr, RemoteAddr [16]byte
	LocalPort, RemotePort uint16

	sndSeq uint32
	rcvAck uint32
	state  State
}

// ResponseKind distinguishes what a Receive call produced.
type ResponseKind int

const (
	ResponseNone ResponseKind = iota
	ResponseAcknowledge
	ResponseFinish
	ResponseFinished
)

// Response is the outcome of feeding a received segment to the
// connection.
type Response struct {
	Kind  ResponseKind
	Bytes []byte
}

// New creates a connection from a received SYN segment. tcp.Flags.SYN()
// must be set; callers are expected to have checked this before calling
// New (a vacant entry with no SYN gets an RST instead, per §4.5).
func New(localAddr [16]byte, localPort uint16, remoteAddr [16]byte, remotePort uint16, peerSeq, initialSeq uint32) (*Connection, []byte) {
	c := &Connection{
		LocalAddr:  localAddr,
		LocalPort:  localPort,
		RemoteAddr: remoteAddr,
		RemotePort: remotePort,
		sndSeq:     initialSeq,
		rcvAck:     peerSeq + 1,
		state:      StateSynReceived,
	}

	out, err := Encode(c.LocalAddr, c.LocalPort, c.RemoteAddr, c.RemotePort, c.sndSeq, c.rcvAck, Flags(0).withSYN(true).withACK(true), window, nil, nil)
	if err != nil {
		// Only possible with pathological option/data sizes; a bare
		// SYN-ACK never hits either limit.
		panic(err)
	}
	c.sndSeq++
	c.state = StateEstablished
	return c, out
}

// Receive feeds a segment arriving from the host kernel (via the TUN
// device) to the connection and returns the packet that must be written
// back, if any, per §4.5's five-step algorithm.
func (c *Connection) Receive(finSet bool, data []byte) Response {
	c.rcvAck += uint32(len(data))
	if finSet {
		c.rcvAck++
	}

	if !finSet && len(data) == 0 {
		return Response{Kind: ResponseNone}
	}

	flags := Flags(0).withACK(true).withFIN(finSet)
	out, err := Encode(c.LocalAddr, c.LocalPort, c.RemoteAddr, c.RemotePort, c.sndSeq, c.rcvAck, flags, window, nil, nil)
	if err != nil {
		panic(err)
	}

	if !finSet {
		return Response{Kind: ResponseAcknowledge, Bytes: out}
	}

	c.sndSeq++
	alreadyClosed := c.state == StateClosing
	c.state = StatePeerClosed
	if alreadyClosed {
		return Response{Kind: ResponseFinished, Bytes: out}
	}
	return Response{Kind: ResponseFinish, Bytes: out}
}

// Send builds an ACK-carrying data segment for payload arriving from the
// relay side.
func (c *Connection) Send(data []byte) []byte {
	out, err := Encode(c.LocalAddr, c.LocalPort, c.RemoteAddr, c.RemotePort, c.sndSeq, c.rcvAck, Flags(0).withACK(true), window, nil, data)
	if err != nil {
		panic(err)
	}
	c.sndSeq += uint32(len(data))
	return out
}

// Close builds a FIN-carrying segment in response to the relay signaling
// end-of-stream, and marks the connection as awaiting the peer's own FIN.
func (c *Connection) Close(data []byte) []byte {
	out, err := Encode(c.LocalAddr, c.LocalPort, c.RemoteAddr, c.RemotePort, c.sndSeq, c.rcvAck, Flags(0).withACK(true).withFIN(true), window, nil, data)
	if err != nil {
		panic(err)
	}
	c.sndSeq += uint32(len(data)) + 1
	c.state = StateClosing
	return out
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	return c.state
}

// RST builds a reset segment (seq=0, ack=0) from localAddr/localPort to
// remoteAddr/remotePort, for a segment that arrived for an unknown
// 4-tuple without SYN set. Swapping the offending segment's source and
// destination, and the IPv6 header with hop limit 255, are the caller's
// job (the dispatcher builds the IPv6 header, not this function).
func RST(localAddr [16]byte, localPort uint16, remoteAddr [16]byte, remotePort uint16) []byte {
	out, err := Encode(localAddr, localPort, remoteAddr, remotePort, 0, 0, Flags(0).withRST(true), 0, nil, nil)
	if err != nil {
		panic(err)
	}
	return out
}
