package server

import "net"

// udpSocket is a connected outbound UDP socket opened on behalf of one
// client-side local_port (§4.8: "bind an unspecified IPv4 address,
// connect to remote").
type udpSocket struct {
	conn       *net.UDPConn
	remote     net.IP
	remotePort uint16
}

// tcpStream is a real TCP connection to the forwarding target, opened in
// response to a TcpConnect relay message.
type tcpStream struct {
	conn       *net.TCPConn
	remote     net.IP
	remotePort uint16
}

// socketEvent is what a per-socket reader goroutine hands back to the
// dispatch loop; the loop (and only the loop) owns udpSockets/tcpStreams
// and turns this into a framed relay message.
type socketEvent struct {
	localPort  uint16
	isTCP      bool
	remote     net.IP
	remotePort uint16
	data       []byte
	closed     bool // TCP peer sent EOF; ignored for UDP
}
