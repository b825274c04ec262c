package tcp6

import "testing"

var (
	clientAddr = [16]byte{0xab, 0xcd, 0xef, 0x00, 15: 0x01}
	serverAddr = [16]byte{15: 5, 14: 6, 13: 7, 12: 8}
)

func TestHandshakeAndDataFlow(t *testing.T) {
	const peerSeq = 1000
	const initialSeq = 5000

	conn, synAck := New(clientAddr, 9000, serverAddr, 80, peerSeq, initialSeq)
	h, _, _, err := DecodeIPv6(synAck)
	if err != nil {
		t.Fatalf("decode syn-ack: %v", err)
	}
	if !h.Flags.SYN() || !h.Flags.ACK() {
		t.Fatalf("syn-ack flags = %v", h.Flags)
	}
	if h.Ack != peerSeq+1 {
		t.Fatalf("syn-ack ack = %d, want %d", h.Ack, peerSeq+1)
	}
	s := h.Seq // server's chosen seq, == initialSeq

	// Upstream data: kernel sends seq=peerSeq+1, ack=s+1, data="GET /"
	resp := conn.Receive(false, []byte("GET /"))
	if resp.Kind != ResponseAcknowledge {
		t.Fatalf("resp.Kind = %v, want Acknowledge", resp.Kind)
	}
	ah, _, _, _ := DecodeIPv6(resp.Bytes)
	if ah.Ack != peerSeq+1+5 {
		t.Fatalf("ack = %d, want %d", ah.Ack, peerSeq+1+5)
	}
	if ah.Seq != s+1 {
		t.Fatalf("seq = %d, want %d", ah.Seq, s+1)
	}

	// Downstream data from the relay.
	down := conn.Send([]byte("200 OK"))
	dh, _, rest, _ := DecodeIPv6(down)
	if dh.Seq != s+1 {
		t.Fatalf("downstream seq = %d, want %d", dh.Seq, s+1)
	}
	if dh.Ack != peerSeq+1+5 {
		t.Fatalf("downstream ack = %d, want %d", dh.Ack, peerSeq+1+5)
	}
	if string(rest) != "200 OK" {
		t.Fatalf("downstream payload = %q", rest)
	}

	// Peer-initiated teardown: FIN with no data.
	finResp := conn.Receive(true, nil)
	if finResp.Kind != ResponseFinish {
		t.Fatalf("finResp.Kind = %v, want Finish", finResp.Kind)
	}
	fh, _, _, _ := DecodeIPv6(finResp.Bytes)
	if !fh.Flags.FIN() || !fh.Flags.ACK() {
		t.Fatalf("fin-ack flags = %v", fh.Flags)
	}
	if fh.Ack != peerSeq+1+5+1 {
		t.Fatalf("fin-ack ack = %d, want %d", fh.Ack, peerSeq+1+5+1)
	}
}

func TestCloseThenPeerFinYieldsFinished(t *testing.T) {
	conn, _ := New(clientAddr, 9001, serverAddr, 443, 10, 20)

	closePkt := conn.Close(nil)
	ch, _, _, _ := DecodeIPv6(closePkt)
	if !ch.Flags.FIN() {
		t.Fatalf("close packet missing FIN")
	}

	resp := conn.Receive(true, nil)
	if resp.Kind != ResponseFinished {
		t.Fatalf("resp.Kind = %v, want Finished", resp.Kind)
	}
}

func TestRSTZeroSeqAckAndGivenPorts(t *testing.T) {
	out := RST(clientAddr, 1, serverAddr, 2)
	h, _, _, err := DecodeIPv6(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !h.Flags.RST() || h.Seq != 0 || h.Ack != 0 {
		t.Fatalf("rst fields mismatch: %+v", h)
	}
	if h.SourcePort != 1 || h.DestinationPort != 2 {
		t.Fatalf("rst ports mismatch: %+v", h)
	}
}

func TestReceiveNoPayloadNoFinIsNoop(t *testing.T) {
	conn, _ := New(clientAddr, 9002, serverAddr, 22, 0, 0)
	resp := conn.Receive(false, nil)
	if resp.Kind != ResponseNone {
		t.Fatalf("resp.Kind = %v, want None", resp.Kind)
	}
}
