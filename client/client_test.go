package client

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Demindiro/stupid-tunnel/internal/ipv6"
	"github.com/Demindiro/stupid-tunnel/internal/metrics"
	"github.com/Demindiro/stupid-tunnel/internal/relay"
	"github.com/Demindiro/stupid-tunnel/internal/tcp6"
	"github.com/Demindiro/stupid-tunnel/internal/udp6"
)

type fakeTUN struct {
	in  chan []byte
	out chan []byte
}

func newFakeTUN() *fakeTUN {
	return &fakeTUN{in: make(chan []byte, 8), out: make(chan []byte, 8)}
}

func (f *fakeTUN) Read(buf []byte) (int, error) {
	pkt, ok := <-f.in
	if !ok {
		return 0, io.EOF
	}
	return copy(buf, pkt), nil
}

func (f *fakeTUN) Write(buf []byte) (int, error) {
	cp := append([]byte(nil), buf...)
	f.out <- cp
	return len(buf), nil
}

type sentMsg struct {
	ty                     relay.Type
	remote                 net.IP
	remotePort, localPort  uint16
	data                   []byte
}

type fakeRelay struct {
	in   chan relayMsg
	sent chan sentMsg
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{in: make(chan relayMsg, 8), sent: make(chan sentMsg, 8)}
}

func (f *fakeRelay) Send(ty relay.Type, remote net.IP, remotePort, localPort uint16, data []byte) error {
	f.sent <- sentMsg{ty, append(net.IP(nil), remote...), remotePort, localPort, append([]byte(nil), data...)}
	return nil
}

func (f *fakeRelay) Recv() (relay.Header, []byte, error) {
	m, ok := <-f.in
	if !ok {
		return relay.Header{}, nil, io.EOF
	}
	return m.header, m.data, nil
}

// Flag bit values mirror tcp6's unexported layout (URG=bit5, ACK=bit4,
// PSH=bit3, RST=bit2, SYN=bit1, FIN=bit0); tcp6.Flags only exposes
// accessor/with* methods for its own package, so tests outside tcp6
// build raw flag bytes directly.
const (
	flagFIN = 1 << 0
	flagSYN = 1 << 1
	flagRST = 1 << 2
	flagACK = 1 << 4
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

var (
	localAddr  = [16]byte{0xab, 0xcd, 0xef, 0x00, 15: 0x01} // abcd:ef00::1
	remoteDst  = [16]byte{0xab, 0xcd, 0xef, 0x00, 12: 1, 13: 2, 14: 3, 15: 4} // abcd:ef00::1.2.3.4
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeTUN, *fakeRelay) {
	t.Helper()
	tun := newFakeTUN()
	rel := newFakeRelay()
	reg := metrics.NewCollector(nil)
	d, err := New(testLogger(), tun, rel, localAddr, reg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, tun, rel
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	return cancel
}

func recvWithTimeout[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func TestUDPForwardToRelay(t *testing.T) {
	d, tun, rel := newTestDispatcher(t)
	cancel := runDispatcher(t, d)
	defer cancel()

	pkt, err := udp6.NewIPv6(localAddr, 4000, remoteDst, 53, []byte("Q"))
	if err != nil {
		t.Fatalf("NewIPv6: %v", err)
	}
	ipPkt := ipv6.Encode(uint16(len(pkt)), 17, 64, localAddr, remoteDst)
	ipPkt = append(ipPkt, pkt...)

	tun.in <- ipPkt

	sent := recvWithTimeout(t, rel.sent, "relay send")
	if sent.ty != relay.TypeUDPData || sent.remotePort != 53 || sent.localPort != 4000 {
		t.Fatalf("sent mismatch: %+v", sent)
	}
	if !sent.remote.Equal(net.IPv4(1, 2, 3, 4)) {
		t.Fatalf("remote = %v", sent.remote)
	}
	if string(sent.data) != "Q" {
		t.Fatalf("data = %q", sent.data)
	}
}

func TestUDPReturnFromRelay(t *testing.T) {
	d, tun, rel := newTestDispatcher(t)
	cancel := runDispatcher(t, d)
	defer cancel()

	rel.in <- relayMsg{
		header: relay.Header{Type: relay.TypeUDPData, RemoteIPv4: [4]byte{1, 2, 3, 4}, RemotePort: 53, LocalPort: 4000},
		data:   []byte("A"),
	}

	out := recvWithTimeout(t, tun.out, "tun write")
	hdr, rest, err := ipv6.Decode(out)
	if err != nil {
		t.Fatalf("ipv6.Decode: %v", err)
	}
	if hdr.Destination != localAddr {
		t.Fatalf("destination = %x, want %x", hdr.Destination, localAddr)
	}
	uh, data, err := udp6.DecodeIPv6(rest[:hdr.PayloadLength], hdr.Source, hdr.Destination)
	if err != nil {
		t.Fatalf("udp6.DecodeIPv6: %v", err)
	}
	if uh.SourcePort != 53 || uh.DestinationPort != 4000 || string(data) != "A" {
		t.Fatalf("udp mismatch: %+v %q", uh, data)
	}
	if !udp6.VerifyChecksum(uh, hdr.Source, hdr.Destination, data) {
		t.Fatalf("checksum did not verify")
	}
}

func buildTCPPacket(t *testing.T, src, dst [16]byte, srcPort, dstPort uint16, seq, ack uint32, flags tcp6.Flags, data []byte) []byte {
	t.Helper()
	seg, err := tcp6.Encode(src, srcPort, dst, dstPort, seq, ack, flags, 0xffff, nil, data)
	if err != nil {
		t.Fatalf("tcp6.Encode: %v", err)
	}
	ipPkt := ipv6.Encode(uint16(len(seg)), 6, 64, src, dst)
	return append(ipPkt, seg...)
}

func TestTCPHandshakeAndDataFlow(t *testing.T) {
	d, tun, rel := newTestDispatcher(t)
	cancel := runDispatcher(t, d)
	defer cancel()

	const clientSeq = 1000
	syn := buildTCPPacket(t, localAddr, remoteDst, 9000, 80, clientSeq, 0, tcp6.Flags(flagSYN), nil)
	tun.in <- syn

	connectMsg := recvWithTimeout(t, rel.sent, "TcpConnect")
	if connectMsg.ty != relay.TypeTCPConnect || connectMsg.localPort != 9000 || connectMsg.remotePort != 80 {
		t.Fatalf("connect message mismatch: %+v", connectMsg)
	}

	synAckPkt := recvWithTimeout(t, tun.out, "syn-ack")
	_, rest, err := ipv6.Decode(synAckPkt)
	if err != nil {
		t.Fatalf("ipv6.Decode: %v", err)
	}
	th, _, _, err := tcp6.DecodeIPv6(rest)
	if err != nil {
		t.Fatalf("tcp6.DecodeIPv6: %v", err)
	}
	if !th.Flags.SYN() || !th.Flags.ACK() || th.Ack != clientSeq+1 {
		t.Fatalf("syn-ack mismatch: %+v", th)
	}
	serverSeq := th.Seq

	// Upstream data.
	dataPkt := buildTCPPacket(t, localAddr, remoteDst, 9000, 80, clientSeq+1, serverSeq+1, tcp6.Flags(flagACK), []byte("GET /"))
	tun.in <- dataPkt

	tcpMsg := recvWithTimeout(t, rel.sent, "TCP data forward")
	if tcpMsg.ty != relay.TypeTCPData || string(tcpMsg.data) != "GET /" {
		t.Fatalf("tcp forward mismatch: %+v", tcpMsg)
	}

	ackPkt := recvWithTimeout(t, tun.out, "ack")
	_, rest, _ = ipv6.Decode(ackPkt)
	ah, _, _, _ := tcp6.DecodeIPv6(rest)
	if ah.Ack != clientSeq+1+5 || ah.Seq != serverSeq+1 {
		t.Fatalf("ack mismatch: %+v", ah)
	}

	// Downstream data via relay.
	rel.in <- relayMsg{header: relay.Header{Type: relay.TypeTCPData, LocalPort: 9000}, data: []byte("200 OK")}
	downPkt := recvWithTimeout(t, tun.out, "downstream data")
	_, rest, _ = ipv6.Decode(downPkt)
	dh, _, payload, _ := tcp6.DecodeIPv6(rest)
	if dh.Seq != serverSeq+1 || string(payload) != "200 OK" {
		t.Fatalf("downstream mismatch: %+v %q", dh, payload)
	}

	// Peer FIN teardown.
	finPkt := buildTCPPacket(t, localAddr, remoteDst, 9000, 80, clientSeq+1+5, serverSeq+1+6, tcp6.Flags(flagACK|flagFIN), nil)
	tun.in <- finPkt

	finishMsg := recvWithTimeout(t, rel.sent, "TcpFinish")
	if finishMsg.ty != relay.TypeTCPFinish || finishMsg.localPort != 9000 {
		t.Fatalf("finish message mismatch: %+v", finishMsg)
	}
	finAckPkt := recvWithTimeout(t, tun.out, "fin-ack")
	_, rest, _ = ipv6.Decode(finAckPkt)
	fh, _, _, _ := tcp6.DecodeIPv6(rest)
	if !fh.Flags.FIN() || !fh.Flags.ACK() {
		t.Fatalf("fin-ack flags = %v", fh.Flags)
	}
}

func TestUnknownConnectionNonSYNGetsRST(t *testing.T) {
	d, tun, _ := newTestDispatcher(t)
	cancel := runDispatcher(t, d)
	defer cancel()

	pkt := buildTCPPacket(t, localAddr, remoteDst, 9001, 443, 0, 0, tcp6.Flags(flagACK), nil)
	tun.in <- pkt

	out := recvWithTimeout(t, tun.out, "rst")
	_, rest, _ := ipv6.Decode(out)
	rh, _, _, err := tcp6.DecodeIPv6(rest)
	if err != nil {
		t.Fatalf("tcp6.DecodeIPv6: %v", err)
	}
	if !rh.Flags.RST() || rh.SourcePort != 443 || rh.DestinationPort != 9001 {
		t.Fatalf("rst mismatch: %+v", rh)
	}
}
