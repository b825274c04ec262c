package tun

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestTrimNull(t *testing.T) {
	raw := make([]byte, unix.IFNAMSIZ)
	copy(raw, "stupid_tunnel")
	if got := trimNull(string(raw)); got != "stupid_tunnel" {
		t.Fatalf("trimNull = %q", got)
	}
}
