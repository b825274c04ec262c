package checksum

import "testing"

func TestFeedOddByte(t *testing.T) {
	a := New()
	a.Feed([]byte{0x12})
	a.Feed([]byte{0x34, 0x00, 0x01})
	got := a.Finish()

	b := New()
	b.Feed([]byte{0x12, 0x34, 0x00, 0x01})
	want := b.Finish()

	if got != want {
		t.Fatalf("split feed = %#x, want %#x", got, want)
	}
}

func TestFeedBackChecksumYieldsAllOnes(t *testing.T) {
	a := New()
	a.Feed([]byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7})
	sum := a.Finish()

	b := New()
	b.Feed([]byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7})
	b.Feed([]byte{byte(sum >> 8), byte(sum)})
	// Finish inverts the folded sum, so the all-ones sum is ^Finish().
	if got := ^b.Finish(); got != 0xffff {
		t.Fatalf("folded sum fed back = %#x, want 0xffff", got)
	}
}

func TestFinishFoldsCarry(t *testing.T) {
	a := New()
	// Two words that overflow 16 bits when summed, forcing a carry fold.
	a.Feed([]byte{0xff, 0xff})
	a.Feed([]byte{0x00, 0x01})
	got := a.Finish()
	// sum = 0x10000, folded -> 0x0001, inverted -> 0xfffe
	if got != 0xfffe {
		t.Fatalf("got %#x, want 0xfffe", got)
	}
}
