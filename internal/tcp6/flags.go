package tcp6

// Flags holds the six low-order TCP control bits packed into one byte,
// as laid out on the wire: URG=bit5, ACK=bit4, PSH=bit3, RST=bit2,
// SYN=bit1, FIN=bit0.
type Flags uint8

const (
	flagURG Flags = 1 << 5
	flagACK Flags = 1 << 4
	flagPSH Flags = 1 << 3
	flagRST Flags = 1 << 2
	flagSYN Flags = 1 << 1
	flagFIN Flags = 1 << 0
)

func (f Flags) URG() bool { return f&flagURG != 0 }
func (f Flags) ACK() bool { return f&flagACK != 0 }
func (f Flags) PSH() bool { return f&flagPSH != 0 }
func (f Flags) RST() bool { return f&flagRST != 0 }
func (f Flags) SYN() bool { return f&flagSYN != 0 }
func (f Flags) FIN() bool { return f&flagFIN != 0 }

func (f Flags) withURG(v bool) Flags { return f.set(flagURG, v) }
func (f Flags) withACK(v bool) Flags { return f.set(flagACK, v) }
func (f Flags) withPSH(v bool) Flags { return f.set(flagPSH, v) }
func (f Flags) withRST(v bool) Flags { return f.set(flagRST, v) }
func (f Flags) withSYN(v bool) Flags { return f.set(flagSYN, v) }
func (f Flags) withFIN(v bool) Flags { return f.set(flagFIN, v) }

func (f Flags) set(bit Flags, v bool) Flags {
	if v {
		return f | bit
	}
	return f &^ bit
}

// String renders flags the way the teacher's Debug formatter does,
// useful for debug-level logging of a decoded segment.
func (f Flags) String() string {
	s := ""
	add := func(set bool, name string) {
		if set {
			if s != "" {
				s += "|"
			}
			s += name
		}
	}
	add(f.URG(), "URG")
	add(f.ACK(), "ACK")
	add(f.PSH(), "PSH")
	add(f.RST(), "RST")
	add(f.SYN(), "SYN")
	add(f.FIN(), "FIN")
	if s == "" {
		return "-"
	}
	return s
}
