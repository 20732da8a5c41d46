package i2cmem

import "fmt"

// 24LC256 geometry.
const (
	PageSize = 64
	Capacity = 32768
)

// DefaultDevice is the 7-bit address of a 24LC256 with A2..A0 tied low.
const DefaultDevice = 0x50

// Span is a page-bounded run of bytes in memory.
type Span struct {
	Addr uint16
	Len  int
}

func Page(addr uint16) int {
	return int(addr) / PageSize
}

func PageOffset(addr uint16) int {
	return int(addr) % PageSize
}

// CheckDevice validates a 7-bit device address.
func CheckDevice(device byte) error {
	if device > 0x7F {
		return fmt.Errorf("%w: %#x", ErrInvalidAddress, device)
	}
	return nil
}

// CheckRange validates a transfer of n bytes starting at addr.
func CheckRange(addr uint16, n int) error {
	if int(addr) >= Capacity || n < 0 || int(addr)+n > Capacity {
		return fmt.Errorf("%w: 0x%04x+%d", ErrOutOfRange, addr, n)
	}
	return nil
}

// SplitPages cuts a transfer of n bytes at addr into spans that never cross a
// page boundary. A positive max additionally caps the length of each span.
func SplitPages(addr uint16, n int, max int) []Span {
	var spans []Span
	cur := int(addr)
	for n > 0 {
		l := PageSize - cur%PageSize
		if l > n {
			l = n
		}
		if max > 0 && l > max {
			l = max
		}
		spans = append(spans, Span{Addr: uint16(cur), Len: l})
		cur += l
		n -= l
	}
	return spans
}
