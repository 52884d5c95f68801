package conv

// Hex writes the low digits nibbles of n as uppercase hex, zero-padded,
// without 0x, into the end of buf and returns the used slice. digits is
// clamped to [1, 8] and to len(buf).
func Hex(buf []byte, n uint32, digits int) []byte {
	if digits < 1 {
		digits = 1
	}
	if digits > 8 {
		digits = 8
	}
	if digits > len(buf) {
		return buf[:0]
	}
	const hexd = "0123456789ABCDEF"
	i := len(buf)
	for j := 0; j < digits; j++ {
		i--
		buf[i] = hexd[n&0xF]
		n >>= 4
	}
	return buf[i:]
}

// Hex0x is Hex with a 0x prefix, as a string.
func Hex0x(n uint32, digits int) string {
	var b [8]byte
	return "0x" + string(Hex(b[:], n, digits))
}
