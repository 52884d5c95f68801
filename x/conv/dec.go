package conv

// Utoa writes n in base 10 into the end of buf and returns the used slice.
// A buf of 20 bytes holds any uint64; a shorter one keeps the low digits.
func Utoa(buf []byte, n uint64) []byte {
	i := len(buf)
	if i == 0 {
		return buf
	}
	for {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
		if n == 0 || i == 0 {
			return buf[i:]
		}
	}
}

// Itoa is Utoa for signed values; buf needs one more byte for the sign.
func Itoa(buf []byte, n int64) []byte {
	if n >= 0 {
		return Utoa(buf, uint64(n))
	}
	if len(buf) < 2 {
		return buf[:0]
	}
	d := Utoa(buf[1:], uint64(-n))
	i := len(buf) - len(d) - 1
	buf[i] = '-'
	return buf[i:]
}

// Dec formats n in base 10 as a string.
func Dec(n int) string {
	var b [21]byte
	return string(Itoa(b[:], int64(n)))
}
