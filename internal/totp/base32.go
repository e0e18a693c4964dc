package totp

import "strings"

// RFC 4648 alphabet, no padding. Encoding packs 5 bits per symbol, big-endian.
const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"

func base32Encode(data []byte) string {
	var b strings.Builder
	b.Grow((len(data)*8 + 4) / 5)

	var buf uint32
	var bits uint
	for _, by := range data {
		buf = buf<<8 | uint32(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			b.WriteByte(alphabet[(buf>>bits)&0x1f])
		}
	}
	if bits > 0 {
		b.WriteByte(alphabet[(buf<<(5-bits))&0x1f])
	}
	return b.String()
}

func base32Decode(s string) ([]byte, error) {
	s = strings.ToUpper(strings.TrimRight(strings.TrimSpace(s), "="))
	out := make([]byte, 0, len(s)*5/8)

	var buf uint32
	var bits uint
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(alphabet, s[i])
		if idx < 0 {
			return nil, ErrBadSecret
		}
		buf = buf<<5 | uint32(idx)
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(buf>>bits))
		}
	}
	if len(out) == 0 {
		return nil, ErrBadSecret
	}
	return out, nil
}
