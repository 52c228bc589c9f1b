package fingerprint

import "encoding/base64"

const hex = "0123456789ABCDEF"

// Base64 renders b in unpadded URL-safe base64, the compact form used
// alongside the hex/emoji renderings for manual key comparison.
func Base64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func Hex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	s := make([]byte, len(b)*3-1)
	for i, v := range b {
		pos := i * 3
		s[pos] = hex[v>>4]
		s[pos+1] = hex[v&0x0F]
		if i != len(b)-1 {
			s[pos+2] = ':'
		}
	}
	return string(s)
}
