package cryptoext

import "crypto/subtle"

// TimingSafeEqual reports whether a and b hold identical bytes, comparing
// in constant time. Buffers of differing length are never equal and are
// rejected before any constant-time work, matching the Workers API's own
// same-length requirement.
func TimingSafeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}
