package transform

import "strconv"

// Checksum is the additive byte-sum used for every integrity check in the
// obfuscation engine and the generated artifacts. It is deliberately not a
// cryptographic hash: the generated Lua must recompute it with nothing but
// string.byte and modular arithmetic, and the artifact size/format contract
// depends on its short decimal rendering. Adequate as a tamper deterrent
// against casual edits only; a known, documented limitation.
func Checksum(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h += uint32(s[i])
	}
	return h
}

// ChecksumString renders Checksum as the decimal form embedded in artifacts.
func ChecksumString(s string) string {
	return strconv.FormatUint(uint64(Checksum(s)), 10)
}
