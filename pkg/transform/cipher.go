package transform

// The literal cipher is an additive key stream mod 256. The target runtime
// has no bit operations in its standard library, so ciphertext must invert
// with string.char((c - k) % 256) alone. The runtime is attacker-controlled
// either way; the cipher raises analysis cost, it is not secrecy.

// EncryptBytes enciphers plain under key, byte-wise.
func EncryptBytes(plain, key string) []byte {
	out := make([]byte, len(plain))
	for i := 0; i < len(plain); i++ {
		out[i] = plain[i] + key[i%len(key)]
	}
	return out
}

// DecryptBytes inverts EncryptBytes. The generated Lua decrypt function is
// the exact counterpart of this routine.
func DecryptBytes(cipher []byte, key string) string {
	out := make([]byte, len(cipher))
	for i := range cipher {
		out[i] = cipher[i] - key[i%len(key)]
	}
	return string(out)
}
