package transform

import (
	mathrand "math/rand"
	"strconv"
	"time"
)

const (
	alphaChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alnumChars = alphaChars + "0123456789"
)

// Rand carries the per-run randomness source. It is created once per
// pipeline invocation and threaded through every stage, never shared
// between concurrent runs.
type Rand struct {
	rng *mathrand.Rand
	seq int
}

// NewRand returns a run-scoped source. A zero seed derives one from the
// clock; a fixed seed makes the whole pipeline reproducible for testing.
func NewRand(seed int64) *Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Rand{rng: mathrand.New(mathrand.NewSource(seed))}
}

// Ident generates an obfuscated identifier: fixed-length random
// alphanumerics with an alphabetic first character and a numeric
// uniqueness suffix.
func (r *Rand) Ident(length int) string {
	if length < 2 {
		length = 2
	}
	buf := make([]byte, length)
	buf[0] = alphaChars[r.rng.Intn(len(alphaChars))]
	for i := 1; i < length; i++ {
		buf[i] = alnumChars[r.rng.Intn(len(alnumChars))]
	}
	r.seq++
	return string(buf) + strconv.Itoa(r.seq)
}

// Key generates symmetric key material of n printable bytes.
func (r *Rand) Key(n int) string {
	if n <= 0 {
		n = 16
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alnumChars[r.rng.Intn(len(alnumChars))]
	}
	return string(buf)
}

func (r *Rand) Intn(n int) int { return r.rng.Intn(n) }
