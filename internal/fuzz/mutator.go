package fuzz

import (
	"bytes"
	"math/rand/v2"
)

const maxInputSize = 1 << 20

var interestingBytes = []byte{0x00, 0x01, 0x7f, 0x80, 0xff, '\'', '"', '\\', '\n', '{', '}', '<', '>', '%', '-'}

// Mutator derives children from a parent input. It is not safe for concurrent use; each
// worker owns one.
type Mutator struct {
	rng        *rand.Rand
	dictionary [][]byte
	pool       [][]byte // other seeds of the target, splice partners
}

func NewMutator(seed uint64, dictionary []string, pool [][]byte) *Mutator {
	dict := make([][]byte, 0, len(dictionary))
	for _, token := range dictionary {
		if token != "" {
			dict = append(dict, []byte(token))
		}
	}
	return &Mutator{
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		dictionary: dict,
		pool:       pool,
	}
}

// Mutate returns a fresh child of parent with one to four stacked mutations applied
func (m *Mutator) Mutate(parent []byte) []byte {
	child := bytes.Clone(parent)
	rounds := 1 + m.rng.IntN(4)
	for range rounds {
		child = m.mutateOnce(child)
	}
	if len(child) > maxInputSize {
		child = child[:maxInputSize]
	}
	return child
}

func (m *Mutator) mutateOnce(b []byte) []byte {
	switch m.rng.IntN(7) {
	case 0:
		return m.flipBit(b)
	case 1:
		return m.setInteresting(b)
	case 2:
		return m.arithmetic(b)
	case 3:
		return m.insertBytes(b)
	case 4:
		return m.deleteBytes(b)
	case 5:
		return m.insertToken(b)
	default:
		return m.splice(b)
	}
}

func (m *Mutator) flipBit(b []byte) []byte {
	if len(b) == 0 {
		return m.insertBytes(b)
	}
	i := m.rng.IntN(len(b))
	b[i] ^= 1 << m.rng.IntN(8)
	return b
}

func (m *Mutator) setInteresting(b []byte) []byte {
	if len(b) == 0 {
		return append(b, interestingBytes[m.rng.IntN(len(interestingBytes))])
	}
	b[m.rng.IntN(len(b))] = interestingBytes[m.rng.IntN(len(interestingBytes))]
	return b
}

func (m *Mutator) arithmetic(b []byte) []byte {
	if len(b) == 0 {
		return m.insertBytes(b)
	}
	i := m.rng.IntN(len(b))
	delta := byte(1 + m.rng.IntN(35))
	if m.rng.IntN(2) == 0 {
		b[i] += delta
	} else {
		b[i] -= delta
	}
	return b
}

func (m *Mutator) insertBytes(b []byte) []byte {
	n := 1 + m.rng.IntN(8)
	chunk := make([]byte, n)
	for i := range chunk {
		chunk[i] = byte(m.rng.IntN(256))
	}
	return m.insertAt(b, chunk)
}

func (m *Mutator) deleteBytes(b []byte) []byte {
	if len(b) < 2 {
		return b
	}
	start := m.rng.IntN(len(b))
	n := 1 + m.rng.IntN(min(len(b)-start, 16))
	return append(b[:start], b[start+n:]...)
}

func (m *Mutator) insertToken(b []byte) []byte {
	if len(m.dictionary) == 0 {
		return m.setInteresting(b)
	}
	token := m.dictionary[m.rng.IntN(len(m.dictionary))]
	return m.insertAt(b, token)
}

// splice joins a prefix of b with a suffix of a random pool member
func (m *Mutator) splice(b []byte) []byte {
	if len(m.pool) == 0 {
		return m.insertToken(b)
	}
	other := m.pool[m.rng.IntN(len(m.pool))]
	if len(other) == 0 {
		return b
	}
	cut := m.rng.IntN(len(b) + 1)
	from := m.rng.IntN(len(other))
	out := make([]byte, 0, cut+len(other)-from)
	out = append(out, b[:cut]...)
	return append(out, other[from:]...)
}

func (m *Mutator) insertAt(b, chunk []byte) []byte {
	at := m.rng.IntN(len(b) + 1)
	out := make([]byte, 0, len(b)+len(chunk))
	out = append(out, b[:at]...)
	out = append(out, chunk...)
	return append(out, b[at:]...)
}
