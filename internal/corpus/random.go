package corpus

import (
	"context"
	"crypto/rand"
	"math/big"
)

// RandomSeedGrabber is the last resort source: a handful of short random inputs
type RandomSeedGrabber struct {
	count   int
	maxSize int
}

func NewRandomSeedGrabber() *RandomSeedGrabber {
	return &RandomSeedGrabber{count: 8, maxSize: 64}
}

func (s *RandomSeedGrabber) GrabSeeds(ctx context.Context, targetID string) ([][]byte, error) {
	seeds := make([][]byte, 0, s.count)
	for range s.count {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(s.maxSize)))
		if err != nil {
			return nil, err
		}
		seed := make([]byte, n.Int64()+1)
		if _, err := rand.Read(seed); err != nil {
			return nil, err
		}
		seeds = append(seeds, seed)
	}
	return seeds, nil
}
