package nn

import (
	"math"
	"math/rand/v2"
	"sync"
)

var (
	rngMu     sync.Mutex
	globalRng = rand.New(rand.NewPCG(1, 1))
)

// SetRandomSeed sets the global random seed for deterministic weight initialization
func SetRandomSeed(seed uint64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	globalRng = rand.New(rand.NewPCG(seed, seed))
}

// xavierUniform fills n values from U(-b, b) with b = sqrt(6/(fanIn+fanOut)).
func xavierUniform(n, fanIn, fanOut int) []float32 {
	bound := math.Sqrt(6.0 / float64(fanIn+fanOut))

	rngMu.Lock()
	defer rngMu.Unlock()

	data := make([]float32, n)
	for i := range data {
		data[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	return data
}
