package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary describes the value distribution of a tensor.
type Summary struct {
	Min    float64
	Max    float64
	Mean   float64
	StdDev float64
}

func (s Summary) String() string {
	return fmt.Sprintf("min=%.4f max=%.4f mean=%.4f std=%.4f", s.Min, s.Max, s.Mean, s.StdDev)
}

// Stats computes a Summary over every element.
func (t *Tensor) Stats() Summary {
	values := make([]float64, t.NumElems)
	for i, v := range t.Data {
		values[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(values, nil)
	return Summary{
		Min:    floats.Min(values),
		Max:    floats.Max(values),
		Mean:   mean,
		StdDev: std,
	}
}
