package engine

import (
	"math"

	"k8s.io/examples/AI/texturenet/pkg/engine/shape"
)

// CompareTensors reports whether a and b have the same shape and no element differs by
// more than tol. NaN is never equal to anything.
func CompareTensors(a, b HostTensor, tol float64) bool {
	if !shape.Equal(a.Shape, b.Shape) || len(a.Values) != len(b.Values) {
		return false
	}
	for i, x := range a.Values {
		y := b.Values[i]
		if math.IsNaN(float64(x)) || math.IsNaN(float64(y)) {
			return false
		}
		if math.Abs(float64(x)-float64(y)) > tol {
			return false
		}
	}
	return true
}
