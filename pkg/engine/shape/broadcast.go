package shape

import (
	"fmt"
	"slices"
)

// Broadcast returns the shape produced by combining a and b elementwise. Shapes are
// aligned on their trailing dimensions; each aligned pair must be equal or contain a 1.
func Broadcast(a, b []int) ([]int, error) {
	rank := max(len(a), len(b))
	out := make([]int, rank)
	for i := 0; i < rank; i++ {
		da := dimFromEnd(a, rank-1-i)
		db := dimFromEnd(b, rank-1-i)
		switch {
		case da == db:
			out[i] = da
		case da == 1:
			out[i] = db
		case db == 1:
			out[i] = da
		default:
			return nil, fmt.Errorf("%w: cannot broadcast %v with %v", ErrShapeMismatch, a, b)
		}
	}
	return out, nil
}

func dimFromEnd(s []int, fromEnd int) int {
	i := len(s) - 1 - fromEnd
	if i < 0 {
		return 1
	}
	return s[i]
}

// Strides returns row-major strides for s.
func Strides(s []int) []int {
	strides := make([]int, len(s))
	acc := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= s[i]
	}
	return strides
}

// BroadcastStrides returns strides for reading a tensor of shape s as if it had shape out.
// Broadcast dimensions get stride 0.
func BroadcastStrides(s, out []int) []int {
	own := Strides(s)
	strides := make([]int, len(out))
	offset := len(out) - len(s)
	for i := range out {
		j := i - offset
		if j < 0 || s[j] == 1 {
			continue
		}
		strides[i] = own[j]
	}
	return strides
}

// Reshape resolves target against in, inferring at most one -1 dimension.
func Reshape(in, target []int) ([]int, error) {
	total := Size(in)
	out := slices.Clone(target)
	infer := -1
	known := 1
	for i, d := range out {
		switch {
		case d == -1:
			if infer >= 0 {
				return nil, fmt.Errorf("%w: more than one inferred dimension in %v", ErrShapeMismatch, target)
			}
			infer = i
		case d <= 0:
			return nil, fmt.Errorf("%w: invalid dimension %d in %v", ErrShapeMismatch, d, target)
		default:
			known *= d
		}
	}
	if infer >= 0 {
		if known == 0 || total%known != 0 {
			return nil, fmt.Errorf("%w: cannot reshape %v into %v", ErrShapeMismatch, in, target)
		}
		out[infer] = total / known
	}
	if Size(out) != total {
		return nil, fmt.Errorf("%w: cannot reshape %v (%d elements) into %v (%d elements)", ErrShapeMismatch, in, total, out, Size(out))
	}
	return out, nil
}
