package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a tensor sharing t's data under a new shape.
// One dimension may be -1 and is inferred.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	shape := make([]int, len(newShape))
	copy(shape, newShape)

	known := 1
	inferIdx := -1
	for i, dim := range shape {
		switch {
		case dim == -1:
			if inferIdx >= 0 {
				return nil, fmt.Errorf("only one dimension can be -1")
			}
			inferIdx = i
		case dim <= 0:
			return nil, fmt.Errorf("dimension %d must be positive or -1, got %d", i, dim)
		default:
			known *= dim
		}
	}

	if inferIdx >= 0 {
		if t.NumElems%known != 0 {
			return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v", t.NumElems, newShape)
		}
		shape[inferIdx] = t.NumElems / known
	}

	return New(shape, t.Data)
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	return &Tensor{
		Shape:    shape,
		Strides:  calculateStrides(shape),
		Data:     data,
		NumElems: t.NumElems,
	}
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return t.NumElems
}

// Dim returns the rank.
func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Rows returns the size of the leading dimension.
func (t *Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize returns the number of elements in one leading-dimension slice.
func (t *Tensor) RowSize() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.NumElems / t.Shape[0]
}

// Row returns the i-th leading-dimension slice without copying.
func (t *Tensor) Row(i int) []float32 {
	size := t.RowSize()
	return t.Data[i*size : (i+1)*size]
}

// Equal reports whether shapes and data match exactly.
func (t *Tensor) Equal(other *Tensor) bool {
	if other == nil || len(t.Shape) != len(other.Shape) || len(t.Data) != len(other.Data) {
		return false
	}
	for i := range t.Shape {
		if t.Shape[i] != other.Shape[i] {
			return false
		}
	}
	for i := range t.Data {
		if math.Float32bits(t.Data[i]) != math.Float32bits(other.Data[i]) {
			return false
		}
	}
	return true
}

// PrintData renders up to maxElements values for debugging.
func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString("\nData: [")

	n := len(t.Data)
	if maxElements > 0 && n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if n < len(t.Data) {
		sb.WriteString(fmt.Sprintf(", ... (%d more)", len(t.Data)-n))
	}
	sb.WriteString("]")
	return sb.String()
}
