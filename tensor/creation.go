package tensor

import (
	"fmt"
)

// New wraps data in a tensor of the given shape. The slice is not copied.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	s := make([]int, len(shape))
	copy(s, shape)

	return &Tensor{
		Shape:    s,
		Strides:  calculateStrides(s),
		Data:     data,
		NumElems: numElems,
	}, nil
}

// Zeros allocates a zero-filled tensor.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return New(shape, make([]float32, calculateNumElements(shape)))
}

// Full allocates a tensor with every element set to value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}
