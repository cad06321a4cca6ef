package model

import (
	"errors"
	"fmt"
)

// Tensor 行优先的 float32 张量，用于在适配器与推理后端之间传递嵌入
type Tensor struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// ErrShapeMismatch 张量形状与数据长度或彼此之间不匹配
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// NewTensor 校验形状与数据长度后构造张量
func NewTensor(shape []int, data []float32) (*Tensor, error) {
	n, err := numel(shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d values, got %d", ErrShapeMismatch, shape, n, len(data))
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros 构造全零张量
func Zeros(shape ...int) *Tensor {
	n, err := numel(shape)
	if err != nil {
		panic(err)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// FromVectors 将等长向量堆叠为 [N,D] 张量
func FromVectors(vs [][]float32) (*Tensor, error) {
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: no vectors", ErrShapeMismatch)
	}
	d := len(vs[0])
	data := make([]float32, 0, len(vs)*d)
	for i, v := range vs {
		if len(v) != d {
			return nil, fmt.Errorf("%w: vector %d has length %d, want %d", ErrShapeMismatch, i, len(v), d)
		}
		data = append(data, v...)
	}
	return NewTensor([]int{len(vs), d}, data)
}

// Stack 沿新的首维堆叠形状相同的张量，[A,B] x k -> [k,A,B]
func Stack(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShapeMismatch)
	}
	base := ts[0].Shape
	data := make([]float32, 0, len(ts)*len(ts[0].Data))
	for i, t := range ts {
		if !equalShape(t.Shape, base) {
			return nil, fmt.Errorf("%w: tensor %d has shape %v, want %v", ErrShapeMismatch, i, t.Shape, base)
		}
		data = append(data, t.Data...)
	}
	shape := append([]int{len(ts)}, base...)
	return &Tensor{Shape: shape, Data: data}, nil
}

// At 按多维下标读取元素
func (t *Tensor) At(idx ...int) float32 {
	if len(idx) != len(t.Shape) {
		panic(fmt.Sprintf("tensor: %d indices for rank %d", len(idx), len(t.Shape)))
	}
	off := 0
	for i, n := range t.Shape {
		if idx[i] < 0 || idx[i] >= n {
			panic(fmt.Sprintf("tensor: index %d out of range [0,%d) on axis %d", idx[i], n, i))
		}
		off = off*n + idx[i]
	}
	return t.Data[off]
}

// Dim 返回第 i 维大小
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Rank 返回维度数
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

func numel(shape []int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("%w: negative dimension in %v", ErrShapeMismatch, shape)
		}
		n *= d
	}
	return n, nil
}

func equalShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
