package tensor

import (
	"math"
	"math/rand"
	"testing"
)

func TestNewTensor(t *testing.T) {
	tests := []struct {
		name    string
		shape   []int
		data    []float64
		wantErr bool
	}{
		{"matrix", []int{2, 3}, []float64{1, 2, 3, 4, 5, 6}, false},
		{"zeros when nil", []int{2, 2}, nil, false},
		{"scalar", []int{}, []float64{7}, false},
		{"length mismatch", []int{2, 2}, []float64{1, 2, 3}, true},
		{"zero dimension", []int{0, 2}, nil, true},
		{"negative dimension", []int{-1}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tensor, err := NewTensor(tt.shape, tt.data)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for shape %v", tt.shape)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tensor.NumElems != calculateNumElements(tt.shape) {
				t.Errorf("NumElems = %d, expected %d", tensor.NumElems, calculateNumElements(tt.shape))
			}
			if len(tensor.Data) != tensor.NumElems {
				t.Errorf("data length %d, expected %d", len(tensor.Data), tensor.NumElems)
			}
		})
	}
}

func TestStrides(t *testing.T) {
	tensor, _ := Zeros([]int{2, 3, 4})
	expected := []int{12, 4, 1}
	for i, s := range expected {
		if tensor.Strides[i] != s {
			t.Errorf("stride[%d] = %d, expected %d", i, tensor.Strides[i], s)
		}
	}
}

func TestChannelAndRowViews(t *testing.T) {
	data := make([]float64, 2*3*4)
	for i := range data {
		data[i] = float64(i)
	}
	x, _ := NewTensor([]int{2, 3, 4}, data)

	ch := x.Channel(1, 2)
	if ch[0] != 20 || ch[3] != 23 {
		t.Errorf("Channel(1, 2) = %v", ch)
	}

	v, err := x.At(1, 2, 3)
	if err != nil || v != 23 {
		t.Errorf("At(1, 2, 3) = %f, %v", v, err)
	}
	if _, err := x.At(2, 0, 0); err == nil {
		t.Error("expected out-of-bounds error")
	}

	m, _ := NewTensor([]int{2, 2}, []float64{1, 2, 3, 4})
	row := m.Row(1)
	if row[0] != 3 || row[1] != 4 {
		t.Errorf("Row(1) = %v", row)
	}
}

func TestReshapeAndUnsqueeze(t *testing.T) {
	x, _ := NewTensor([]int{2, 6}, randomData(12, 9))
	x.SetRequiresGrad(true)

	r, err := x.Reshape([]int{-1, 3})
	if err != nil {
		t.Fatalf("reshape failed: %v", err)
	}
	if r.Shape[0] != 4 || r.Shape[1] != 3 {
		t.Errorf("inferred shape %v, expected [4 3]", r.Shape)
	}
	if !r.RequiresGrad() {
		t.Error("reshape of a tracked tensor should stay tracked")
	}

	if _, err := x.Reshape([]int{5, -1}); err == nil {
		t.Error("expected error for indivisible reshape")
	}
	if _, err := x.Reshape([]int{-1, -1}); err == nil {
		t.Error("expected error for two inferred dimensions")
	}

	u, err := x.Unsqueeze(1)
	if err != nil {
		t.Fatalf("unsqueeze failed: %v", err)
	}
	if len(u.Shape) != 3 || u.Shape[1] != 1 || u.Shape[2] != 6 {
		t.Errorf("unsqueeze shape %v, expected [2 1 6]", u.Shape)
	}

	if err := Mean(MulAutograd(u, u)).Backward(); err != nil {
		t.Fatalf("backward through unsqueeze failed: %v", err)
	}
	for i, g := range x.Grad().Data {
		expected := 2 * x.Data[i] / 12
		if math.Abs(g-expected) > 1e-12 {
			t.Errorf("grad[%d] = %f, expected %f", i, g, expected)
		}
	}
}

func TestCloneAndDetach(t *testing.T) {
	x, _ := NewTensor([]int{3}, []float64{1, 2, 3})
	x.SetRequiresGrad(true)
	y := ScaleAutograd(x, 2)

	c := y.Clone()
	c.Data[0] = 100
	if y.Data[0] == 100 {
		t.Error("clone should not share data")
	}

	d := y.Detach()
	if d.RequiresGrad() || d.Creator() != nil {
		t.Error("detached tensor should be an untracked leaf")
	}
	if &d.Data[0] != &y.Data[0] {
		t.Error("detach should share data")
	}
}

func TestItem(t *testing.T) {
	s := FromScalar(3.5)
	v, err := s.Item()
	if err != nil || v != 3.5 {
		t.Errorf("Item() = %f, %v", v, err)
	}

	m, _ := Zeros([]int{2})
	if _, err := m.Item(); err == nil {
		t.Error("expected error for multi-element Item()")
	}
}

func TestRandomNormalIsDeterministic(t *testing.T) {
	a, _ := RandomNormal([]int{4, 4}, 0, 1, rand.New(rand.NewSource(11)))
	b, _ := RandomNormal([]int{4, 4}, 0, 1, rand.New(rand.NewSource(11)))
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("same seed produced different data at %d", i)
		}
	}
}

func TestDotLastAxisShapeMismatch(t *testing.T) {
	a, _ := Zeros([]int{2, 3})
	b, _ := Zeros([]int{3, 2})
	if _, err := DotLastAxis(a, b); err == nil {
		t.Error("expected shape mismatch error")
	}
}
