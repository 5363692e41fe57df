package protocol

import (
	"reflect"
	"testing"
)

func TestNdArrayMatrixRoundTrip(t *testing.T) {
	m := [][]int{{0, 1, 2}, {3, 0, 4}}
	a := FromMatrix(m)
	if !reflect.DeepEqual(a.Shape, []int{2, 3}) {
		t.Fatalf("shape = %v", a.Shape)
	}
	if !reflect.DeepEqual(a.Data, []int{0, 1, 2, 3, 0, 4}) {
		t.Fatalf("data = %v", a.Data)
	}
	back, err := a.Matrix()
	if err != nil {
		t.Fatalf("Matrix: %v", err)
	}
	if !reflect.DeepEqual(back, m) {
		t.Fatalf("round trip = %v, want %v", back, m)
	}
}

func TestNdArrayValidate(t *testing.T) {
	bad := []NdArray{
		{Shape: []int{3}, Data: []int{1, 2, 3}},
		{Shape: []int{2, 2}, Data: []int{1, 2, 3}},
		{Shape: []int{-1, 4}, Data: nil},
		{Shape: []int{2, 2, 1}, Data: []int{1, 2, 3, 4}},
	}
	for i, a := range bad {
		if err := a.Validate(); err == nil {
			t.Errorf("case %d: expected validation failure for %+v", i, a)
		}
	}
	empty := NdArray{Shape: []int{0, 0}, Data: []int{}}
	if err := empty.Validate(); err != nil {
		t.Fatalf("empty array should validate: %v", err)
	}
}
