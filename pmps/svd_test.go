package pmps

import (
	"fmt"
	"math"
	"math/cmplx"
	"testing"

	"github.com/fumin/tensor"
)

func TestSVD(t *testing.T) {
	t.Parallel()
	tests := []struct {
		rows, cols int
	}{
		{rows: 4, cols: 3},
		{rows: 2, cols: 5},
		{rows: 6, cols: 6},
		{rows: 1, cols: 4},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%dx%d", test.rows, test.cols), func(t *testing.T) {
			t.Parallel()
			a := tensor.Zeros(test.rows, test.cols)
			x := 0.0
			for ijk := range a.All() {
				x++
				a.SetAt(ijk, complex(float32(math.Sin(x)), float32(math.Cos(3*x))))
			}

			u, sv, vh, err := svd(a, false)
			if err != nil {
				t.Fatalf("%+v", err)
			}
			k := min(test.rows, test.cols)
			if got := len(sv); got != k {
				t.Fatalf("%d, expected %d", got, k)
			}

			// Singular values are sorted in descending order.
			for i := 1; i < len(sv); i++ {
				if sv[i] > sv[i-1] {
					t.Fatalf("%#v", sv)
				}
			}

			// A equals U diag(sv) Vh.
			for r := range test.rows {
				for c := range test.cols {
					var got complex64
					for i := range k {
						got += u.At(r, i) * complex(float32(sv[i]), 0) * vh.At(i, c)
					}
					want := a.At(r, c)
					if cmplx.Abs(complex128(got-want)) > 1e-4 {
						t.Fatalf("%d %d: %f, expected %f", r, c, got, want)
					}
				}
			}

			// Columns of U are orthonormal where the singular value is
			// significant.
			for i := range k {
				if sv[i] < 1e-6*sv[0] {
					continue
				}
				for j := range k {
					if sv[j] < 1e-6*sv[0] {
						continue
					}
					var dot complex64
					for r := range test.rows {
						dot += complex64(cmplx.Conj(complex128(u.At(r, i)))) * u.At(r, j)
					}
					want := complex64(0)
					if i == j {
						want = 1
					}
					if cmplx.Abs(complex128(dot-want)) > 1e-4 {
						t.Fatalf("%d %d: %f", i, j, dot)
					}
				}
			}
		})
	}
}

func TestSVDStable(t *testing.T) {
	t.Parallel()
	// A matrix with widely separated singular values.
	a := tensor.Zeros(3, 3)
	a.SetAt([]int{0, 0}, 1)
	a.SetAt([]int{1, 1}, 1e-3)
	a.SetAt([]int{2, 2}, 1e-6)
	a.SetAt([]int{0, 1}, complex(0, 0.5))

	_, sv, _, err := svd(a, true)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	want := math.Sqrt((1 + 0.25 + 1e-6 + math.Sqrt((1+0.25+1e-6)*(1+0.25+1e-6)-4e-6)) / 2)
	if math.Abs(sv[0]-want) > 1e-4 {
		t.Fatalf("%f, expected %f", sv[0], want)
	}
}
