package pmps

import (
	"fmt"
	"math"
	"math/cmplx"
	"slices"
	"testing"

	"github.com/fumin/tensor"
)

func TestCompress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		form Form
	}{
		{form: Left},
		{form: Right},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("%d", test.form), func(t *testing.T) {
			t.Parallel()
			psi := testChain()
			orig := Clone(psi)
			ip0 := InnerProduct(psi, orig, bufs2())

			w, err := Compress(psi, test.form, NewCompressOptions())
			if err != nil {
				t.Fatalf("%+v", err)
			}
			if w < 0.999999 {
				t.Fatalf("%f", w)
			}
			ip1 := InnerProduct(psi, orig, bufs2())
			if d := cmplx.Abs(complex128(ip1 - ip0)); d > 1e-3*cmplx.Abs(complex128(ip0)) {
				t.Fatalf("%f %f", ip0, ip1)
			}
		})
	}
}

func TestCompressRank(t *testing.T) {
	t.Parallel()
	psi := testChain()
	w, err := Compress(psi, Left, NewCompressOptions().Rank(1))
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if got := Ranks(psi); !slices.Equal(got, []int{1, 1, 1}) {
		t.Fatalf("%#v", got)
	}
	// Truncating an entangled chain to rank 1 loses weight.
	if !(w < 0.999) {
		t.Fatalf("%f", w)
	}
}

func TestCompressBond(t *testing.T) {
	t.Parallel()
	psi := testChain()
	op, err := SplitGate(czGate())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if err := PartialDot(psi, op, 1, tensor.Zeros(1)); err != nil {
		t.Fatalf("%+v", err)
	}
	orig := Clone(psi)
	ip0 := InnerProduct(psi, orig, bufs2())

	w, err := CompressBond(psi, 1, NewCompressOptions())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if w < 0.999999 {
		t.Fatalf("%f", w)
	}
	// The merged operator bond cannot exceed the rank of the contracted pair.
	if got := Ranks(psi)[1]; got > 4 {
		t.Fatalf("%d", got)
	}
	ip1 := InnerProduct(psi, orig, bufs2())
	if d := cmplx.Abs(complex128(ip1 - ip0)); d > 1e-3*cmplx.Abs(complex128(ip0)) {
		t.Fatalf("%f %f", ip0, ip1)
	}
}

func TestCompressAncilla(t *testing.T) {
	t.Parallel()
	// An ancilla leg of dimension 3 holding an effectively one-dimensional
	// purification.
	local := tensor.Zeros(2, 3)
	local.SetAt([]int{0, 0}, 0.6)
	local.SetAt([]int{1, 0}, 0.8)
	psi := ProductChain(3, local)

	w, err := CompressAncilla(psi, Left, NewCompressOptions())
	if err != nil {
		t.Fatalf("%+v", err)
	}
	if w < 0.999999 {
		t.Fatalf("%f", w)
	}
	for i, m := range psi {
		if d := m.Shape()[chainAncAxis]; d != 1 {
			t.Fatalf("%d: %#v", i, m.Shape())
		}
	}
	if got := Norm(psi, bufs2()); math.Abs(got-1) > 1e-3 {
		t.Fatalf("%f", got)
	}
}

func TestRetained(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sv   []float64
		opts CompressOptions
		k    int
		w    float64
		err  bool
	}{
		{sv: []float64{2, 1}, opts: NewCompressOptions().RelErr(0).Rank(1), k: 1, w: 0.8},
		{sv: []float64{1, 1e-9}, opts: NewCompressOptions().RelErr(1e-6), k: 1, w: 1},
		{sv: []float64{2, 1}, opts: NewCompressOptions(), k: 2, w: 1},
		{sv: []float64{0, 0}, opts: NewCompressOptions(), err: true},
	}
	for i, test := range tests {
		k, w, err := retained(test.sv, test.opts)
		if test.err {
			if err == nil {
				t.Fatalf("%d: expected error", i)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%d: %+v", i, err)
		}
		if k != test.k {
			t.Fatalf("%d: %d, expected %d", i, k, test.k)
		}
		if math.Abs(w-test.w) > 1e-9 {
			t.Fatalf("%d: %f, expected %f", i, w, test.w)
		}
	}
}
