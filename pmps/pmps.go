// Package pmps implements purified matrix product states.
//
// A purified site carries a physical and an ancilla leg, so that a mixed
// quantum state is represented as a pure state on an enlarged space.
//
// References:
//   - The density-matrix renormalization group in the age of matrix product states, Ulrich Schollwock
package pmps

import (
	"fmt"
	"math"
	"math/cmplx"
	"math/rand/v2"
	"slices"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

const (
	// chainLeftAxis is the left bond of a chain site.
	chainLeftAxis  = 0
	chainPhysAxis  = 1
	chainAncAxis   = 2
	chainRightAxis = 3

	// opLeftAxis is the left bond of a local operator site.
	// Operators act on the physical leg only, the ancilla leg passes
	// through untouched.
	opLeftAxis    = 0
	opRightAxis   = 1
	opPhysOutAxis = 2
	opPhysInAxis  = 3

	// Machine precision.
	epsilon = 0x1p-23
)

// Form is a canonical gauge target.
type Form int

const (
	// Left gauge: every site except the last is left-orthogonal.
	Left Form = iota
	// Right gauge: every site except the first is right-orthogonal.
	Right
)

// A Chain is an ordered sequence of purified site tensors of shape
// {left, phys, ancilla, right}.
type Chain []*tensor.Dense

// ProductChain creates a rank-1 chain of length l from a single local
// tensor of shape {phys, ancilla}.
func ProductChain(l int, local *tensor.Dense) Chain {
	s := local.Shape()
	if len(s) != 2 {
		panic(fmt.Sprintf("%#v", s))
	}
	psi := make(Chain, 0, l)
	for range l {
		psi = append(psi, resetCopy(tensor.Zeros(1), local).Reshape(1, s[0], s[1], 1))
	}
	return psi
}

// RandChain creates a random chain.
// maxRank is the maximum bond dimension.
func RandChain(l, physD, ancD, maxRank int) Chain {
	psi := make(Chain, 0, l)
	leftD := 1
	for i := range l {
		var rightD int
		switch {
		case i == l-1:
			rightD = 1
		case i < l/2:
			rightD = min(leftD*physD*ancD, maxRank)
		default:
			rightD = capPow(physD*ancD, l-1-i, maxRank)
		}
		psi = append(psi, randTensor(leftD, physD, ancD, rightD))
		leftD = rightD
	}
	return psi
}

// Clone returns a deep copy of the chain.
func Clone(psi Chain) Chain {
	out := make(Chain, 0, len(psi))
	for _, m := range psi {
		out = append(out, resetCopy(tensor.Zeros(1), m))
	}
	return out
}

// Ranks returns the bond dimensions of the chain.
func Ranks(psi Chain) []int {
	if len(psi) == 0 {
		return nil
	}
	ranks := make([]int, 0, len(psi)-1)
	for _, m := range psi[:len(psi)-1] {
		ranks = append(ranks, m.Shape()[chainRightAxis])
	}
	return ranks
}

// Size returns the total number of tensor elements in the chain.
func Size(psi Chain) int {
	n := 0
	for _, m := range psi {
		siteN := 1
		for _, d := range m.Shape() {
			siteN *= d
		}
		n += siteN
	}
	return n
}

// InnerProduct computes the inner product between x and y.
func InnerProduct(x, y Chain, bufs [2]*tensor.Dense) complex64 {
	if len(x) != len(y) {
		panic(fmt.Sprintf("%d %d", len(x), len(y)))
	}

	f := ones(bufs[0], 1, 1)
	const fTopAxis, fBottomAxis = 0, 1
	for i, xi := range x {
		yi := y[i]

		// fyi is of shape {fTop, phys, ancilla, right}.
		fyi := tensor.Product(bufs[1], f, yi, [][2]int{{fBottomAxis, chainLeftAxis}})
		tensor.Product(f, xi.Conj(), fyi, [][2]int{{chainLeftAxis, fTopAxis}, {chainPhysAxis, 1}, {chainAncAxis, 2}})
	}

	if !slices.Equal(f.Shape(), []int{1, 1}) {
		panic(fmt.Sprintf("%#v", f.Shape()))
	}
	return f.At(0, 0)
}

// Norm computes the l2 norm of the chain.
func Norm(psi Chain, bufs [2]*tensor.Dense) float64 {
	ip := InnerProduct(psi, psi, bufs)
	return math.Sqrt(cmplx.Abs(complex128(ip)))
}

// Scale multiplies the state by c, folding it into the first site.
func Scale(psi Chain, c complex64) {
	m := psi[0]
	for ijk, v := range m.All() {
		m.SetAt(ijk, c*v)
	}
}

// Canonicalize drives the chain into the given orthogonal gauge form.
func Canonicalize(psi Chain, form Form, bufs [3]*tensor.Dense) {
	switch form {
	case Left:
		for i := range len(psi) - 1 {
			leftNormalize(psi, i, bufs[:])
		}
	default:
		for i := len(psi) - 1; i >= 1; i-- {
			rightNormalize(psi, i, bufs[:])
		}
	}
}

// leftNormalize makes a chain site left-orthogonal.
func leftNormalize(ms Chain, i int, bufs []*tensor.Dense) {
	s := ms[i].Shape()
	dLeft, dPhys, dAnc := s[chainLeftAxis], s[chainPhysAxis], s[chainAncAxis]

	// Decompose ms[i] = q @ r.
	mi := ms[i].Reshape(dLeft*dPhys*dAnc, s[chainRightAxis])
	q, qrbufs := bufs[0], [2]*tensor.Dense(bufs[1:])
	r := tensor.QR(q, mi, qrbufs)

	// ms[i+1] = r @ ms[i+1].
	axes := [][2]int{{1, chainLeftAxis}}
	resetCopy(ms[i+1], tensor.Product(bufs[1], r, ms[i+1], axes))

	// ms[i] = q.
	ms[i] = resetCopy(ms[i], q).Reshape(dLeft, dPhys, dAnc, -1)
}

// rightNormalize makes a chain site right-orthogonal.
func rightNormalize(ms Chain, i int, bufs []*tensor.Dense) {
	s := ms[i].Shape()
	dPhys, dAnc, dRight := s[chainPhysAxis], s[chainAncAxis], s[chainRightAxis]

	// Decompose ms[i] = l @ q.H.
	mi := ms[i].Reshape(s[chainLeftAxis], dPhys*dAnc*dRight)
	q, lqbufs := bufs[0], [2]*tensor.Dense(bufs[1:])
	l := lq(q, mi, lqbufs)

	// ms[i-1] = ms[i-1] @ l.
	axes := [][2]int{{chainRightAxis, 0}}
	resetCopy(ms[i-1], tensor.Product(bufs[1], ms[i-1], l, axes))

	// ms[i] = q.H.
	ms[i] = resetCopy(ms[i], q.H()).Reshape(-1, dPhys, dAnc, dRight)
}

// PartialDot contracts a local operator into the chain at startAt.
// The operator's in leg contracts against the chain's physical leg, and
// the operator's bonds merge into the chain's bonds, so ranks grow
// multiplicatively. The operator's outer bonds must have dimension 1.
func PartialDot(psi Chain, op []*tensor.Dense, startAt int, buf *tensor.Dense) error {
	if startAt < 0 || startAt+len(op) > len(psi) {
		return errors.Errorf("%d %d %d", startAt, len(op), len(psi))
	}
	if d := op[0].Shape()[opLeftAxis]; d != 1 {
		return errors.Errorf("left bond %d", d)
	}
	if d := op[len(op)-1].Shape()[opRightAxis]; d != 1 {
		return errors.Errorf("right bond %d", d)
	}

	for k, w := range op {
		m := psi[startAt+k]
		ws, ms := w.Shape(), m.Shape()
		if ws[opPhysInAxis] != ms[chainPhysAxis] {
			return errors.Errorf("%d %#v %#v", startAt+k, ws, ms)
		}

		// wm is of shape {opLeft, opRight, physOut, left, anc, right}.
		axes := [][2]int{{opPhysInAxis, chainPhysAxis}}
		wm := tensor.Product(buf, w, m, axes)

		// Merge the operator bonds into the chain bonds.
		site := resetCopy(tensor.Zeros(1), wm.Transpose(3, 0, 2, 4, 5, 1))
		psi[startAt+k] = site.Reshape(ms[chainLeftAxis]*ws[opLeftAxis], ws[opPhysOutAxis], ms[chainAncAxis], ms[chainRightAxis]*ws[opRightAxis])
	}
	return nil
}

// SiteGate embeds a single-site physical gate of shape {physOut, physIn}
// into a local operator site with trivial bonds.
func SiteGate(g *tensor.Dense) *tensor.Dense {
	s := g.Shape()
	if len(s) != 2 {
		panic(fmt.Sprintf("%#v", s))
	}
	w := tensor.Zeros(1, 1, s[0], s[1])
	for ijk, v := range g.All() {
		w.SetAt([]int{0, 0, ijk[0], ijk[1]}, v)
	}
	return w
}

// SplitGate decomposes a two-site physical gate of shape
// {physOut, physOut', physIn, physIn'} into two local operator sites joined
// by a bond of the gate's operator Schmidt rank.
func SplitGate(g *tensor.Dense) ([]*tensor.Dense, error) {
	s := g.Shape()
	if len(s) != 4 {
		return nil, errors.Errorf("%#v", s)
	}

	// Group the per-site legs: {physOut, physIn, physOut', physIn'}.
	m := resetCopy(tensor.Zeros(1), g.Transpose(0, 2, 1, 3)).Reshape(s[0]*s[2], s[1]*s[3])
	u, sv, vh, err := svd(m, true)
	if err != nil {
		return nil, errors.Wrap(err, "")
	}
	// The operator Schmidt rank.
	k := 0
	for _, v := range sv {
		if v > float64(epsilon)*sv[0] {
			k++
		}
	}
	if k == 0 {
		return nil, errors.Errorf("zero gate")
	}

	wa := tensor.Zeros(1, k, s[0], s[2])
	for po := range s[0] {
		for pi := range s[2] {
			for r := range k {
				v := u.At(po*s[2]+pi, r) * complex(float32(math.Sqrt(sv[r])), 0)
				wa.SetAt([]int{0, r, po, pi}, v)
			}
		}
	}
	wb := tensor.Zeros(k, 1, s[1], s[3])
	for po := range s[1] {
		for pi := range s[3] {
			for r := range k {
				v := complex(float32(math.Sqrt(sv[r])), 0) * vh.At(r, po*s[3]+pi)
				wb.SetAt([]int{r, 0, po, pi}, v)
			}
		}
	}
	return []*tensor.Dense{wa, wb}, nil
}

func lq(q, a *tensor.Dense, bufs [2]*tensor.Dense) *tensor.Dense {
	r := tensor.QR(q, a.H(), bufs)
	return r.H()
}

func resetCopy(dst, src *tensor.Dense) *tensor.Dense {
	shape := src.Shape()
	zeroDigit := make([]int, len(shape))
	dst.Reset(shape...).Set(zeroDigit, src)
	return dst
}

func ones(t *tensor.Dense, shape ...int) *tensor.Dense {
	t.Reset(shape...)
	for ijk := range t.All() {
		t.SetAt(ijk, 1)
	}
	return t
}

func randTensor(shape ...int) *tensor.Dense {
	t := tensor.Zeros(shape...)
	for ijk := range t.All() {
		v := complex(rand.Float32()*2-1, rand.Float32()*2-1)
		t.SetAt(ijk, v)
	}
	return t
}

func capPow(b, e, limit int) int {
	r := 1
	for range e {
		r *= b
		if r >= limit {
			return limit
		}
	}
	return r
}
