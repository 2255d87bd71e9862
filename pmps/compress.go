package pmps

import (
	"fmt"
	"math"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

// CompressOptions are truncation parameters for rank compression.
type CompressOptions struct {
	relErr float64
	rank   int
	stable bool
}

// NewCompressOptions returns the default truncation parameters.
func NewCompressOptions() CompressOptions {
	opt := CompressOptions{}
	opt.relErr = 1e-10
	return opt
}

// RelErr sets the relative truncation error bound. Zero disables
// error-based truncation.
func (opt CompressOptions) RelErr(e float64) CompressOptions {
	opt.relErr = e
	return opt
}

// Rank sets the maximum retained bond dimension. Zero means unbounded.
func (opt CompressOptions) Rank(r int) CompressOptions {
	opt.rank = r
	return opt
}

// Stable selects the slower, more robust decomposition.
func (opt CompressOptions) Stable(s bool) CompressOptions {
	opt.stable = s
	return opt
}

// Compress truncates every bond of the chain, leaving it in the given form.
// It returns the fidelity retained by the truncation, the product over all
// bonds of the kept singular weight.
func Compress(psi Chain, form Form, opts CompressOptions) (float64, error) {
	var bufs [3]*tensor.Dense
	for i := range bufs {
		bufs[i] = tensor.Zeros(1)
	}

	fidelity := 1.0
	switch form {
	case Left:
		// Right-canonicalize first, so every local truncation is optimal.
		Canonicalize(psi, Right, bufs)
		for i := range len(psi) - 1 {
			w, err := truncateLeft(psi, i, opts)
			if err != nil {
				return fidelity, errors.Wrap(err, fmt.Sprintf("%d", i))
			}
			fidelity *= w
		}
	default:
		Canonicalize(psi, Left, bufs)
		for i := len(psi) - 1; i >= 1; i-- {
			w, err := truncateRight(psi, i, opts)
			if err != nil {
				return fidelity, errors.Wrap(err, fmt.Sprintf("%d", i))
			}
			fidelity *= w
		}
	}
	return fidelity, nil
}

// CompressBond performs a local rank reduction of the bond between sites
// startAt and startAt+1 after contracting them.
func CompressBond(psi Chain, startAt int, opts CompressOptions) (float64, error) {
	if startAt < 0 || startAt+1 >= len(psi) {
		return 1, errors.Errorf("%d %d", startAt, len(psi))
	}
	a, b := psi[startAt], psi[startAt+1]
	as, bs := a.Shape(), b.Shape()

	// blob is of shape {left, phys, anc, phys', anc', right}.
	buf := tensor.Zeros(1)
	blob := tensor.Product(buf, a, b, [][2]int{{chainRightAxis, chainLeftAxis}})
	m := blob.Reshape(as[0]*as[1]*as[2], bs[1]*bs[2]*bs[3])

	u, sv, vh, err := svd(m, opts.stable)
	if err != nil {
		return 1, errors.Wrap(err, "")
	}
	k, w, err := retained(sv, opts)
	if err != nil {
		return 1, errors.Wrap(err, "")
	}

	psi[startAt] = resetCopy(tensor.Zeros(1), u.Slice([][2]int{{0, u.Shape()[0]}, {0, k}})).Reshape(as[0], as[1], as[2], k)
	sb := tensor.Zeros(k, vh.Shape()[1])
	for r := range k {
		for c := range vh.Shape()[1] {
			sb.SetAt([]int{r, c}, complex(float32(sv[r]), 0)*vh.At(r, c))
		}
	}
	psi[startAt+1] = sb.Reshape(k, bs[1], bs[2], bs[3])
	return w, nil
}

// CompressAncilla truncates the ancilla leg of every site, then
// re-canonicalizes the chain. A unitary rotation of the ancilla basis does
// not change the represented state, so the rotated truncated basis is kept
// as is.
func CompressAncilla(psi Chain, form Form, opts CompressOptions) (float64, error) {
	fidelity := 1.0
	for i, m := range psi {
		s := m.Shape()

		// mm is of shape {left, phys, right, anc}.
		mm := resetCopy(tensor.Zeros(1), m.Transpose(chainLeftAxis, chainPhysAxis, chainRightAxis, chainAncAxis))
		u, sv, _, err := svd(mm.Reshape(s[0]*s[1]*s[3], s[2]), opts.stable)
		if err != nil {
			return fidelity, errors.Wrap(err, fmt.Sprintf("%d", i))
		}
		k, w, err := retained(sv, opts)
		if err != nil {
			return fidelity, errors.Wrap(err, fmt.Sprintf("%d", i))
		}

		b := tensor.Zeros(s[0]*s[1]*s[3], k)
		for r := range s[0] * s[1] * s[3] {
			for c := range k {
				b.SetAt([]int{r, c}, u.At(r, c)*complex(float32(sv[c]), 0))
			}
		}
		psi[i] = resetCopy(tensor.Zeros(1), b.Reshape(s[0], s[1], s[3], k).Transpose(0, 1, 3, 2))
		fidelity *= w
	}

	var bufs [3]*tensor.Dense
	for i := range bufs {
		bufs[i] = tensor.Zeros(1)
	}
	Canonicalize(psi, form, bufs)
	return fidelity, nil
}

// truncateLeft truncates the bond to the right of site i, leaving the site
// left-orthogonal.
func truncateLeft(psi Chain, i int, opts CompressOptions) (float64, error) {
	s := psi[i].Shape()
	m := psi[i].Reshape(s[0]*s[1]*s[2], s[3])
	u, sv, vh, err := svd(m, opts.stable)
	if err != nil {
		return 1, errors.Wrap(err, "")
	}
	k, w, err := retained(sv, opts)
	if err != nil {
		return 1, errors.Wrap(err, "")
	}

	psi[i] = resetCopy(tensor.Zeros(1), u.Slice([][2]int{{0, u.Shape()[0]}, {0, k}})).Reshape(s[0], s[1], s[2], k)

	carry := tensor.Zeros(k, vh.Shape()[1])
	for r := range k {
		for c := range vh.Shape()[1] {
			carry.SetAt([]int{r, c}, complex(float32(sv[r]), 0)*vh.At(r, c))
		}
	}
	buf := tensor.Zeros(1)
	psi[i+1] = resetCopy(tensor.Zeros(1), tensor.Product(buf, carry, psi[i+1], [][2]int{{1, chainLeftAxis}}))
	return w, nil
}

// truncateRight truncates the bond to the left of site i, leaving the site
// right-orthogonal.
func truncateRight(psi Chain, i int, opts CompressOptions) (float64, error) {
	s := psi[i].Shape()
	m := psi[i].Reshape(s[0], s[1]*s[2]*s[3])
	u, sv, vh, err := svd(m, opts.stable)
	if err != nil {
		return 1, errors.Wrap(err, "")
	}
	k, w, err := retained(sv, opts)
	if err != nil {
		return 1, errors.Wrap(err, "")
	}

	psi[i] = resetCopy(tensor.Zeros(1), vh.Slice([][2]int{{0, k}, {0, vh.Shape()[1]}})).Reshape(k, s[1], s[2], s[3])

	carry := tensor.Zeros(u.Shape()[0], k)
	for r := range u.Shape()[0] {
		for c := range k {
			carry.SetAt([]int{r, c}, u.At(r, c)*complex(float32(sv[c]), 0))
		}
	}
	buf := tensor.Zeros(1)
	psi[i-1] = resetCopy(tensor.Zeros(1), tensor.Product(buf, psi[i-1], carry, [][2]int{{chainRightAxis, 0}}))
	return w, nil
}

// retained picks the number of singular values to keep under the truncation
// parameters, and returns the weight they retain.
func retained(sv []float64, opts CompressOptions) (int, float64, error) {
	var total float64
	for _, v := range sv {
		total += v * v
	}
	if total == 0 {
		return 0, 0, errors.Errorf("zero weight")
	}

	k := len(sv)
	if opts.relErr > 0 {
		var discarded float64
		for k > 1 {
			d := discarded + sv[k-1]*sv[k-1]
			if math.Sqrt(d/total) > opts.relErr {
				break
			}
			discarded = d
			k--
		}
	}
	if opts.rank > 0 && opts.rank < k {
		k = opts.rank
	}
	if k == len(sv) {
		return k, 1, nil
	}

	var kept float64
	for _, v := range sv[:k] {
		kept += v * v
	}
	return k, kept / total, nil
}
