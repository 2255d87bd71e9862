package pmps

import (
	"cmp"
	"math"
	"math/cmplx"
	"slices"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
)

// svd computes the economy singular value decomposition a = u @ diag(s) @ vh
// with one-sided Jacobi rotations, in float64 precision. Singular values
// are sorted in descending order. The stable variant iterates to a tighter
// tolerance.
func svd(a *tensor.Dense, stable bool) (*tensor.Dense, []float64, *tensor.Dense, error) {
	shape := a.Shape()
	if len(shape) != 2 {
		return nil, nil, nil, errors.Errorf("%#v", shape)
	}
	m, n := shape[0], shape[1]

	cols := make([][]complex128, n)
	for j := range cols {
		cols[j] = make([]complex128, m)
		for i := range m {
			cols[j][i] = complex128(a.At(i, j))
		}
	}
	v := make([][]complex128, n)
	for j := range v {
		v[j] = make([]complex128, n)
		v[j][j] = 1
	}

	tol, maxSweeps := 1e-10, 30
	if stable {
		tol, maxSweeps = 1e-13, 60
	}
	var converged bool
	for range maxSweeps {
		converged = true
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				if rotate(cols, v, p, q, tol) {
					converged = false
				}
			}
		}
		if converged {
			break
		}
	}
	if !converged {
		return nil, nil, nil, errors.Errorf("no convergence in %d sweeps", maxSweeps)
	}

	type colSig struct {
		j   int
		sig float64
	}
	sigs := make([]colSig, n)
	for j := range cols {
		var w float64
		for _, x := range cols[j] {
			w += real(x)*real(x) + imag(x)*imag(x)
		}
		sigs[j] = colSig{j: j, sig: math.Sqrt(w)}
	}
	slices.SortStableFunc(sigs, func(a, b colSig) int { return cmp.Compare(b.sig, a.sig) })

	k := min(m, n)
	u := tensor.Zeros(m, k)
	vh := tensor.Zeros(k, n)
	s := make([]float64, k)
	for c := range k {
		cj, sig := sigs[c].j, sigs[c].sig
		s[c] = sig
		if sig > 0 {
			for i := range m {
				u.SetAt([]int{i, c}, complex64(cols[cj][i]/complex(sig, 0)))
			}
		}
		for i := range n {
			vh.SetAt([]int{c, i}, complex64(cmplx.Conj(v[cj][i])))
		}
	}
	return u, s, vh, nil
}

// rotate orthogonalizes the column pair (p, q) with a complex Jacobi
// rotation, accumulating the same rotation into v. It reports whether a
// rotation was applied.
func rotate(cols, v [][]complex128, p, q int, tol float64) bool {
	var alpha, beta float64
	var gamma complex128
	for i := range cols[p] {
		alpha += real(cols[p][i])*real(cols[p][i]) + imag(cols[p][i])*imag(cols[p][i])
		beta += real(cols[q][i])*real(cols[q][i]) + imag(cols[q][i])*imag(cols[q][i])
		gamma += cmplx.Conj(cols[p][i]) * cols[q][i]
	}
	g := cmplx.Abs(gamma)
	if g == 0 || g <= tol*math.Sqrt(alpha*beta) {
		return false
	}

	phase := gamma / complex(g, 0)
	tau := (beta - alpha) / (2 * g)
	t := math.Copysign(1, tau) / (math.Abs(tau) + math.Sqrt(1+tau*tau))
	c := 1 / math.Sqrt(1+t*t)
	s := c * t

	for i := range cols[p] {
		x, y := cols[p][i], cols[q][i]
		cols[p][i] = complex(c, 0)*x - complex(s, 0)*cmplx.Conj(phase)*y
		cols[q][i] = complex(s, 0)*phase*x + complex(c, 0)*y
	}
	for i := range v[p] {
		x, y := v[p][i], v[q][i]
		v[p][i] = complex(c, 0)*x - complex(s, 0)*cmplx.Conj(phase)*y
		v[q][i] = complex(s, 0)*phase*x + complex(c, 0)*y
	}
	return true
}
