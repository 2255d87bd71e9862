// Package tmps implements Trotterized real-time evolution of purified
// matrix product states coupled in a star topology, where one
// distinguished system site interacts with many bath sites.
//
// References:
//   - The density-matrix renormalization group in the age of matrix product states, Ulrich Schollwock
package tmps

import (
	"fmt"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"

	"github.com/fumin/tmps/pmps"
)

const (
	// Machine precision.
	epsilon = 0x1p-23
)

// A TrotterStep is one local evolution operator together with the chain
// offset it acts at.
type TrotterStep struct {
	StartAt int
	Op      []*tensor.Dense
}

// A Propagator supplies the ordered local operator sequence of one Trotter
// time step. A sweep traverses from the system site out to one chain end,
// then back across to the other end.
type Propagator interface {
	// Len is the chain length the propagator was built for.
	Len() int
	// SystemIndex is the offset of the distinguished system site.
	SystemIndex() int
	// Tau is the duration of one time step.
	Tau() float64
	// CanonicalForm is the gauge the state is held in between sweeps.
	CanonicalForm() pmps.Form
	// AncillaSites reports whether the propagator was built for purified
	// chains carrying ancilla legs.
	AncillaSites() bool
	// Adjoint reports whether the propagator was built for operator
	// instead of state evolution.
	Adjoint() bool
	// StepError is the Trotter error estimate of one step.
	StepError() float64
	// OpRanks lists the offsets and bond ranks of the step operators.
	OpRanks() [][2]int
	// TrotterSteps is the operator sequence of one sweep.
	TrotterSteps() []TrotterStep
}

// A NormalizeFunc divides a chain by its l2 norm. The evolution step calls
// it through an injected hook, so that alternate representations can track
// norm loss without changing the external Normalize contract.
type NormalizeFunc func(psi pmps.Chain, bufs [2]*tensor.Dense) error

// Options are options for a TPMPS propagation.
type Options struct {
	t0                    float64
	stateCompression      *pmps.CompressOptions
	psi0Compression       *pmps.CompressOptions
	fullCompression       bool
	finalCompression      bool
	canonicalizeEveryStep bool
	ancillaCompression    *pmps.CompressOptions
	ancillaPeriod         int
	normalize             NormalizeFunc
}

// NewOptions returns the default propagation options: no truncation, the
// chain is canonicalized instead.
func NewOptions() Options {
	opt := Options{}
	return opt
}

// T0 sets the initial time of the propagation.
func (opt Options) T0(t float64) Options {
	opt.t0 = t
	return opt
}

// StateCompression sets the truncation parameters for the evolving state.
func (opt Options) StateCompression(c pmps.CompressOptions) Options {
	opt.stateCompression = &c
	return opt
}

// Psi0Compression sets the truncation parameters used to prepare the
// initial state. Without it, the initial state is only canonicalized.
func (opt Options) Psi0Compression(c pmps.CompressOptions) Options {
	opt.psi0Compression = &c
	return opt
}

// FullCompression compresses the whole chain at sweep turns, instead of
// locally after every multi-site contraction.
func (opt Options) FullCompression(b bool) Options {
	opt.fullCompression = b
	return opt
}

// FinalCompression compresses the whole chain once more at the end of
// every step.
func (opt Options) FinalCompression(b bool) Options {
	opt.finalCompression = b
	return opt
}

// CanonicalizeEveryStep canonicalizes the chain after every local
// contraction, instead of once per sweep.
func (opt Options) CanonicalizeEveryStep(b bool) Options {
	opt.canonicalizeEveryStep = b
	return opt
}

// AncillaCompression enables the periodic ancilla rank compression, run
// once every period sweep turns.
func (opt Options) AncillaCompression(c pmps.CompressOptions, period int) Options {
	opt.ancillaCompression = &c
	opt.ancillaPeriod = period
	return opt
}

// Normalize sets the step-internal normalization hook.
func (opt Options) Normalize(f NormalizeFunc) Options {
	opt.normalize = f
	return opt
}

// TPMPS evolves a purified matrix product state in time, one Trotter step
// per call to Evolve. The chain is owned exclusively by the TPMPS for the
// duration of the propagation.
type TPMPS struct {
	psi    pmps.Chain
	prop   Propagator
	opt    Options
	toForm pmps.Form

	// ancillaStep counts sweep turns since the last ancilla compression.
	ancillaStep int

	stepNo int
	t      float64

	// Overlap lost to compression, for the last step and for all steps
	// combined.
	lastOverlap       float64
	cumulativeOverlap float64
	baseOverlap       float64

	// Accumulated Trotter error over all steps.
	trotterError float64

	normalize NormalizeFunc
	busy      bool
	failed    error

	bufs  [2]*tensor.Dense
	cbufs [3]*tensor.Dense
}

// New prepares the purified state psi0 for time evolution with a
// compatible propagator. The state is canonicalized, or compressed when
// Psi0Compression is set, and normalized. The chain passed in is owned by
// the returned TPMPS from then on.
func New(psi0 pmps.Chain, prop Propagator, options ...Options) (*TPMPS, error) {
	opt := NewOptions()
	if len(options) > 0 {
		opt = options[0]
	}

	if !prop.AncillaSites() {
		return nil, errors.Errorf("propagator without ancilla legs")
	}
	if prop.Adjoint() {
		return nil, errors.Errorf("adjoint propagator is for operator evolution")
	}
	if len(psi0) != prop.Len() {
		return nil, errors.Errorf("%d %d", len(psi0), prop.Len())
	}
	if si := prop.SystemIndex(); si < 0 || si > prop.Len()-1 {
		return nil, errors.Errorf("system index %d", si)
	}
	if opt.stateCompression == nil {
		opt.fullCompression = false
		opt.finalCompression = false
	}

	p := &TPMPS{psi: psi0, prop: prop, opt: opt, toForm: prop.CanonicalForm()}
	for i := range p.bufs {
		p.bufs[i] = tensor.Zeros(1)
	}
	for i := range p.cbufs {
		p.cbufs[i] = tensor.Zeros(1)
	}
	p.normalize = normalizeChain
	if opt.normalize != nil {
		p.normalize = opt.normalize
	}

	if err := p.prepare(psi0); err != nil {
		return nil, errors.Wrap(err, "")
	}
	p.t = opt.t0
	p.reset()
	return p, nil
}

// prepare canonicalizes or compresses a fresh state into the target form
// and normalizes it.
func (p *TPMPS) prepare(psi pmps.Chain) error {
	if p.opt.psi0Compression == nil {
		pmps.Canonicalize(psi, p.toForm, p.cbufs)
	} else {
		if _, err := pmps.Compress(psi, p.toForm, *p.opt.psi0Compression); err != nil {
			return errors.Wrap(err, "")
		}
	}
	if err := normalizeChain(psi, p.bufs); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

// reset restores the bookkeeping counters to their construction values.
func (p *TPMPS) reset() {
	p.ancillaStep = 1
	p.stepNo = 0
	p.lastOverlap = 1
	p.cumulativeOverlap = 1
	p.baseOverlap = 1
	p.trotterError = 0
	p.failed = nil
}

// Evolve advances the chain by one Trotter time step of duration Tau.
// After a failed step the chain gauge and ranks are undefined, and the
// TPMPS refuses further steps until Reset supplies a new state.
func (p *TPMPS) Evolve() error {
	if p.busy {
		return errors.Errorf("step in progress")
	}
	if p.failed != nil {
		return errors.Wrap(p.failed, "chain is undefined after a failed step")
	}
	p.busy = true
	defer func() { p.busy = false }()

	if err := p.evolve(); err != nil {
		p.failed = err
		return errors.Wrap(err, "")
	}
	return nil
}

func (p *TPMPS) evolve() error {
	if !p.opt.canonicalizeEveryStep {
		pmps.Canonicalize(p.psi, p.toForm, p.cbufs)
	}
	overlap := p.baseOverlap
	lastStartAt := p.prop.SystemIndex()
	l := p.prop.Len()
	for _, step := range p.prop.TrotterSteps() {
		if err := pmps.PartialDot(p.psi, step.Op, step.StartAt, p.bufs[0]); err != nil {
			return errors.Wrap(err, fmt.Sprintf("%d", step.StartAt))
		}
		if p.opt.canonicalizeEveryStep {
			pmps.Canonicalize(p.psi, p.toForm, p.cbufs)
		}

		// A sweep turn is a step at a chain boundary that differs from
		// the previous turn offset, so consecutive identical offsets
		// never double-trigger.
		turn := (step.StartAt == l-2 || step.StartAt == 0) && step.StartAt != lastStartAt
		switch {
		case p.opt.fullCompression:
			if turn {
				// Compress after a full sweep.
				w, err := pmps.Compress(p.psi, p.toForm, *p.opt.stateCompression)
				if err != nil {
					return errors.Wrap(err, fmt.Sprintf("%d", step.StartAt))
				}
				overlap *= w
			}
		case p.opt.stateCompression != nil && len(step.Op) > 1:
			if _, err := pmps.CompressBond(p.psi, step.StartAt, *p.opt.stateCompression); err != nil {
				return errors.Wrap(err, fmt.Sprintf("%d", step.StartAt))
			}
		}

		if turn {
			p.ancillaStep++
			if p.opt.ancillaPeriod > 0 && p.ancillaStep-1 == p.opt.ancillaPeriod {
				if _, err := pmps.CompressAncilla(p.psi, p.toForm, *p.opt.ancillaCompression); err != nil {
					return errors.Wrap(err, fmt.Sprintf("%d", step.StartAt))
				}
				p.ancillaStep = 1
			}
		}
		lastStartAt = step.StartAt
	}

	if p.opt.finalCompression {
		w, err := pmps.Compress(p.psi, p.toForm, *p.opt.stateCompression)
		if err != nil {
			return errors.Wrap(err, "")
		}
		overlap *= w
	} else if !p.opt.canonicalizeEveryStep {
		pmps.Canonicalize(p.psi, p.toForm, p.cbufs)
	}

	// Normalization restores unit norm without reflecting information
	// loss, so it stays out of the overlap accounting.
	if err := p.normalize(p.psi, p.bufs); err != nil {
		return errors.Wrap(err, "")
	}

	p.cumulativeOverlap *= overlap
	p.lastOverlap = overlap
	p.trotterError += p.prop.StepError()
	if p.prop.SystemIndex() == 0 {
		// The next step starts at the chain edge and increments the
		// counter immediately.
		p.ancillaStep--
	}
	p.stepNo++
	p.t += p.prop.Tau()
	return nil
}

// Normalize divides the chain by its l2 norm.
func (p *TPMPS) Normalize() error {
	if err := normalizeChain(p.psi, p.bufs); err != nil {
		return errors.Wrap(err, "")
	}
	return nil
}

func normalizeChain(psi pmps.Chain, bufs [2]*tensor.Dense) error {
	nrm := pmps.Norm(psi, bufs)
	if nrm < epsilon {
		return errors.Errorf("norm %g", nrm)
	}
	pmps.Scale(psi, complex(float32(1/nrm), 0))
	return nil
}

// Info is a read-only snapshot of the propagation state.
type Info struct {
	Ranks        []int
	Size         int
	Overlap      float64
	LastOverlap  float64
	TrotterError float64
	OpRanks      [][2]int
}

// Info returns a snapshot of the current propagation state.
func (p *TPMPS) Info() Info {
	return Info{
		Ranks:        pmps.Ranks(p.psi),
		Size:         pmps.Size(p.psi),
		Overlap:      p.cumulativeOverlap,
		LastOverlap:  p.lastOverlap,
		TrotterError: p.trotterError,
		OpRanks:      p.prop.OpRanks(),
	}
}

// Step returns the number of completed evolution steps.
func (p *TPMPS) Step() int {
	return p.stepNo
}

// Time returns the current propagation time.
func (p *TPMPS) Time() float64 {
	return p.t
}

// State returns the evolved chain. The chain is owned by the TPMPS and
// must not be mutated during a propagation.
func (p *TPMPS) State() pmps.Chain {
	return p.psi
}

// Reset optionally replaces the evolved state with psi0, prepares it as at
// construction, and restores all bookkeeping to its construction values.
// A nil psi0 keeps the current state together with its overlap and error
// history. Compression parameters given in options replace the current
// ones, independently of whether the state changed. A StateCompression in
// options carries its FullCompression and FinalCompression flags along
// with it, so callers replacing the truncation parameters restate those
// flags too.
func (p *TPMPS) Reset(psi0 pmps.Chain, options ...Options) error {
	if p.busy {
		return errors.Errorf("step in progress")
	}

	if len(options) > 0 {
		opt := options[0]
		if opt.stateCompression != nil {
			p.opt.stateCompression = opt.stateCompression
			p.opt.fullCompression = opt.fullCompression
			p.opt.finalCompression = opt.finalCompression
		}
		if opt.psi0Compression != nil {
			p.opt.psi0Compression = opt.psi0Compression
		}
	}

	if psi0 == nil {
		return nil
	}
	if len(psi0) != p.prop.Len() {
		return errors.Errorf("%d %d", len(psi0), p.prop.Len())
	}
	if err := p.prepare(psi0); err != nil {
		return errors.Wrap(err, "")
	}
	p.psi = psi0
	p.t = p.opt.t0
	p.reset()
	return nil
}
