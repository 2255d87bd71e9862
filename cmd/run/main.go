// Command run propagates a purified star chain in time and archives the
// per-step overlap and error accounting.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"math/cmplx"
	"os"
	"path/filepath"

	"github.com/fumin/tensor"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"github.com/fumin/tmps"
	"github.com/fumin/tmps/pmps"
	"github.com/fumin/tmps/runlog"
)

var (
	runDir     = flag.String("d", filepath.Join("runs", "tmps"), "run directory")
	configPath = flag.String("c", "", "optional YAML run configuration")
)

var (
	pauliX = [][]float64{
		{0, 1},
		{1, 0},
	}
	pauliZ = [][]float64{
		{1, 0},
		{0, -1},
	}
	identity = [][]float64{
		{1, 0},
		{0, 1},
	}
)

// Config describes one propagation run.
type Config struct {
	L           int     `yaml:"l"`
	SystemIndex int     `yaml:"system_index"`
	Tau         float64 `yaml:"tau"`
	Steps       int     `yaml:"steps"`
	Coupling    float64 `yaml:"coupling"`
	Field       float64 `yaml:"field"`
	RelErr      float64 `yaml:"relerr"`
	Rank        int     `yaml:"rank"`
	Ancilla     struct {
		Rank   int `yaml:"rank"`
		Period int `yaml:"period"`
	} `yaml:"ancilla"`
}

func newConfig() Config {
	cfg := Config{}
	cfg.L = 7
	cfg.SystemIndex = 3
	cfg.Tau = 0.01
	cfg.Steps = 50
	cfg.Coupling = 0.5
	cfg.Field = 1
	cfg.RelErr = 1e-8
	cfg.Rank = 16
	cfg.Ancilla.Rank = 8
	cfg.Ancilla.Period = 4
	return cfg
}

func loadConfig(fpath string) (Config, error) {
	cfg := newConfig()
	if fpath == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(fpath)
	if err != nil {
		return Config{}, errors.Wrap(err, "")
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "")
	}
	return cfg, nil
}

// starPropagator visits the bonds from the system site out to the left
// edge, across to the right edge, and back, applying half-step gates so
// that the sweep is symmetric to second order.
type starPropagator struct {
	l           int
	systemIndex int
	tau         float64
	stepError   float64
	steps       []tmps.TrotterStep
	opRanks     [][2]int
}

func newStarPropagator(cfg Config) (*starPropagator, error) {
	p := &starPropagator{l: cfg.L, systemIndex: cfg.SystemIndex, tau: cfg.Tau}
	// Second-order splitting: the error of one step is O(tau^3) per bond.
	p.stepError = float64(cfg.L-1) * math.Pow(cfg.Tau, 3)

	gate := expGate(coupling(cfg.Coupling, cfg.Field), cfg.Tau/2)
	op, err := pmps.SplitGate(gate.Reshape(2, 2, 2, 2))
	if err != nil {
		return nil, errors.Wrap(err, "")
	}

	for _, o := range sweepOffsets(cfg.L, cfg.SystemIndex) {
		p.steps = append(p.steps, tmps.TrotterStep{StartAt: o, Op: op})
		p.opRanks = append(p.opRanks, [2]int{o, op[0].Shape()[1]})
	}
	return p, nil
}

func (p *starPropagator) Len() int                         { return p.l }
func (p *starPropagator) SystemIndex() int                 { return p.systemIndex }
func (p *starPropagator) Tau() float64                     { return p.tau }
func (p *starPropagator) CanonicalForm() pmps.Form         { return pmps.Left }
func (p *starPropagator) AncillaSites() bool               { return true }
func (p *starPropagator) Adjoint() bool                    { return false }
func (p *starPropagator) StepError() float64               { return p.stepError }
func (p *starPropagator) OpRanks() [][2]int                { return p.opRanks }
func (p *starPropagator) TrotterSteps() []tmps.TrotterStep { return p.steps }

// sweepOffsets lists the bond offsets of one star sweep: from the system
// site to the left edge, across to the right edge, and back.
func sweepOffsets(l, systemIndex int) []int {
	offsets := make([]int, 0)
	for o := systemIndex - 1; o >= 0; o-- {
		offsets = append(offsets, o)
	}
	for o := 1; o <= l-2; o++ {
		offsets = append(offsets, o)
	}
	for o := l - 2; o >= 1; o-- {
		offsets = append(offsets, o)
	}
	return offsets
}

// coupling returns -J Z@Z - g/2 (X@I + I@X) as a dense symmetric matrix,
// where @ is the Kronecker product.
func coupling(j, g float64) *mat.SymDense {
	h := mat.NewSymDense(4, nil)
	for a := range 2 {
		for b := range 2 {
			for c := range 2 {
				for d := range 2 {
					v := -j*pauliZ[a][c]*pauliZ[b][d] - g/2*(pauliX[a][c]*identity[b][d]+identity[a][c]*pauliX[b][d])
					h.SetSym(a*2+b, c*2+d, v)
				}
			}
		}
	}
	return h
}

// expGate exponentiates the real symmetric coupling h to exp(-i tau h).
func expGate(h *mat.SymDense, tau float64) *tensor.Dense {
	var eig mat.EigenSym
	if ok := eig.Factorize(h, true); !ok {
		panic("eig.Factorize failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	n, _ := h.Dims()
	g := tensor.Zeros(n, n)
	for i := range n {
		for j := range n {
			var v complex128
			for k := range n {
				phase := cmplx.Exp(complex(0, -tau*vals[k]))
				v += complex(vecs.At(i, k), 0) * phase * complex(vecs.At(j, k), 0)
			}
			g.SetAt([]int{i, j}, complex64(v))
		}
	}
	return g
}

func main() {
	flag.Parse()
	log.SetFlags(log.Lmicroseconds | log.Llongfile | log.LstdFlags)

	if err := mainWithErr(); err != nil {
		log.Fatalf("%+v", err)
	}
}

func mainWithErr() error {
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return errors.Wrap(err, "")
	}
	if err := os.MkdirAll(*runDir, os.ModePerm); err != nil {
		return errors.Wrap(err, "")
	}

	prop, err := newStarPropagator(cfg)
	if err != nil {
		return errors.Wrap(err, "")
	}

	// The maximally mixed purification of a single spin.
	local := tensor.Zeros(2, 2)
	local.SetAt([]int{0, 0}, complex(float32(1/math.Sqrt2), 0))
	local.SetAt([]int{1, 1}, complex(float32(1/math.Sqrt2), 0))
	psi0 := pmps.ProductChain(cfg.L, local)

	opts := tmps.NewOptions().
		StateCompression(pmps.NewCompressOptions().RelErr(cfg.RelErr).Rank(cfg.Rank)).
		FullCompression(true).
		AncillaCompression(pmps.NewCompressOptions().Rank(cfg.Ancilla.Rank), cfg.Ancilla.Period)
	p, err := tmps.New(psi0, prop, opts)
	if err != nil {
		return errors.Wrap(err, "")
	}

	lg, err := runlog.Open(filepath.Join(*runDir, "steps.sqlite"))
	if err != nil {
		return errors.Wrap(err, "")
	}
	defer lg.Close()
	log.Printf("run %s", lg.RunID)

	for range cfg.Steps {
		if err := p.Evolve(); err != nil {
			return errors.Wrap(err, fmt.Sprintf("step %d", p.Step()))
		}
		info := p.Info()
		if err := lg.Append(p.Step(), p.Time(), info); err != nil {
			return errors.Wrap(err, "")
		}
		log.Printf("step %d t %.4f overlap %.8f ranks %v", p.Step(), p.Time(), info.Overlap, info.Ranks)
	}

	entries, err := lg.Entries()
	if err != nil {
		return errors.Wrap(err, "")
	}
	fmt.Printf("step,t,overlap,last_overlap,trotter_error,size\n")
	for _, e := range entries {
		fmt.Printf("%d,%f,%f,%f,%g,%d\n", e.Step, e.T, e.Overlap, e.LastOverlap, e.TrotterError, e.Size)
	}
	return nil
}
