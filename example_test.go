package tmps_test

import (
	"fmt"

	"github.com/fumin/tmps"
	"github.com/fumin/tmps/pmps"
)

func Example() {
	// Evolve the maximally mixed state of a three site chain whose middle
	// site couples to both neighbours.
	prop := newStarStub(3, 1)
	opt := tmps.NewOptions().
		StateCompression(pmps.NewCompressOptions().RelErr(0)).
		FullCompression(true)
	p, err := tmps.New(mixedChain(3), prop, opt)
	if err != nil {
		panic(err)
	}

	for range 2 {
		if err := p.Evolve(); err != nil {
			panic(err)
		}
	}
	info := p.Info()
	fmt.Printf("step %d overlap %.2f error %g\n", p.Step(), info.Overlap, info.TrotterError)

	// Output:
	// step 2 overlap 1.00 error 2e-06
}
