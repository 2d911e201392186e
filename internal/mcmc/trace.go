package mcmc

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Trace holds post-warmup draws of every constrained parameter for every
// chain, plus per-draw sampler statistics.
type Trace struct {
	Names  []string `json:"names"`
	Chains int      `json:"chains"`
	Draws  int      `json:"draws"`

	// Values is indexed [param][chain][draw].
	Values [][][]float64 `json:"values"`

	Divergent  [][]bool    `json:"divergent"`
	AcceptStat [][]float64 `json:"accept_stat"`
	TreeDepth  [][]int     `json:"tree_depth"`
	StepSize   []float64   `json:"step_size"`

	index map[string]int
}

func newTrace(names []string, chains, draws int) *Trace {
	t := &Trace{
		Names:      append([]string(nil), names...),
		Chains:     chains,
		Draws:      draws,
		Values:     make([][][]float64, len(names)),
		Divergent:  make([][]bool, chains),
		AcceptStat: make([][]float64, chains),
		TreeDepth:  make([][]int, chains),
		StepSize:   make([]float64, chains),
	}
	for p := range names {
		t.Values[p] = make([][]float64, chains)
		for c := 0; c < chains; c++ {
			t.Values[p][c] = make([]float64, draws)
		}
	}
	for c := 0; c < chains; c++ {
		t.Divergent[c] = make([]bool, draws)
		t.AcceptStat[c] = make([]float64, draws)
		t.TreeDepth[c] = make([]int, draws)
	}
	t.reindex()
	return t
}

func (t *Trace) reindex() {
	t.index = make(map[string]int, len(t.Names))
	for i, n := range t.Names {
		t.index[n] = i
	}
}

func (t *Trace) lookup(name string) (int, bool) {
	if t.index == nil {
		t.reindex()
	}
	i, ok := t.index[name]
	return i, ok
}

// Has reports whether the trace records the named parameter.
func (t *Trace) Has(name string) bool {
	_, ok := t.lookup(name)
	return ok
}

// Chain returns the per-chain draws of a parameter.
func (t *Trace) Chain(name string) ([][]float64, error) {
	i, ok := t.lookup(name)
	if !ok {
		return nil, fmt.Errorf("parameter %q not in trace", name)
	}
	return t.Values[i], nil
}

// Flat returns all draws of a parameter with chains concatenated in order.
func (t *Trace) Flat(name string) ([]float64, error) {
	chains, err := t.Chain(name)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, t.Chains*t.Draws)
	for _, c := range chains {
		out = append(out, c...)
	}
	return out, nil
}

// Mean is the pooled posterior mean of a parameter.
func (t *Trace) Mean(name string) (float64, error) {
	xs, err := t.Flat(name)
	if err != nil {
		return 0, err
	}
	return stat.Mean(xs, nil), nil
}

// NumSamples is chains x draws.
func (t *Trace) NumSamples() int {
	return t.Chains * t.Draws
}

// Divergences counts divergent post-warmup transitions over all chains.
func (t *Trace) Divergences() int {
	n := 0
	for _, c := range t.Divergent {
		for _, d := range c {
			if d {
				n++
			}
		}
	}
	return n
}

// MeanAcceptStat averages the acceptance statistic over all draws.
func (t *Trace) MeanAcceptStat() float64 {
	var sum float64
	var n int
	for _, c := range t.AcceptStat {
		for _, a := range c {
			sum += a
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Quantile returns the q-quantile of the pooled draws.
func (t *Trace) Quantile(name string, q float64) (float64, error) {
	xs, err := t.Flat(name)
	if err != nil {
		return 0, err
	}
	sort.Float64s(xs)
	return stat.Quantile(q, stat.Empirical, xs, nil), nil
}
