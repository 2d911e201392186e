package mcmc

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// dualAveraging tunes the step size toward a target acceptance statistic
// (Hoffman & Gelman 2014, section 3.2.1).
type dualAveraging struct {
	target    float64
	mu        float64
	hBar      float64
	logEpsBar float64
	iter      int
}

const (
	daGamma = 0.05
	daT0    = 10.0
	daKappa = 0.75
)

func newDualAveraging(stepSize, target float64) *dualAveraging {
	d := &dualAveraging{target: target}
	d.restart(stepSize)
	return d
}

func (d *dualAveraging) restart(stepSize float64) {
	d.mu = math.Log(10 * stepSize)
	d.hBar = 0
	d.logEpsBar = 0
	d.iter = 0
}

// update records one acceptance statistic and returns the next step size.
func (d *dualAveraging) update(acceptStat float64) float64 {
	d.iter++
	m := float64(d.iter)
	w := 1 / (m + daT0)
	d.hBar = (1-w)*d.hBar + w*(d.target-acceptStat)
	logEps := d.mu - math.Sqrt(m)/daGamma*d.hBar
	eta := math.Pow(m, -daKappa)
	d.logEpsBar = eta*logEps + (1-eta)*d.logEpsBar
	return math.Exp(logEps)
}

// final is the averaged step size used once tuning ends.
func (d *dualAveraging) final() float64 {
	return math.Exp(d.logEpsBar)
}

// massWindow collects warmup positions over a single slow window and
// produces a regularized diagonal inverse metric.
type massWindow struct {
	start, end int
	samples    [][]float64
}

// Warmup below this length adapts the step size only.
const minMassWarmup = 150

// newMassWindow places the window after an initial fast phase (15%) and
// before a terminal fast phase (10%) in which the step size re-converges.
func newMassWindow(tune int) *massWindow {
	if tune < minMassWarmup {
		return nil
	}
	return &massWindow{
		start: int(0.15 * float64(tune)),
		end:   int(0.90 * float64(tune)),
	}
}

func (w *massWindow) observe(iter int, q []float64) {
	if iter >= w.start && iter < w.end {
		w.samples = append(w.samples, append([]float64(nil), q...))
	}
}

func (w *massWindow) closes(iter int) bool {
	return iter == w.end-1
}

// inverseMetric returns the shrunk sample variance per coordinate.
func (w *massWindow) inverseMetric(dim int) []float64 {
	n := float64(len(w.samples))
	out := make([]float64, dim)
	col := make([]float64, len(w.samples))
	for j := 0; j < dim; j++ {
		for i, s := range w.samples {
			col[i] = s[j]
		}
		v := stat.Variance(col, nil)
		if math.IsNaN(v) || v <= 0 {
			v = 1
		}
		out[j] = (n/(n+5))*v + 1e-3*(5/(n+5))
	}
	return out
}
