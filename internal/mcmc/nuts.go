package mcmc

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
)

// point is a position in phase space with its cached density and gradient.
type point struct {
	q    []float64
	p    []float64
	grad []float64
	logp float64
}

func (pt point) clone() point {
	return point{
		q:    append([]float64(nil), pt.q...),
		p:    append([]float64(nil), pt.p...),
		grad: append([]float64(nil), pt.grad...),
		logp: pt.logp,
	}
}

// kernel is one chain's NUTS transition kernel. Not safe for concurrent use.
type kernel struct {
	target   Target
	rng      *rand.Rand
	invMass  []float64
	stepSize float64
	maxDepth int
	settings *fd.Settings
}

func newKernel(t Target, rng *rand.Rand, maxDepth int) *kernel {
	inv := make([]float64, t.Dim())
	for i := range inv {
		inv[i] = 1
	}
	return &kernel{
		target:   t,
		rng:      rng,
		invMass:  inv,
		stepSize: 1,
		maxDepth: maxDepth,
		settings: &fd.Settings{Formula: fd.Central},
	}
}

// evaluate fills logp and grad for q.
func (k *kernel) evaluate(q []float64) (float64, []float64) {
	lp := k.target.LogDensity(q)
	grad := make([]float64, len(q))
	if math.IsInf(lp, 0) || math.IsNaN(lp) {
		return math.Inf(-1), grad
	}
	fd.Gradient(grad, k.target.LogDensity, q, k.settings)
	return lp, grad
}

func (k *kernel) newPoint(q []float64) point {
	q = append([]float64(nil), q...)
	lp, g := k.evaluate(q)
	return point{q: q, p: make([]float64, len(q)), grad: g, logp: lp}
}

func (k *kernel) kinetic(p []float64) float64 {
	e := 0.0
	for i, v := range p {
		e += v * v * k.invMass[i]
	}
	return 0.5 * e
}

// hamiltonian returns +Inf instead of NaN so that broken trajectories read as
// divergent rather than poisoning comparisons.
func (k *kernel) hamiltonian(pt point) float64 {
	h := -pt.logp + k.kinetic(pt.p)
	if math.IsNaN(h) {
		return math.Inf(1)
	}
	return h
}

func (k *kernel) sampleMomentum(p []float64) {
	for i := range p {
		p[i] = k.rng.NormFloat64() / math.Sqrt(k.invMass[i])
	}
}

// leapfrog advances pt by one step of size eps (negative to go backward).
func (k *kernel) leapfrog(pt point, eps float64) point {
	n := len(pt.q)
	p := make([]float64, n)
	q := make([]float64, n)
	for i := 0; i < n; i++ {
		p[i] = pt.p[i] + 0.5*eps*pt.grad[i]
		q[i] = pt.q[i] + eps*k.invMass[i]*p[i]
	}
	lp, grad := k.evaluate(q)
	for i := 0; i < n; i++ {
		p[i] += 0.5 * eps * grad[i]
	}
	return point{q: q, p: p, grad: grad, logp: lp}
}

// uturn reports whether the trajectory between left and right has started
// to double back on itself.
func (k *kernel) uturn(left, right point) bool {
	n := len(left.q)
	var fwd, bwd float64
	for i := 0; i < n; i++ {
		dq := right.q[i] - left.q[i]
		fwd += dq * k.invMass[i] * right.p[i]
		bwd += dq * k.invMass[i] * left.p[i]
	}
	return fwd < 0 || bwd < 0
}

// subtree is the result of building a balanced binary tree of leapfrog steps.
type subtree struct {
	left, right point
	proposal    point
	logWeight   float64
	turning     bool
	divergent   bool
	sumAccept   float64
	steps       int
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}

func (k *kernel) buildTree(start point, dir float64, depth int, h0 float64) subtree {
	if depth == 0 {
		next := k.leapfrog(start, dir*k.stepSize)
		dh := k.hamiltonian(next) - h0
		accept := 0.0
		if !math.IsInf(dh, 1) {
			accept = math.Min(1, math.Exp(-dh))
		}
		return subtree{
			left:      next,
			right:     next,
			proposal:  next,
			logWeight: -dh,
			divergent: dh > divergenceThreshold,
			sumAccept: accept,
			steps:     1,
		}
	}

	inner := k.buildTree(start, dir, depth-1, h0)
	if inner.turning || inner.divergent {
		return inner
	}
	edge := inner.right
	if dir < 0 {
		edge = inner.left
	}
	outer := k.buildTree(edge, dir, depth-1, h0)

	t := subtree{
		sumAccept: inner.sumAccept + outer.sumAccept,
		steps:     inner.steps + outer.steps,
	}
	if dir > 0 {
		t.left, t.right = inner.left, outer.right
	} else {
		t.left, t.right = outer.left, inner.right
	}
	if outer.turning || outer.divergent {
		t.turning = outer.turning
		t.divergent = outer.divergent
		return t
	}

	t.logWeight = logAddExp(inner.logWeight, outer.logWeight)
	t.proposal = inner.proposal
	if math.Log(k.rng.Float64()) < outer.logWeight-t.logWeight {
		t.proposal = outer.proposal
	}
	t.turning = k.uturn(t.left, t.right)
	return t
}

// transitionStats describes one NUTS transition.
type transitionStats struct {
	acceptStat float64
	depth      int
	steps      int
	divergent  bool
	energy     float64
}

// transition performs one NUTS step from current and returns the new point.
func (k *kernel) transition(current point) (point, transitionStats) {
	start := current.clone()
	k.sampleMomentum(start.p)
	h0 := k.hamiltonian(start)

	left, right, proposal := start, start, start
	logWeight := 0.0
	var stats transitionStats

	for stats.depth < k.maxDepth {
		dir := 1.0
		if k.rng.Float64() < 0.5 {
			dir = -1.0
		}

		var t subtree
		if dir > 0 {
			t = k.buildTree(right, dir, stats.depth, h0)
			right = t.right
		} else {
			t = k.buildTree(left, dir, stats.depth, h0)
			left = t.left
		}
		stats.depth++
		stats.steps += t.steps
		stats.acceptStat += t.sumAccept

		if t.divergent {
			stats.divergent = true
			break
		}
		if t.turning {
			break
		}

		// Biased progressive sampling favours the newer subtree.
		if math.Log(k.rng.Float64()) < t.logWeight-logWeight {
			proposal = t.proposal
		}
		logWeight = logAddExp(logWeight, t.logWeight)

		if k.uturn(left, right) {
			break
		}
	}

	if stats.steps > 0 {
		stats.acceptStat /= float64(stats.steps)
	}
	stats.energy = k.hamiltonian(proposal)
	return proposal, stats
}

// findReasonableStepSize doubles or halves the step until a single leapfrog
// step crosses an acceptance probability of one half.
func (k *kernel) findReasonableStepSize(current point) {
	pt := current.clone()
	k.sampleMomentum(pt.p)
	h0 := k.hamiltonian(pt)

	logAccept := func() float64 {
		next := k.leapfrog(pt, k.stepSize)
		dh := h0 - k.hamiltonian(next)
		if math.IsNaN(dh) {
			return math.Inf(-1)
		}
		return dh
	}

	la := logAccept()
	dir := 1.0
	if la < math.Log(0.5) {
		dir = -1.0
	}
	for i := 0; i < 100; i++ {
		if dir > 0 && la <= math.Log(0.5) {
			break
		}
		if dir < 0 && la >= math.Log(0.5) {
			break
		}
		k.stepSize *= math.Pow(2, dir)
		if k.stepSize < 1e-10 || k.stepSize > 1e7 {
			break
		}
		la = logAccept()
	}
	if dir > 0 {
		// Overshot by one doubling.
		k.stepSize /= 2
	}
	k.stepSize = math.Max(k.stepSize, 1e-10)
}

// finite reports whether a point has a usable density and gradient.
func (pt point) finite() bool {
	if math.IsInf(pt.logp, 0) || math.IsNaN(pt.logp) {
		return false
	}
	return !floats.HasNaN(pt.grad)
}
