package mcmc

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Convergence thresholds.
const (
	RHatThreshold       = 1.1
	DivergenceThreshold = 10
)

// ParamDiagnostics summarises convergence of one parameter.
type ParamDiagnostics struct {
	RHat float64 `json:"r_hat"`
	ESS  float64 `json:"ess"`
}

// Diagnostics summarises convergence of a whole trace.
type Diagnostics struct {
	RHatMax     float64                     `json:"rhat_max"`
	RHatMin     float64                     `json:"rhat_min"`
	ESSMin      float64                     `json:"ess_min"`
	Divergences int                         `json:"divergences"`
	NSamples    int                         `json:"n_samples"`
	MeanAccept  float64                     `json:"mean_accept"`
	Converged   bool                        `json:"converged"`
	Params      map[string]ParamDiagnostics `json:"params"`
}

// Diagnose computes split R-hat and effective sample size for every
// parameter. Converged is advisory: rhat_max < 1.1 and fewer than 10
// divergences.
func Diagnose(t *Trace) Diagnostics {
	d := Diagnostics{
		RHatMax:     math.Inf(-1),
		RHatMin:     math.Inf(1),
		ESSMin:      math.Inf(1),
		Divergences: t.Divergences(),
		NSamples:    t.NumSamples(),
		MeanAccept:  t.MeanAcceptStat(),
		Params:      make(map[string]ParamDiagnostics, len(t.Names)),
	}
	for i, name := range t.Names {
		pd := ParamDiagnostics{
			RHat: SplitRHat(t.Values[i]),
			ESS:  ESS(t.Values[i]),
		}
		d.Params[name] = pd
		d.RHatMax = math.Max(d.RHatMax, pd.RHat)
		d.RHatMin = math.Min(d.RHatMin, pd.RHat)
		d.ESSMin = math.Min(d.ESSMin, pd.ESS)
	}
	if len(t.Names) == 0 {
		d.RHatMax, d.RHatMin, d.ESSMin = 1, 1, 0
	}
	d.Converged = d.RHatMax < RHatThreshold && d.Divergences < DivergenceThreshold
	return d
}

// splitChains halves every chain, dropping the middle draw of odd lengths.
func splitChains(chains [][]float64) [][]float64 {
	out := make([][]float64, 0, 2*len(chains))
	for _, c := range chains {
		half := len(c) / 2
		if half < 2 {
			out = append(out, c)
			continue
		}
		out = append(out, c[:half], c[len(c)-half:])
	}
	return out
}

// SplitRHat is the potential scale reduction factor on split chains
// (Gelman et al., BDA3 section 11.4). Returns 1 for constant draws.
func SplitRHat(chains [][]float64) float64 {
	split := splitChains(chains)
	m := len(split)
	if m == 0 {
		return math.NaN()
	}
	n := len(split[0])
	for _, c := range split {
		if len(c) < n {
			n = len(c)
		}
	}
	if n < 2 {
		return math.NaN()
	}

	means := make([]float64, m)
	w := 0.0
	for j, c := range split {
		mu, v := stat.MeanVariance(c[:n], nil)
		means[j] = mu
		w += v
	}
	w /= float64(m)

	b := 0.0
	if m > 1 {
		b = float64(n) * stat.Variance(means, nil)
	}
	if w == 0 {
		if b == 0 {
			return 1
		}
		return math.Inf(1)
	}
	nf := float64(n)
	varPlus := (nf-1)/nf*w + b/nf
	return math.Sqrt(varPlus / w)
}

// ESS estimates the effective sample size across chains using split chains
// and Geyer's initial monotone sequence on the combined autocorrelation.
func ESS(chains [][]float64) float64 {
	split := splitChains(chains)
	m := len(split)
	if m == 0 {
		return 0
	}
	n := len(split[0])
	for _, c := range split {
		if len(c) < n {
			n = len(c)
		}
	}
	total := float64(m * n)
	if n < 4 {
		return total
	}

	means := make([]float64, m)
	for j, c := range split {
		means[j] = stat.Mean(c[:n], nil)
	}
	// autocov returns the per-chain lag-t autocovariance averaged over chains.
	autocov := func(t int) float64 {
		s := 0.0
		for j, c := range split {
			mu := means[j]
			acc := 0.0
			for i := 0; i+t < n; i++ {
				acc += (c[i] - mu) * (c[i+t] - mu)
			}
			s += acc / float64(n)
		}
		return s / float64(m)
	}

	nf := float64(n)
	w := autocov(0) * nf / (nf - 1)
	b := 0.0
	if m > 1 {
		b = stat.Variance(means, nil)
	}
	varPlus := w*(nf-1)/nf + b
	if varPlus <= 0 {
		return total
	}
	rho := func(t int) float64 {
		return 1 - (w-autocov(t))/varPlus
	}

	// Sum of adjacent pairs Γ_k = ρ_2k + ρ_2k+1, truncated at the first
	// negative pair and forced to be non-increasing.
	sum := 0.0
	prev := math.Inf(1)
	for t := 0; t+1 < n; t += 2 {
		r0 := 1.0
		if t > 0 {
			r0 = rho(t)
		}
		pair := r0 + rho(t+1)
		if pair < 0 {
			break
		}
		if pair > prev {
			pair = prev
		}
		sum += pair
		prev = pair
	}
	tau := -1 + 2*sum
	maxESS := total * math.Log10(total)
	if tau <= 0 {
		return maxESS
	}
	return math.Min(total/tau, maxESS)
}
