package optimizer

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

var errSingularKernel = errors.New("kernel matrix is not positive definite")

// gaussianProcess is a zero-mean GP with a squared exponential kernel over the
// unit hypercube. Targets are standardized before fitting.
type gaussianProcess struct {
	lengthScale float64
	noise       float64

	x     [][]float64
	chol  mat.Cholesky
	alpha *mat.VecDense
	mean  float64
	std   float64
}

func newGaussianProcess(dims int) *gaussianProcess {
	return &gaussianProcess{
		lengthScale: 0.25 * math.Sqrt(float64(dims)),
		noise:       1e-6,
	}
}

func (gp *gaussianProcess) kernel(a, b []float64) float64 {
	var d2 float64
	for i := range a {
		d := a[i] - b[i]
		d2 += d * d
	}
	return math.Exp(-d2 / (2 * gp.lengthScale * gp.lengthScale))
}

func (gp *gaussianProcess) fit(x [][]float64, y []float64) error {
	n := len(x)
	gp.x = x
	gp.mean, gp.std = standardize(y)

	ys := make([]float64, n)
	for i, v := range y {
		ys[i] = (v - gp.mean) / gp.std
	}

	jitter := gp.noise
	for attempt := 0; attempt < 6; attempt++ {
		k := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				v := gp.kernel(x[i], x[j])
				if i == j {
					v += jitter
				}
				k.SetSym(i, j, v)
			}
		}
		if gp.chol.Factorize(k) {
			gp.alpha = mat.NewVecDense(n, nil)
			return gp.chol.SolveVecTo(gp.alpha, mat.NewVecDense(n, ys))
		}
		jitter *= 10
	}
	return errSingularKernel
}

// predict returns the posterior mean and standard deviation in standardized units.
func (gp *gaussianProcess) predict(x []float64) (float64, float64) {
	n := len(gp.x)
	ks := mat.NewVecDense(n, nil)
	for i := range gp.x {
		ks.SetVec(i, gp.kernel(x, gp.x[i]))
	}
	mu := mat.Dot(ks, gp.alpha)

	v := mat.NewVecDense(n, nil)
	if err := gp.chol.SolveVecTo(v, ks); err != nil {
		return mu, 0
	}
	variance := 1 - mat.Dot(ks, v)
	if variance < 1e-12 {
		variance = 1e-12
	}
	return mu, math.Sqrt(variance)
}

// expectedImprovement over best, both in standardized units, for maximization.
func expectedImprovement(mu, sigma, best, xi float64) float64 {
	if sigma <= 0 {
		return 0
	}
	imp := mu - best - xi
	z := imp / sigma
	return imp*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
}

func standardize(y []float64) (float64, float64) {
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))

	var variance float64
	for _, v := range y {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(y)))
	if std < 1e-12 {
		std = 1
	}
	return mean, std
}
