package solvers

import (
	"context"
	"errors"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ResidualFunction is a least squares problem: Residuals fills dst with one
// entry per residual for the given parameters.
type ResidualFunction interface {
	NumResiduals() int
	Residuals(dst, params []float64)
}

// LMSettings controls the Levenberg-Marquardt loop.
type LMSettings struct {
	MaxIterations int
	// Converged when the relative cost decrease drops below CostTolerance.
	CostTolerance float64
	// Converged when the step is this small relative to the parameters.
	StepTolerance float64
	// Converged when the largest gradient entry drops below this.
	GradientTolerance float64
}

// DefaultLMSettings are tight enough to recover noise free synthetic data.
var DefaultLMSettings = LMSettings{
	MaxIterations:     100,
	CostTolerance:     1e-14,
	StepTolerance:     1e-12,
	GradientTolerance: 1e-12,
}

// LMResult holds the refined parameters and the final sum of squares.
type LMResult struct {
	X          []float64
	Cost       float64
	Iterations int
	Converged  bool
}

var errNonFiniteCost = errors.New("residuals are not finite")

const (
	initialDamping = 1e-3
	maxDamping     = 1e16
	minDamping     = 1e-15
)

// LevenbergMarquardt minimises the sum of squared residuals starting at x0.
// The Jacobian is estimated with central differences.
func LevenbergMarquardt(ctx context.Context, rf ResidualFunction, x0 []float64, settings LMSettings) (LMResult, error) {
	n := len(x0)
	m := rf.NumResiduals()
	if m < n {
		return LMResult{}, errors.New("fewer residuals than parameters")
	}

	x := append([]float64(nil), x0...)
	r := make([]float64, m)
	rf.Residuals(r, x)
	cost := floats.Dot(r, r)
	if !isFinite(cost) {
		return LMResult{}, errNonFiniteCost
	}

	jac := mat.NewDense(m, n, nil)
	rNew := make([]float64, m)
	xNew := make([]float64, n)
	lambda := initialDamping
	result := LMResult{}

	for result.Iterations < settings.MaxIterations {
		if err := ctx.Err(); err != nil {
			return LMResult{}, err
		}
		result.Iterations++

		fd.Jacobian(jac, rf.Residuals, x, &fd.JacobianSettings{Formula: fd.Central})
		var jtj mat.SymDense
		jtj.SymOuterK(1, jac.T())
		var grad mat.VecDense
		grad.MulVec(jac.T(), mat.NewVecDense(m, r))
		if mat.Norm(&grad, math.Inf(1)) < settings.GradientTolerance {
			result.Converged = true
			break
		}

		improved := false
		for lambda < maxDamping {
			a := mat.NewSymDense(n, nil)
			a.CopySym(&jtj)
			for i := 0; i < n; i++ {
				d := jtj.At(i, i)
				if d < 1e-12 {
					d = 1e-12
				}
				a.SetSym(i, i, jtj.At(i, i)+lambda*d)
			}
			var chol mat.Cholesky
			if ok := chol.Factorize(a); !ok {
				lambda *= 10
				continue
			}
			var step mat.VecDense
			if err := chol.SolveVecTo(&step, &grad); err != nil {
				lambda *= 10
				continue
			}
			for i := range xNew {
				xNew[i] = x[i] - step.AtVec(i)
			}
			rf.Residuals(rNew, xNew)
			costNew := floats.Dot(rNew, rNew)
			if !isFinite(costNew) || costNew >= cost {
				lambda *= 10
				continue
			}

			improved = true
			decrease := cost - costNew
			stepNorm := mat.Norm(&step, 2)
			xNorm := floats.Norm(x, 2)
			copy(x, xNew)
			copy(r, rNew)
			prev := cost
			cost = costNew
			lambda = math.Max(lambda/10, minDamping)
			if decrease <= settings.CostTolerance*prev || stepNorm <= settings.StepTolerance*(xNorm+settings.StepTolerance) {
				result.Converged = true
			}
			break
		}
		if !improved {
			// no damping level reduces the cost: we are at a minimum
			result.Converged = true
			break
		}
		if result.Converged {
			break
		}
	}

	result.X = x
	result.Cost = cost
	return result, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
