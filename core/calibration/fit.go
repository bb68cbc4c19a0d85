package calibration

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/kilianp07/dispense/core/apperr"
	"github.com/kilianp07/dispense/core/model"
)

// LeastSquares fits coefficients locally: it solves readings * c = weight
// over all trials in the least squares sense.
type LeastSquares struct{}

func (LeastSquares) Fit(_ context.Context, data model.CalibrationData) (model.Coefficients, error) {
	n := len(data.Trials)
	if n < model.LoadCells {
		return model.Coefficients{}, apperr.Errorf("calibration.fit", "need at least %d trials, have %d", model.LoadCells, n)
	}
	a := mat.NewDense(n, model.LoadCells, nil)
	b := mat.NewVecDense(n, nil)
	for i, t := range data.Trials {
		if len(t.Readings) != model.LoadCells {
			return model.Coefficients{}, apperr.Errorf("calibration.fit", "trial %d has %d readings", i, len(t.Readings))
		}
		a.SetRow(i, t.Readings)
		b.SetVec(i, t.Weight)
	}
	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return model.Coefficients{}, apperr.Wrap(apperr.Other, "calibration.fit", fmt.Errorf("solve: %w", err))
	}
	var c model.Coefficients
	for i := range c.Coefficients {
		c.Coefficients[i] = x.AtVec(i)
	}
	return c, nil
}
