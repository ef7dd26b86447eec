// Package trainer holds the schedule policies shared by the training
// drivers: learning-rate decay, early stopping, the per-step optimization
// sequence and the CSV event log.
package trainer

import "math"

// Controller decays the learning rate when the monitored metric stops
// improving. Decay is suppressed until decayStartEpoch, but the best value
// is tracked from the first epoch onward, so the first epoch inside the
// decay window already competes against the early best.
type Controller struct {
	decayStartEpoch int
	decayRate       float64
	patience        int
	lowerBetter     bool

	best        float64
	notImproved int
}

// NewController returns a controller that multiplies the learning rate by
// decayRate after patience consecutive epochs without improvement, starting
// at decayStartEpoch. lowerBetter selects the direction of the metric
// (true for losses and error rates, false for accuracies).
func NewController(decayStartEpoch int, decayRate float64, patience int, lowerBetter bool) *Controller {
	return &Controller{
		decayStartEpoch: decayStartEpoch,
		decayRate:       decayRate,
		patience:        patience,
		lowerBetter:     lowerBetter,
		best:            math.Inf(1),
	}
}

// Update records the metric observed at the end of epoch and returns the
// learning rate to use from now on. The counter of non-improved epochs is
// reset both after an improvement and after a decay.
func (c *Controller) Update(lr float64, epoch int, value float64) float64 {
	if !c.lowerBetter {
		value = -value
	}
	if value < c.best {
		c.best = value
		c.notImproved = 0
		return lr
	}
	if epoch < c.decayStartEpoch {
		return lr
	}
	c.notImproved++
	if c.notImproved >= c.patience {
		c.notImproved = 0
		return lr * c.decayRate
	}
	return lr
}
