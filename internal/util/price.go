// Package util provides common utility functions for price calculations.
package util

import "math"

// RoundToTick rounds x to the nearest tick increment.
// For example, with tick=0.01, 1.2345 becomes 1.23 or 1.24 depending on rounding.
func RoundToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Round(x/tick) * tick
}

// FloorToTick rounds x down to the nearest tick increment. A small
// epsilon absorbs float error so values sitting on a boundary stay there.
func FloorToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Floor(x/tick+1e-13) * tick
}

// CeilToTick rounds x up to the nearest tick increment.
func CeilToTick(x, tick float64) float64 {
	tick = math.Abs(tick)
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	return math.Ceil(x/tick-1e-13) * tick
}

// WalkToward moves price one step of the given size toward target,
// clamping at the target so repeated walks converge instead of
// oscillating. The result lands on a tick boundary.
func WalkToward(price, target, step, tick float64) float64 {
	if step <= 0 {
		return RoundToTick(price, tick)
	}
	switch {
	case price < target:
		price += step
		if price > target {
			price = target
		}
	case price > target:
		price -= step
		if price < target {
			price = target
		}
	}
	return RoundToTick(price, tick)
}
