package formulas

// CalculateMaxDrawdown calculates the maximum drawdown of a value series.
//
//	Drawdown = (Peak - Current) / Peak
//
// Returned as a positive fraction (0.25 = 25% below the running peak), or nil
// for fewer than two values.
func CalculateMaxDrawdown(values []float64) *float64 {
	if len(values) < 2 {
		return nil
	}

	maxDrawdown := 0.0
	peak := values[0]

	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			if dd := (peak - v) / peak; dd > maxDrawdown {
				maxDrawdown = dd
			}
		}
	}

	return &maxDrawdown
}
