package playbook

// exitParams is the common set of ATR-scaled exit parameters every
// playbook's exit template is built from.
type exitParams struct {
	stopLossATR           float64
	takeProfitATR         float64
	timeStopBars          int
	trailingActivationATR float64
	trailingDistanceATR   float64
}

// buildExitSpec derives an ExitSpec from entry price, ATR at entry, and a
// playbook's ATR-scaled parameters, honoring direction sign.
func buildExitSpec(direction Direction, entry, atr float64, p exitParams) ExitSpec {
	sign := 1.0
	if direction == Short {
		sign = -1.0
	}
	return ExitSpec{
		StopLossPrice:           entry - sign*p.stopLossATR*atr,
		TakeProfitPrice:         entry + sign*p.takeProfitATR*atr,
		TimeStopBars:            p.timeStopBars,
		TrailingEnabled:         true,
		TrailingActivationPrice: entry + sign*p.trailingActivationATR*atr,
		TrailingDistanceATR:     p.trailingDistanceATR,
	}
}
