// Package features implements the incremental feature pipeline: a set of
// O(1)-per-bar indicator accumulators that together emit a FeatureSnapshot
// once warmup_bars have been consumed.
package features

import "github.com/sawpanic/backtestrun/internal/bar"

// FeatureSnapshot is a per-bar, per-symbol feature vector plus bar context.
// Numeric and bucketed values are both present; missing inputs resolve to
// Sentinel with Ready=false rather than being absent from the map.
type FeatureSnapshot struct {
	Symbol    string
	Timestamp int64 // bar.Timestamp.Unix(), duplicated here for cheap indexing
	Bar       bar.Bar
	Values    map[string]float64
	Buckets   map[string]string
	Ready     bool // feature_ready: true once every declared key is populated
}

// Config controls warmup length and indicator periods. All periods have the
// defaults named in spec.md §4.1.
type Config struct {
	WarmupBars     int
	EMAPeriods     []int // e.g. 20, 50, 200
	ATRPeriod      int
	ADXPeriod      int
	RSIPeriod      int
	MACDFast       int
	MACDSlow       int
	MACDSignal     int
	BollingerPeriod int
	BollingerStdDev float64
	DonchianPeriod  int
	VolumeWindow    int
}

// DefaultConfig returns the pipeline configuration used throughout this
// engine's playbooks.
func DefaultConfig() Config {
	return Config{
		WarmupBars:      200, // longest EMA period below
		EMAPeriods:      []int{20, 50, 200},
		ATRPeriod:       14,
		ADXPeriod:       14,
		RSIPeriod:       14,
		MACDFast:        12,
		MACDSlow:        26,
		MACDSignal:      9,
		BollingerPeriod: 20,
		BollingerStdDev: 2.0,
		DonchianPeriod:  20,
		VolumeWindow:    96,
	}
}

// RequiredKeys is the declared set every post-warmup snapshot must contain.
func (c Config) RequiredKeys() []string {
	keys := []string{
		"atr", "adx", "plus_di", "minus_di", "rsi",
		"macd", "macd_signal", "macd_histogram",
		"bb_mid", "bb_upper", "bb_lower",
		"donchian_upper", "donchian_lower",
		"volume_mean", "volume_zscore",
	}
	for _, p := range c.EMAPeriods {
		keys = append(keys, emaKey(p))
	}
	return keys
}

func emaKey(period int) string {
	switch period {
	case 20:
		return "ema20"
	case 50:
		return "ema50"
	case 200:
		return "ema200"
	default:
		return "ema_custom"
	}
}

// Pipeline runs one set of accumulators per symbol.
type Pipeline struct {
	config  Config
	symbols map[string]*symbolState
}

type symbolState struct {
	bars int
	emas map[int]*EMA
	atr  *WilderATR
	adx  *ADX
	rsi  *RSI
	macd *MACD
	boll *Bollinger
	donch *Donchian
	vol  *VolumeStats
}

func NewPipeline(cfg Config) *Pipeline {
	return &Pipeline{config: cfg, symbols: make(map[string]*symbolState)}
}

func (p *Pipeline) stateFor(symbol string) *symbolState {
	s, ok := p.symbols[symbol]
	if ok {
		return s
	}
	emas := make(map[int]*EMA, len(p.config.EMAPeriods))
	for _, period := range p.config.EMAPeriods {
		emas[period] = NewEMA(period)
	}
	s = &symbolState{
		emas:  emas,
		atr:   NewWilderATR(p.config.ATRPeriod),
		adx:   NewADX(p.config.ADXPeriod),
		rsi:   NewRSI(p.config.RSIPeriod),
		macd:  NewMACD(p.config.MACDFast, p.config.MACDSlow, p.config.MACDSignal),
		boll:  NewBollinger(p.config.BollingerPeriod, p.config.BollingerStdDev),
		donch: NewDonchian(p.config.DonchianPeriod),
		vol:   NewVolumeStats(p.config.VolumeWindow),
	}
	p.symbols[symbol] = s
	return s
}

// OnBar feeds one bar into the symbol's accumulators. It returns nil until
// warmup_bars have been consumed for that symbol.
func (p *Pipeline) OnBar(b bar.Bar) *FeatureSnapshot {
	s := p.stateFor(b.Symbol)
	s.bars++

	values := make(map[string]float64, len(p.config.RequiredKeys()))

	for period, ema := range s.emas {
		values[emaKey(period)] = safe(ema.Update(b.Close), ema.Ready())
	}

	atrVal := s.atr.Update(b.High, b.Low, b.Close)
	values["atr"] = safe(atrVal, s.atr.Ready())

	adxVal, plusDI, minusDI := s.adx.Update(b.High, b.Low, b.Close)
	values["adx"] = safe(adxVal, s.adx.Ready())
	values["plus_di"] = safe(plusDI, s.adx.Ready())
	values["minus_di"] = safe(minusDI, s.adx.Ready())

	rsiVal := s.rsi.Update(b.Close)
	values["rsi"] = safe(rsiVal, s.rsi.Ready())

	macdVal, signalVal, histVal := s.macd.Update(b.Close)
	values["macd"] = safe(macdVal, s.macd.Ready())
	values["macd_signal"] = safe(signalVal, s.macd.Ready())
	values["macd_histogram"] = safe(histVal, s.macd.Ready())

	mid, upper, lower := s.boll.Update(b.Close)
	values["bb_mid"] = mid
	values["bb_upper"] = upper
	values["bb_lower"] = lower

	dUpper, dLower := s.donch.Update(b.High, b.Low)
	values["donchian_upper"] = dUpper
	values["donchian_lower"] = dLower

	volMean, volZ := s.vol.Update(b.Volume)
	values["volume_mean"] = volMean
	values["volume_zscore"] = volZ

	if s.bars < p.config.WarmupBars {
		return nil
	}

	ready := true
	for _, k := range p.config.RequiredKeys() {
		if values[k] == Sentinel {
			ready = false
			break
		}
	}

	return &FeatureSnapshot{
		Symbol:    b.Symbol,
		Timestamp: b.Timestamp.Unix(),
		Bar:       b,
		Values:    values,
		Buckets:   Bucketize(values),
		Ready:     ready,
	}
}

// safe collapses a not-yet-ready accumulator's value down to the sentinel,
// matching spec.md §4.1's "division-by-zero and NaN inputs resolve to a
// sentinel value" failure model.
func safe(v float64, ready bool) float64 {
	if !ready {
		return Sentinel
	}
	return v
}
