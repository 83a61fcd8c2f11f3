package features

// The types below mirror each accumulator's private fields so the pipeline's
// state can round-trip through JSON in a checkpoint (spec.md §4.6 step 6:
// "write a checkpoint: {..., feature_pipeline_state, ...}"). Periods and
// alphas are not persisted — they come from Config, which the checkpoint's
// config_hash already ties a resume to, so only the running sums need to
// survive a restart.

type EMAState struct {
	Value  float64 `json:"value"`
	Primed bool    `json:"primed"`
}

func (e *EMA) State() EMAState { return EMAState{Value: e.value, Primed: e.primed} }
func (e *EMA) Restore(s EMAState) {
	e.value = s.Value
	e.primed = s.Primed
}

type wilderSmootherState struct {
	Value  float64 `json:"value"`
	Primed bool    `json:"primed"`
}

func (w *wilderSmoother) state() wilderSmootherState {
	return wilderSmootherState{Value: w.value, Primed: w.primed}
}
func (w *wilderSmoother) restore(s wilderSmootherState) {
	w.value = s.Value
	w.primed = s.Primed
}

type WilderATRState struct {
	Value     float64 `json:"value"`
	Primed    bool    `json:"primed"`
	Seeded    int     `json:"seeded"`
	SeedSum   float64 `json:"seed_sum"`
	PrevClose float64 `json:"prev_close"`
	HavePrev  bool    `json:"have_prev"`
}

func (a *WilderATR) State() WilderATRState {
	return WilderATRState{
		Value: a.value, Primed: a.primed, Seeded: a.seeded,
		SeedSum: a.seedSum, PrevClose: a.prevClose, HavePrev: a.havePrev,
	}
}

func (a *WilderATR) Restore(s WilderATRState) {
	a.value, a.primed, a.seeded = s.Value, s.Primed, s.Seeded
	a.seedSum, a.prevClose, a.havePrev = s.SeedSum, s.PrevClose, s.HavePrev
}

type ADXState struct {
	ATR       WilderATRState      `json:"atr"`
	PlusDM    wilderSmootherState `json:"plus_dm"`
	MinusDM   wilderSmootherState `json:"minus_dm"`
	DxEMA     wilderSmootherState `json:"dx_ema"`
	PrevHigh  float64             `json:"prev_high"`
	PrevLow   float64             `json:"prev_low"`
	PrevClose float64             `json:"prev_close"`
	HavePrev  bool                `json:"have_prev"`
	PlusDI    float64             `json:"plus_di"`
	MinusDI   float64             `json:"minus_di"`
	Value     float64             `json:"value"`
}

func (a *ADX) State() ADXState {
	return ADXState{
		ATR: a.atr.State(), PlusDM: a.plusDM.state(), MinusDM: a.minusDM.state(),
		DxEMA: a.dxEMA.state(), PrevHigh: a.prevHigh, PrevLow: a.prevLow,
		PrevClose: a.prevClose, HavePrev: a.havePrev, PlusDI: a.plusDI,
		MinusDI: a.minusDI, Value: a.value,
	}
}

func (a *ADX) Restore(s ADXState) {
	a.atr.Restore(s.ATR)
	a.plusDM.restore(s.PlusDM)
	a.minusDM.restore(s.MinusDM)
	a.dxEMA.restore(s.DxEMA)
	a.prevHigh, a.prevLow, a.prevClose = s.PrevHigh, s.PrevLow, s.PrevClose
	a.havePrev, a.plusDI, a.minusDI, a.value = s.HavePrev, s.PlusDI, s.MinusDI, s.Value
}

type RSIState struct {
	AvgGain   wilderSmootherState `json:"avg_gain"`
	AvgLoss   wilderSmootherState `json:"avg_loss"`
	PrevPrice float64             `json:"prev_price"`
	HavePrev  bool                `json:"have_prev"`
	Value     float64             `json:"value"`
}

func (r *RSI) State() RSIState {
	return RSIState{
		AvgGain: r.avgGain.state(), AvgLoss: r.avgLoss.state(),
		PrevPrice: r.prevPrice, HavePrev: r.havePrev, Value: r.value,
	}
}

func (r *RSI) Restore(s RSIState) {
	r.avgGain.restore(s.AvgGain)
	r.avgLoss.restore(s.AvgLoss)
	r.prevPrice, r.havePrev, r.value = s.PrevPrice, s.HavePrev, s.Value
}

type MACDState struct {
	Fast      EMAState `json:"fast"`
	Slow      EMAState `json:"slow"`
	Signal    EMAState `json:"signal"`
	Macd      float64  `json:"macd"`
	SignalVal float64  `json:"signal_val"`
}

func (m *MACD) State() MACDState {
	return MACDState{
		Fast: m.fast.State(), Slow: m.slow.State(), Signal: m.signal.State(),
		Macd: m.macd, SignalVal: m.signalVal,
	}
}

func (m *MACD) Restore(s MACDState) {
	m.fast.Restore(s.Fast)
	m.slow.Restore(s.Slow)
	m.signal.Restore(s.Signal)
	m.macd, m.signalVal = s.Macd, s.SignalVal
}

type RollingWindowState struct {
	Values []float64 `json:"values"`
	Pos    int       `json:"pos"`
	Filled bool      `json:"filled"`
}

func (w *RollingWindow) State() RollingWindowState {
	values := make([]float64, len(w.values))
	copy(values, w.values)
	return RollingWindowState{Values: values, Pos: w.pos, Filled: w.filled}
}

func (w *RollingWindow) Restore(s RollingWindowState) {
	w.values = make([]float64, len(s.Values))
	copy(w.values, s.Values)
	w.pos, w.filled = s.Pos, s.Filled
}

type BollingerState struct {
	Window RollingWindowState `json:"window"`
}

func (b *Bollinger) State() BollingerState { return BollingerState{Window: b.window.State()} }
func (b *Bollinger) Restore(s BollingerState) { b.window.Restore(s.Window) }

type DonchianState struct {
	Highs RollingWindowState `json:"highs"`
	Lows  RollingWindowState `json:"lows"`
}

func (d *Donchian) State() DonchianState {
	return DonchianState{Highs: d.highs.State(), Lows: d.lows.State()}
}

func (d *Donchian) Restore(s DonchianState) {
	d.highs.Restore(s.Highs)
	d.lows.Restore(s.Lows)
}

type VolumeStatsState struct {
	Window RollingWindowState `json:"window"`
}

func (v *VolumeStats) State() VolumeStatsState { return VolumeStatsState{Window: v.window.State()} }
func (v *VolumeStats) Restore(s VolumeStatsState) { v.window.Restore(s.Window) }

// SymbolSnapshot is the serializable state of one symbol's accumulator set.
type SymbolSnapshot struct {
	Bars  int                `json:"bars"`
	EMAs  map[int]EMAState   `json:"emas"`
	ATR   WilderATRState     `json:"atr"`
	ADX   ADXState           `json:"adx"`
	RSI   RSIState           `json:"rsi"`
	MACD  MACDState          `json:"macd"`
	Boll  BollingerState     `json:"bollinger"`
	Donch DonchianState      `json:"donchian"`
	Vol   VolumeStatsState   `json:"volume"`
}

// PipelineState is the full per-symbol snapshot persisted in checkpoint.json
// under feature_pipeline_state.
type PipelineState map[string]SymbolSnapshot

// Snapshot captures every symbol's accumulator state for the checkpoint
// sidecar. Safe to call between bars only (the pipeline is not touched
// concurrently with a bar in flight, per spec.md §5's single-threaded loop).
func (p *Pipeline) Snapshot() PipelineState {
	out := make(PipelineState, len(p.symbols))
	for symbol, s := range p.symbols {
		emas := make(map[int]EMAState, len(s.emas))
		for period, ema := range s.emas {
			emas[period] = ema.State()
		}
		out[symbol] = SymbolSnapshot{
			Bars: s.bars, EMAs: emas, ATR: s.atr.State(), ADX: s.adx.State(),
			RSI: s.rsi.State(), MACD: s.macd.State(), Boll: s.boll.State(),
			Donch: s.donch.State(), Vol: s.vol.State(),
		}
	}
	return out
}

// Restore rehydrates every symbol's accumulator state from a prior
// Snapshot, so resuming from a checkpoint continues each indicator's
// running sums instead of re-warming from scratch.
func (p *Pipeline) Restore(state PipelineState) {
	for symbol, snap := range state {
		s := p.stateFor(symbol)
		s.bars = snap.Bars
		for period, emaState := range snap.EMAs {
			ema, ok := s.emas[period]
			if !ok {
				ema = NewEMA(period)
				s.emas[period] = ema
			}
			ema.Restore(emaState)
		}
		s.atr.Restore(snap.ATR)
		s.adx.Restore(snap.ADX)
		s.rsi.Restore(snap.RSI)
		s.macd.Restore(snap.MACD)
		s.boll.Restore(snap.Boll)
		s.donch.Restore(snap.Donch)
		s.vol.Restore(snap.Vol)
	}
}
