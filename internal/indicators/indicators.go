package indicators

// ═══════════════════════════════════════════════════════════════════════════════
// INDICATORS - Pure technical indicators over close/volume windows
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every function is stateless and safe for concurrent use. Windows are ordered
// oldest first. Short windows are reported through an ok flag (or a neutral
// value for RSI), never through an error: not enough history is a normal
// no-signal state.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	DefaultRSIPeriod      = 14
	DefaultMACDFast       = 12
	DefaultMACDSlow       = 26
	DefaultMACDSignal     = 9
	DefaultSpikeThreshold = 2.0
	VolumeSpikeWindow     = 10
	TrendShortWindow      = 20
	TrendLongWindow       = 50
	neutralRSI            = 50.0
	saturatedRSI          = 100.0
)

// MACDResult holds the MACD line, its signal line and the histogram
type MACDResult struct {
	MACD      float64 `json:"macd"`
	Signal    float64 `json:"signal"`
	Histogram float64 `json:"histogram"`
}

// Bundle is the indicator snapshot recomputed on every analysis cycle
type Bundle struct {
	RSI           float64    `json:"rsi"`
	MACD          MACDResult `json:"macd"`
	MACDReady     bool       `json:"macd_ready"`
	VolumeSpike   bool       `json:"volume_spike"`
	VolumeReady   bool       `json:"volume_ready"`
	TrendStrength float64    `json:"trend_strength"`
	TrendReady    bool       `json:"trend_ready"`
}

// Compute builds the bundle with default periods
func Compute(prices, volumes []float64) Bundle {
	b := Bundle{RSI: RSI(prices, DefaultRSIPeriod)}
	b.MACD, b.MACDReady = MACD(prices, DefaultMACDFast, DefaultMACDSlow, DefaultMACDSignal)
	b.VolumeSpike, b.VolumeReady = VolumeSpike(volumes, DefaultSpikeThreshold)
	b.TrendStrength, b.TrendReady = TrendStrength(prices)
	return b
}

// RSI calculates Relative Strength Index over the most recent period deltas.
// Returns 50 with fewer than period+1 samples and 100 when there were no losses.
func RSI(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period+1 {
		return neutralRSI
	}

	gains, losses := 0.0, 0.0
	start := len(prices) - period
	for i := start; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change >= 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return saturatedRSI
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMA calculates Exponential Moving Average seeded with the SMA of the first
// period values. ok is false when there are fewer than period samples.
func EMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}

	multiplier := 2.0 / float64(period+1)
	ema := average(prices[:period])

	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*multiplier + ema
	}

	return ema, true
}

// SMA calculates Simple Moving Average of the last period values
func SMA(prices []float64, period int) (float64, bool) {
	if period <= 0 || len(prices) < period {
		return 0, false
	}
	return average(prices[len(prices)-period:]), true
}

// MACD calculates the MACD line and a single-point signal approximation.
//
// The signal line is the EMA of (slow-signal) zeros followed by the current
// MACD value, not a rolling EMA of MACD history.
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (MACDResult, bool) {
	if fastPeriod <= 0 || slowPeriod <= signalPeriod || signalPeriod <= 0 {
		return MACDResult{}, false
	}
	if len(prices) < slowPeriod+signalPeriod {
		return MACDResult{}, false
	}

	fastEMA, ok := EMA(prices, fastPeriod)
	if !ok {
		return MACDResult{}, false
	}
	slowEMA, ok := EMA(prices, slowPeriod)
	if !ok {
		return MACDResult{}, false
	}
	macdLine := fastEMA - slowEMA

	padded := make([]float64, slowPeriod-signalPeriod+1)
	padded[len(padded)-1] = macdLine
	signalLine, ok := EMA(padded, signalPeriod)
	if !ok {
		return MACDResult{}, false
	}

	return MACDResult{
		MACD:      macdLine,
		Signal:    signalLine,
		Histogram: macdLine - signalLine,
	}, true
}

// VolumeSpike compares the latest volume with the mean of the trailing
// window (latest included). ok is false with fewer than 10 samples.
func VolumeSpike(volumes []float64, threshold float64) (spike bool, ok bool) {
	if len(volumes) < VolumeSpikeWindow {
		return false, false
	}

	avgVolume := average(volumes[len(volumes)-VolumeSpikeWindow:])
	if avgVolume <= 0 {
		return false, true
	}

	current := volumes[len(volumes)-1]
	return current/avgVolume >= threshold, true
}

// TrendStrength scores the trend from price vs SMA20/SMA50 and the SMA cross.
// The score is one of 0, 0.3, 0.4, 0.6, 0.7, 1.0.
func TrendStrength(prices []float64) (float64, bool) {
	if len(prices) < TrendLongWindow {
		return 0, false
	}

	sma20, _ := SMA(prices, TrendShortWindow)
	sma50, _ := SMA(prices, TrendLongWindow)
	current := prices[len(prices)-1]

	// tenths keep the sums exact
	tenths := 0
	if current > sma20 {
		tenths += 4
	}
	if current > sma50 {
		tenths += 3
	}
	if sma20 > sma50 {
		tenths += 3
	}

	return float64(tenths) / 10, true
}

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}
