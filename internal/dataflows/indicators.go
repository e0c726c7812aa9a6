package dataflows

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Indicator names accepted by Indicators, matching the stockstats column
// names analysts already know.
const (
	IndicatorEMA10      = "close_10_ema"
	IndicatorSMA50      = "close_50_sma"
	IndicatorSMA200     = "close_200_sma"
	IndicatorVWMA       = "vwma"
	IndicatorRSI        = "rsi"
	IndicatorMACD       = "macd"
	IndicatorMACDSignal = "macds"
	IndicatorMACDHist   = "macdh"
	IndicatorMFI        = "mfi"
	IndicatorBoll       = "boll"
	IndicatorBollUpper  = "boll_ub"
	IndicatorBollLower  = "boll_lb"
	IndicatorATR        = "atr"
)

// IndicatorPoint is one indicator value on one trading day.
type IndicatorPoint struct {
	Date      string          `json:"date"`
	Indicator string          `json:"indicator"`
	Value     decimal.Decimal `json:"value"`
}

type series []float64

var indicatorFuncs = map[string]func(b bars) series{
	IndicatorEMA10:      func(b bars) series { return ema(b.closes(), 10) },
	IndicatorSMA50:      func(b bars) series { return sma(b.closes(), 50) },
	IndicatorSMA200:     func(b bars) series { return sma(b.closes(), 200) },
	IndicatorVWMA:       func(b bars) series { return vwma(b, 20) },
	IndicatorRSI:        func(b bars) series { return rsi(b.closes(), 14) },
	IndicatorMACD:       func(b bars) series { m, _, _ := macd(b.closes()); return m },
	IndicatorMACDSignal: func(b bars) series { _, s, _ := macd(b.closes()); return s },
	IndicatorMACDHist:   func(b bars) series { _, _, h := macd(b.closes()); return h },
	IndicatorMFI:        func(b bars) series { return mfi(b, 14) },
	IndicatorBoll:       func(b bars) series { return sma(b.closes(), 20) },
	IndicatorBollUpper:  func(b bars) series { return bollinger(b.closes(), 20, 2) },
	IndicatorBollLower:  func(b bars) series { return bollinger(b.closes(), 20, -2) },
	IndicatorATR:        func(b bars) series { return atr(b, 14) },
}

// IndicatorNames lists the supported indicators, sorted.
func IndicatorNames() []string {
	names := make([]string, 0, len(indicatorFuncs))
	for n := range indicatorFuncs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ComputeIndicator evaluates name over daily bars and returns the values
// dated on or after from. Warm-up days without a value are skipped.
func ComputeIndicator(name string, data []MarketData, from string) ([]IndicatorPoint, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	fn, ok := indicatorFuncs[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown indicator %q (supported: %s)", ErrInvalidArgs, name, strings.Join(IndicatorNames(), ", "))
	}

	b := newBars(data)
	values := fn(b)
	out := make([]IndicatorPoint, 0, len(values))
	for i, v := range values {
		if math.IsNaN(v) || b[i].date < from {
			continue
		}
		out = append(out, IndicatorPoint{
			Date:      b[i].date,
			Indicator: name,
			Value:     decimal.NewFromFloat(v).Round(4),
		})
	}
	return out, nil
}

type bar struct {
	date                     string
	high, low, close, volume float64
}

type bars []bar

func newBars(data []MarketData) bars {
	b := make(bars, 0, len(data))
	for _, d := range data {
		b = append(b, bar{
			date:   d.Date,
			high:   d.High.InexactFloat64(),
			low:    d.Low.InexactFloat64(),
			close:  d.Close.InexactFloat64(),
			volume: float64(d.Volume),
		})
	}
	sort.SliceStable(b, func(i, j int) bool { return b[i].date < b[j].date })
	return b
}

func (b bars) closes() []float64 {
	out := make([]float64, len(b))
	for i, x := range b {
		out[i] = x.close
	}
	return out
}

func blank(n int) series {
	s := make(series, n)
	for i := range s {
		s[i] = math.NaN()
	}
	return s
}

func sma(xs []float64, period int) series {
	out := blank(len(xs))
	var sum float64
	for i, x := range xs {
		sum += x
		if i >= period {
			sum -= xs[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ema seeds with the simple average of the first period values. NaN inputs
// are skipped until the first real value.
func ema(xs []float64, period int) series {
	out := blank(len(xs))
	k := 2 / (float64(period) + 1)
	var (
		seed  float64
		count int
		prev  float64
	)
	for i, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		if count < period {
			seed += x
			count++
			if count == period {
				prev = seed / float64(period)
				out[i] = prev
			}
			continue
		}
		prev = x*k + prev*(1-k)
		out[i] = prev
	}
	return out
}

// rsi uses Wilder smoothing.
func rsi(xs []float64, period int) series {
	out := blank(len(xs))
	if len(xs) <= period {
		return out
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		if d := xs[i] - xs[i-1]; d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	out[period] = rsiValue(gain, loss)
	for i := period + 1; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		g, l := math.Max(d, 0), math.Max(-d, 0)
		gain = (gain*float64(period-1) + g) / float64(period)
		loss = (loss*float64(period-1) + l) / float64(period)
		out[i] = rsiValue(gain, loss)
	}
	return out
}

func rsiValue(gain, loss float64) float64 {
	if loss == 0 {
		return 100
	}
	return 100 - 100/(1+gain/loss)
}

// macd returns the 12/26 line, its 9-day signal and the histogram.
func macd(xs []float64) (line, signal, hist series) {
	fast, slow := ema(xs, 12), ema(xs, 26)
	line = blank(len(xs))
	for i := range xs {
		if !math.IsNaN(fast[i]) && !math.IsNaN(slow[i]) {
			line[i] = fast[i] - slow[i]
		}
	}
	signal = ema(line, 9)
	hist = blank(len(xs))
	for i := range xs {
		if !math.IsNaN(signal[i]) {
			hist[i] = line[i] - signal[i]
		}
	}
	return line, signal, hist
}

// bollinger returns the middle band shifted by k population deviations.
func bollinger(xs []float64, period int, k float64) series {
	mid := sma(xs, period)
	out := blank(len(xs))
	for i := period - 1; i < len(xs); i++ {
		var sq float64
		for _, x := range xs[i-period+1 : i+1] {
			sq += (x - mid[i]) * (x - mid[i])
		}
		out[i] = mid[i] + k*math.Sqrt(sq/float64(period))
	}
	return out
}

func atr(b bars, period int) series {
	tr := blank(len(b))
	for i := 1; i < len(b); i++ {
		tr[i] = math.Max(b[i].high-b[i].low,
			math.Max(math.Abs(b[i].high-b[i-1].close), math.Abs(b[i].low-b[i-1].close)))
	}
	out := blank(len(b))
	for i := period; i < len(b); i++ {
		var sum float64
		for _, v := range tr[i-period+1 : i+1] {
			sum += v
		}
		out[i] = sum / float64(period)
	}
	return out
}

func vwma(b bars, period int) series {
	out := blank(len(b))
	for i := period - 1; i < len(b); i++ {
		var vol, weighted float64
		for _, x := range b[i-period+1 : i+1] {
			vol += x.volume
			weighted += x.close * x.volume
		}
		if vol > 0 {
			out[i] = weighted / vol
		}
	}
	return out
}

func mfi(b bars, period int) series {
	out := blank(len(b))
	typical := func(x bar) float64 { return (x.high + x.low + x.close) / 3 }
	for i := period; i < len(b); i++ {
		var pos, neg float64
		for j := i - period + 1; j <= i; j++ {
			tp, prev := typical(b[j]), typical(b[j-1])
			switch {
			case tp > prev:
				pos += tp * b[j].volume
			case tp < prev:
				neg += tp * b[j].volume
			}
		}
		if neg == 0 {
			out[i] = 100
		} else {
			out[i] = 100 - 100/(1+pos/neg)
		}
	}
	return out
}
