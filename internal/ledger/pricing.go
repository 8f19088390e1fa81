package ledger

import (
	"math"
	"strings"
	"time"
)

const (
	asrPricePerSecond   = 0.00016
	ttsStandardPerChar  = 0.000004
	ttsPremiumPerChar   = 0.000016
	standardVoiceMarker = "Standard"
)

// Per-token prices of the completion models.
var llmPricePerToken = map[string]float64{
	"text-davinci-003":       0.00002,
	"text-curie-001":         0.000002,
	"text-babbage-001":       0.0000005,
	"text-ada-001":           0.0000004,
	"gpt-3.5-turbo-instruct": 0.000002,
	"gpt-3.5-turbo":          0.000002,
}

func asrCost(seconds, nanos int64) float64 {
	return (float64(seconds) + float64(nanos)/1e9) * asrPricePerSecond
}

func ttsCost(model string, chars int64) float64 {
	if strings.Contains(model, standardVoiceMarker) {
		return float64(chars) * ttsStandardPerChar
	}
	return float64(chars) * ttsPremiumPerChar
}

// llmCost reports false for models without a known price.
func llmCost(model string, tokens int64) (float64, bool) {
	price, ok := llmPricePerToken[model]
	if !ok {
		return 0, false
	}
	return float64(tokens) * price, true
}

func roundBillable(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// billing accumulates a cost and the time span of the rows behind it.
type billing struct {
	amount     float64
	start, end time.Time
}

func (b *billing) add(cost float64, at time.Time) {
	b.amount += cost
	b.extend(at, at)
}

func (b *billing) merge(o billing) {
	b.amount += o.amount
	if !o.start.IsZero() {
		b.extend(o.start, o.end)
	}
}

func (b *billing) extend(start, end time.Time) {
	if b.start.IsZero() || start.Before(b.start) {
		b.start = start
	}
	if b.end.IsZero() || end.After(b.end) {
		b.end = end
	}
}
