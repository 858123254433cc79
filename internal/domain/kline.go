package domain

import "time"

// Kline is a single candlestick.
type Kline struct {
	OpenTime  time.Time
	CloseTime time.Time
	Symbol    Symbol
	Interval  string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	IsFinal   bool // False while the interval is still forming
}
