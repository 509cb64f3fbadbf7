package upbit

import "time"

// Balance is one asset row from /v1/accounts.
type Balance struct {
	Asset  string
	Free   float64
	Locked float64
	Total  float64
}

// Candle is one minute candle from /v1/candles/minutes/{unit}.
// Timestamps are exchange-local (KST).
type Candle struct {
	Market    string  `json:"market"`
	TimeKST   string  `json:"candle_date_time_kst"`
	Open      float64 `json:"opening_price"`
	High      float64 `json:"high_price"`
	Low       float64 `json:"low_price"`
	Close     float64 `json:"trade_price"`
	Volume    float64 `json:"candle_acc_trade_volume"`
	UnixMilli int64   `json:"timestamp"`
}

// CapturedAt parses the candle's KST timestamp truncated to the minute.
func (c Candle) CapturedAt(loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02T15:04:05", c.TimeKST, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t.Truncate(time.Minute), nil
}

// OrderResult is the subset of the order response the bot consumes, plus the
// raw payload for diagnostics.
type OrderResult struct {
	UUID   string         `json:"uuid"`
	Market string         `json:"market"`
	Side   string         `json:"side"`
	Raw    map[string]any `json:"-"`
}

// OrderDetail is an order's execution state from /v1/order. AvgPrice is
// derived from fills when the exchange omits it on market orders.
type OrderDetail struct {
	UUID           string
	Market         string
	Side           string
	State          string
	ExecutedVolume float64
	PaidFee        float64
	AvgPrice       float64
}

// OrdersChance carries per-market order constraints from /v1/orders/chance.
type OrdersChance struct {
	BidFee      float64
	AskFee      float64
	MinTotalBid float64
	MinTotalAsk float64
}
