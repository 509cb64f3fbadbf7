// Package upbit is a minimal Upbit REST client for balances, prices, minute
// candles, and market orders.
//
// Private endpoints are authenticated with an HS256 JWT carrying a SHA512
// hash of the query string. Symbols are accepted as "BTC/KRW" or native
// "KRW-BTC" and normalized to Upbit's QUOTE-BASE market format.
package upbit

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Config holds client settings.
type Config struct {
	BaseURL    string
	AccessKey  string
	SecretKey  string
	TimeoutSec int
	// RequestsPerSec caps outbound calls; Upbit allows ~10 rps on quotation
	// endpoints per IP.
	RequestsPerSec int
}

// Client talks to the Upbit REST API. All calls are synchronous with a short
// timeout and a client-side rate limiter.
type Client struct {
	baseURL   string
	accessKey string
	secretKey string
	httpc     *http.Client
	limiter   *rate.Limiter
}

// NewClient builds a client from config, applying defaults for zero values.
func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.upbit.com"
	}
	timeout := cfg.TimeoutSec
	if timeout <= 0 {
		timeout = 5
	}
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 8
	}
	return &Client{
		baseURL:   strings.TrimRight(base, "/"),
		accessKey: cfg.AccessKey,
		secretKey: cfg.SecretKey,
		httpc:     &http.Client{Timeout: time.Duration(timeout) * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// FetchBalances returns all account balances.
func (c *Client) FetchBalances(ctx context.Context) ([]Balance, error) {
	var rows []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := c.signedGet(ctx, "/v1/accounts", nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch balances: %w", err)
	}
	out := make([]Balance, 0, len(rows))
	for _, r := range rows {
		free := parseFloat(r.Balance)
		locked := parseFloat(r.Locked)
		out = append(out, Balance{
			Asset:  strings.ToUpper(r.Currency),
			Free:   free,
			Locked: locked,
			Total:  free + locked,
		})
	}
	return out, nil
}

// FetchFree returns the free balance of one asset, false if absent.
func (c *Client) FetchFree(ctx context.Context, asset string) (float64, bool, error) {
	balances, err := c.FetchBalances(ctx)
	if err != nil {
		return 0, false, err
	}
	asset = strings.ToUpper(asset)
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free, true, nil
		}
	}
	return 0, false, nil
}

// FetchLastPrice returns the last trade price for a symbol.
func (c *Client) FetchLastPrice(ctx context.Context, symbol string) (float64, error) {
	market := NormalizeSymbol(symbol)
	var rows []struct {
		Market     string  `json:"market"`
		TradePrice float64 `json:"trade_price"`
	}
	q := url.Values{"markets": {market}}
	if err := c.publicGet(ctx, "/v1/ticker", q, &rows); err != nil {
		return 0, fmt.Errorf("fetch last price %s: %w", market, err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("fetch last price %s: empty response", market)
	}
	return rows[0].TradePrice, nil
}

// FetchMinuteCandles returns up to count recent minute candles, newest first.
// unit must be one of Upbit's supported minute units (1,3,5,10,15,30,60,240).
func (c *Client) FetchMinuteCandles(ctx context.Context, symbol string, unit, count int) ([]Candle, error) {
	market := NormalizeSymbol(symbol)
	if count < 1 {
		count = 1
	} else if count > 200 {
		count = 200
	}
	q := url.Values{
		"market": {market},
		"count":  {strconv.Itoa(count)},
	}
	var rows []Candle
	if err := c.publicGet(ctx, fmt.Sprintf("/v1/candles/minutes/%d", unit), q, &rows); err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", market, err)
	}
	return rows, nil
}

// CreateMarketBuy places a quote-denominated market buy
// (ord_type=price, price=quote amount, volume omitted).
func (c *Client) CreateMarketBuy(ctx context.Context, symbol string, quoteAmount float64) (*OrderResult, error) {
	params := map[string]string{
		"market":   NormalizeSymbol(symbol),
		"side":     "bid",
		"ord_type": "price",
		"price":    formatAmount(quoteAmount),
	}
	res, err := c.placeOrder(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("market buy %s: %w", symbol, err)
	}
	return res, nil
}

// CreateMarketSell places a volume-denominated market sell
// (ord_type=market, volume=base qty, price omitted).
func (c *Client) CreateMarketSell(ctx context.Context, symbol string, baseQty float64) (*OrderResult, error) {
	params := map[string]string{
		"market":   NormalizeSymbol(symbol),
		"side":     "ask",
		"ord_type": "market",
		"volume":   formatAmount(baseQty),
	}
	res, err := c.placeOrder(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("market sell %s: %w", symbol, err)
	}
	return res, nil
}

// CancelOrder cancels an order by UUID. A 2xx response counts as success.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	params := map[string]string{"uuid": orderID}
	if err := c.signedDo(ctx, http.MethodDelete, "/v1/order", params, nil); err != nil {
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return true, nil
}

// GetOrdersChance fetches min-notional and fee metadata for a market.
func (c *Client) GetOrdersChance(ctx context.Context, symbol string) (*OrdersChance, error) {
	market := NormalizeSymbol(symbol)
	var body struct {
		BidFee string `json:"bid_fee"`
		AskFee string `json:"ask_fee"`
		Market struct {
			Bid struct {
				MinTotal string `json:"min_total"`
			} `json:"bid"`
			Ask struct {
				MinTotal string `json:"min_total"`
			} `json:"ask"`
		} `json:"market"`
	}
	if err := c.signedGet(ctx, "/v1/orders/chance", url.Values{"market": {market}}, &body); err != nil {
		return nil, fmt.Errorf("orders chance %s: %w", market, err)
	}
	return &OrdersChance{
		BidFee:      parseFloat(body.BidFee),
		AskFee:      parseFloat(body.AskFee),
		MinTotalBid: parseFloat(body.Market.Bid.MinTotal),
		MinTotalAsk: parseFloat(body.Market.Ask.MinTotal),
	}, nil
}

// GetOrder fetches an order's execution state by UUID, including the
// executed volume and paid fee needed to resolve market-buy fills.
func (c *Client) GetOrder(ctx context.Context, orderID string) (*OrderDetail, error) {
	var body struct {
		UUID           string `json:"uuid"`
		Market         string `json:"market"`
		Side           string `json:"side"`
		State          string `json:"state"`
		ExecutedVolume string `json:"executed_volume"`
		PaidFee        string `json:"paid_fee"`
		Price          string `json:"price"`
		AvgPrice       string `json:"avg_price"`
		Trades         []struct {
			Price  string `json:"price"`
			Volume string `json:"volume"`
			Funds  string `json:"funds"`
		} `json:"trades"`
	}
	if err := c.signedGet(ctx, "/v1/order", url.Values{"uuid": {orderID}}, &body); err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}

	d := &OrderDetail{
		UUID:           body.UUID,
		Market:         body.Market,
		Side:           body.Side,
		State:          body.State,
		ExecutedVolume: parseFloat(body.ExecutedVolume),
		PaidFee:        parseFloat(body.PaidFee),
		AvgPrice:       parseFloat(body.AvgPrice),
	}
	// Upbit omits avg_price on market orders; derive it from the fills.
	if d.AvgPrice <= 0 && len(body.Trades) > 0 {
		var funds, volume float64
		for _, t := range body.Trades {
			funds += parseFloat(t.Funds)
			volume += parseFloat(t.Volume)
		}
		if volume > 0 {
			d.AvgPrice = funds / volume
			if d.ExecutedVolume <= 0 {
				d.ExecutedVolume = volume
			}
		}
	}
	return d, nil
}

var upbitMarketRe = regexp.MustCompile(`^(KRW|BTC|USDT)-[A-Z0-9]+$`)

// NormalizeSymbol converts "BTC/KRW" or bare "BTC" to Upbit's "KRW-BTC".
// Strings already in market format pass through.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if base, quote, ok := strings.Cut(s, "/"); ok {
		return strings.TrimSpace(quote) + "-" + strings.TrimSpace(base)
	}
	if upbitMarketRe.MatchString(s) {
		return s
	}
	return "KRW-" + s
}

// -------------------------
// Internal helpers
// -------------------------

func (c *Client) placeOrder(ctx context.Context, params map[string]string) (*OrderResult, error) {
	var raw map[string]any
	if err := c.signedDo(ctx, http.MethodPost, "/v1/orders", params, &raw); err != nil {
		return nil, err
	}
	res := &OrderResult{Raw: raw}
	if v, ok := raw["uuid"].(string); ok {
		res.UUID = v
	}
	if v, ok := raw["market"].(string); ok {
		res.Market = v
	}
	if v, ok := raw["side"].(string); ok {
		res.Side = v
	}
	return res, nil
}

func (c *Client) publicGet(ctx context.Context, path string, query url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, query, nil, nil, out)
}

func (c *Client) signedGet(ctx context.Context, path string, query url.Values, out any) error {
	token, err := c.authToken(query.Encode())
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodGet, path, query, nil, map[string]string{"Authorization": "Bearer " + token}, out)
}

func (c *Client) signedDo(ctx context.Context, method, path string, params map[string]string, out any) error {
	q := url.Values{}
	for k, v := range params {
		q.Set(k, v)
	}
	token, err := c.authToken(q.Encode())
	if err != nil {
		return err
	}
	headers := map[string]string{
		"Authorization": "Bearer " + token,
		"Content-Type":  "application/json",
	}
	var body io.Reader
	if method == http.MethodPost {
		data, err := json.Marshal(params)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(data))
		return c.do(ctx, method, path, nil, body, headers, out)
	}
	return c.do(ctx, method, path, q, nil, headers, out)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, headers map[string]string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().Str("path", path).Int("status", resp.StatusCode).
			Str("body", truncate(string(data), 256)).Msg("upbit request failed")
		return fmt.Errorf("upbit %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// authToken builds the Upbit HS256 JWT. The query hash is only included when
// the request carries parameters.
func (c *Client) authToken(encodedQuery string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": c.accessKey,
		"nonce":      uuid.NewString(),
	}
	if encodedQuery != "" {
		sum := sha512.Sum512([]byte(encodedQuery))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(c.secretKey))
	if err != nil {
		return "", fmt.Errorf("sign auth token: %w", err)
	}
	return signed, nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
