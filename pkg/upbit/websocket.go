package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Tick is a realtime trade-price update from the ticker websocket.
type Tick struct {
	Symbol string
	Price  float64
}

// StreamClient manages lightweight streaming from the Upbit public websocket.
type StreamClient struct {
	StreamURL string
	dialer    *websocket.Dialer
}

// NewStreamClient builds a websocket client for the given endpoint.
func NewStreamClient(streamURL string) *StreamClient {
	if streamURL == "" {
		streamURL = "wss://api.upbit.com/websocket/v1"
	}
	return &StreamClient{
		StreamURL: streamURL,
		dialer:    websocket.DefaultDialer,
	}
}

// SubscribeTicker subscribes to ticker updates for the given symbols and
// pushes parsed ticks into a channel. It returns the channel and a stop
// function.
func (c *StreamClient) SubscribeTicker(ctx context.Context, symbols []string) (<-chan Tick, func(), error) {
	if len(symbols) == 0 {
		return nil, nil, fmt.Errorf("subscribe ticker: no symbols")
	}
	codes := make([]string, 0, len(symbols))
	for _, s := range symbols {
		codes = append(codes, NormalizeSymbol(s))
	}

	conn, _, err := c.dialer.DialContext(ctx, c.StreamURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("dial upbit ws: %w", err)
	}

	// Upbit expects a JSON array: ticket frame, then type frames.
	sub := []any{
		map[string]string{"ticket": uuid.NewString()},
		map[string]any{"type": "ticker", "codes": codes},
		map[string]string{"format": "DEFAULT"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("subscribe upbit ws: %w", err)
	}

	out := make(chan Tick, 100)
	var once sync.Once
	stop := func() {
		once.Do(func() {
			// Ignore errors; connection may already be closed.
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
			close(out)
		})
	}

	go func() {
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			_, msg, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
					strings.Contains(err.Error(), "use of closed network connection") {
					return
				}
				log.Warn().Err(err).Msg("upbit ws read error")
				return
			}

			var frame struct {
				Type       string  `json:"type"`
				Code       string  `json:"code"`
				TradePrice float64 `json:"trade_price"`
			}
			if err := json.Unmarshal(msg, &frame); err != nil {
				log.Warn().Err(err).Msg("upbit ws parse error")
				continue
			}
			if frame.Type != "ticker" || frame.Code == "" {
				continue
			}
			out <- Tick{Symbol: frame.Code, Price: frame.TradePrice}
		}
	}()

	return out, stop, nil
}
