package candles

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PriceStream keeps a live BTCUSDT price from the Binance trade stream.
// It is an observability aid for the heartbeat and event log; the signal
// path works entirely off REST candles and survives without it.
type PriceStream struct {
	wsURL string
	conn  *websocket.Conn

	mu        sync.RWMutex
	lastPrice decimal.Decimal
	lastAt    time.Time

	running bool
	stopCh  chan struct{}
}

// NewPriceStream creates a stream client for the Binance trade feed.
func NewPriceStream() *PriceStream {
	return &PriceStream{
		wsURL:  "wss://stream.binance.com:9443/ws/btcusdt@trade",
		stopCh: make(chan struct{}),
	}
}

// Start connects and begins streaming. The background loop keeps
// reconnecting regardless of the initial dial result.
func (p *PriceStream) Start() error {
	p.running = true
	err := p.connect()
	go p.run()
	return err
}

// Stop closes the stream.
func (p *PriceStream) Stop() {
	p.running = false
	close(p.stopCh)
	if p.conn != nil {
		p.conn.Close()
	}
}

// LastPrice returns the most recent trade price and its age.
// Price is zero until the first message arrives.
func (p *PriceStream) LastPrice() (decimal.Decimal, time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastAt.IsZero() {
		return decimal.Zero, 0
	}
	return p.lastPrice, time.Since(p.lastAt)
}

func (p *PriceStream) connect() error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(p.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}
	p.conn = conn
	log.Debug().Str("url", p.wsURL).Msg("Price stream connected")
	return nil
}

func (p *PriceStream) run() {
	for p.running {
		if p.conn == nil {
			if err := p.connect(); err != nil {
				log.Warn().Err(err).Msg("Price stream reconnect failed")
				select {
				case <-time.After(5 * time.Second):
				case <-p.stopCh:
					return
				}
				continue
			}
		}

		p.readMessages()
		p.conn = nil

		if p.running {
			log.Warn().Msg("Price stream disconnected, reconnecting...")
			select {
			case <-time.After(time.Second):
			case <-p.stopCh:
				return
			}
		}
	}
}

func (p *PriceStream) readMessages() {
	for p.running {
		_, message, err := p.conn.ReadMessage()
		if err != nil {
			if p.running {
				log.Debug().Err(err).Msg("Price stream read error")
			}
			return
		}

		var msg struct {
			EventType string `json:"e"`
			Price     string `json:"p"`
		}
		if err := json.Unmarshal(message, &msg); err != nil || msg.EventType != "trade" {
			continue
		}

		price, err := decimal.NewFromString(msg.Price)
		if err != nil || price.IsZero() {
			continue
		}

		p.mu.Lock()
		p.lastPrice = price
		p.lastAt = time.Now()
		p.mu.Unlock()
	}
}
