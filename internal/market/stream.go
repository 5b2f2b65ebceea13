package market

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/logging"
)

// tickedPrice is one cached last price with its arrival time.
type tickedPrice struct {
	price float64
	at    time.Time
}

// miniTickerEvent is one element of the !miniTicker@arr stream payload.
type miniTickerEvent struct {
	EventType string  `json:"e"`
	EventTime int64   `json:"E"`
	Symbol    string  `json:"s"`
	Close     float64 `json:"c,string"`
	Open      float64 `json:"o,string"`
	High      float64 `json:"h,string"`
	Low       float64 `json:"l,string"`
	Volume    float64 `json:"v,string"`
}

// StreamReader consumes the all-market miniTicker stream and keeps the last
// price per symbol in memory, mirrored to Redis best effort. It reconnects
// forever until Stop.
type StreamReader struct {
	mu sync.RWMutex

	url    string
	log    *logging.Logger
	cache  *cache.Service
	prices map[string]tickedPrice

	conn      *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
}

// NewStreamReader builds a reader against the given websocket base URL
// (e.g. wss://fstream.binance.com).
func NewStreamReader(baseURL string, cacheSvc *cache.Service, log *logging.Logger) *StreamReader {
	return &StreamReader{
		url:      baseURL + "/ws/!miniTicker@arr",
		log:      log.WithComponent("stream"),
		cache:    cacheSvc,
		prices:   make(map[string]tickedPrice),
		stopChan: make(chan struct{}),
	}
}

// Start launches the connection loop.
func (s *StreamReader) Start() {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	go s.connectLoop()
	s.log.Info("price stream started", "url", s.url)
}

// Stop closes the connection and halts reconnecting.
func (s *StreamReader) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.log.Info("price stream stopped")
}

// LastPrice returns the cached price and its age. ok is false when the symbol
// has never ticked.
func (s *StreamReader) LastPrice(symbol string) (price float64, at time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, exists := s.prices[symbol]
	if !exists {
		return 0, time.Time{}, false
	}
	return p.price, p.at, true
}

func (s *StreamReader) running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *StreamReader) connectLoop() {
	backoff := 3 * time.Second
	for s.running() {
		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.log.Warn("stream connection failed", "error", err.Error(), "retry_in", backoff.String())
			select {
			case <-time.After(backoff):
			case <-s.stopChan:
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 3 * time.Second

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		s.log.Info("stream connected")

		s.readLoop(conn)

		if !s.running() {
			return
		}
		s.log.Warn("stream connection lost, reconnecting")
		select {
		case <-time.After(3 * time.Second):
		case <-s.stopChan:
			return
		}
	}
}

func (s *StreamReader) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Info("stream closed normally")
			} else {
				s.log.Warn("stream read error", "error", err.Error())
			}
			return
		}
		s.handleMessage(message)
	}
}

func (s *StreamReader) handleMessage(message []byte) {
	var events []miniTickerEvent
	if err := json.Unmarshal(message, &events); err != nil {
		s.log.Debug("failed to parse ticker batch", "error", err.Error())
		return
	}

	now := time.Now().UTC()
	s.mu.Lock()
	for _, e := range events {
		if e.Symbol == "" || e.Close == 0 {
			continue
		}
		s.prices[e.Symbol] = tickedPrice{price: e.Close, at: now}
	}
	s.mu.Unlock()

	s.mirrorToCache(events, now)
}

// mirrorToCache writes fresh prices to Redis so external tooling can observe
// them. Failures are silent; the in-memory map is the authority.
func (s *StreamReader) mirrorToCache(events []miniTickerEvent, now time.Time) {
	if s.cache == nil || !s.cache.IsHealthy() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, e := range events {
		if e.Symbol == "" || e.Close == 0 {
			continue
		}
		key := cache.PriceKey(e.Symbol)
		_ = s.cache.Set(ctx, key, map[string]interface{}{
			"price": e.Close,
			"at":    now.Format(time.RFC3339),
		}, cache.PriceTTL)
	}
}
