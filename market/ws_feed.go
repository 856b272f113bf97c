// Package market provides quote sources for the monitor loop. The primary
// source is a websocket push feed; every consumer goes through the
// gateway.MarketFeed interface so simulated runs can substitute their own.
package market

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"gridpilot/gateway"
	"gridpilot/logger"

	"github.com/gorilla/websocket"
)

const (
	wsDialTimeout      = 5 * time.Second
	wsPongWait         = 60 * time.Second
	wsPingInterval     = 25 * time.Second
	wsReconnectBackoff = 3 * time.Second
)

// quoteMessage is the push feed's wire format
type quoteMessage struct {
	Code  string  `json:"code"`
	Price float64 `json:"price"`
	Time  int64   `json:"time"` // unix millis
}

type quote struct {
	price float64
	at    time.Time
}

// WSFeed keeps the latest pushed price per subscribed instrument. Reads
// never block on the network: LatestPrice serves from the in-memory table
// and reports unavailable when a quote is missing or too old.
type WSFeed struct {
	url    string
	maxAge time.Duration

	mu     sync.RWMutex
	quotes map[string]quote
	subs   map[string]struct{}
	conn   *websocket.Conn

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWSFeed creates a feed for the given websocket endpoint. Quotes older
// than maxAge are treated as unavailable.
func NewWSFeed(url string, maxAge time.Duration) *WSFeed {
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	return &WSFeed{
		url:    url,
		maxAge: maxAge,
		quotes: make(map[string]quote),
		subs:   make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start connects and launches the read loop. Connection failures are
// retried forever in the background; Start itself never fails.
func (f *WSFeed) Start() {
	f.wg.Add(1)
	go f.run()
	logger.Infof("📡 Market feed started: %s", f.url)
}

// Stop closes the connection and joins the read loop
func (f *WSFeed) Stop() {
	close(f.stopCh)
	f.mu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()
	f.wg.Wait()
	logger.Info("📡 Market feed stopped")
}

// Subscribe adds instruments to the push subscription. Safe to call before
// or after Start; the subscription is replayed on every reconnect.
func (f *WSFeed) Subscribe(codes ...string) {
	f.mu.Lock()
	added := make([]string, 0, len(codes))
	for _, code := range codes {
		if _, ok := f.subs[code]; !ok {
			f.subs[code] = struct{}{}
			added = append(added, code)
		}
	}
	conn := f.conn
	f.mu.Unlock()

	if len(added) == 0 || conn == nil {
		return
	}
	if err := f.sendSubscribe(conn, added); err != nil {
		logger.Warnf("⚠️  Feed subscribe failed (will retry on reconnect): %v", err)
	}
}

// LatestPrice implements gateway.MarketFeed
func (f *WSFeed) LatestPrice(code string) (float64, error) {
	f.mu.RLock()
	q, ok := f.quotes[code]
	f.mu.RUnlock()

	if !ok || time.Since(q.at) > f.maxAge {
		return 0, gateway.ErrPriceUnavailable
	}
	return q.price, nil
}

func (f *WSFeed) run() {
	defer f.wg.Done()

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		conn, err := f.connect()
		if err != nil {
			logger.Warnf("⚠️  Feed connect failed: %v, retrying in %v", err, wsReconnectBackoff)
			select {
			case <-f.stopCh:
				return
			case <-time.After(wsReconnectBackoff):
			}
			continue
		}

		f.readLoop(conn)

		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
		conn.Close()
	}
}

func (f *WSFeed) connect() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: wsDialTimeout}
	conn, _, err := dialer.Dial(f.url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	f.mu.Lock()
	f.conn = conn
	codes := make([]string, 0, len(f.subs))
	for code := range f.subs {
		codes = append(codes, code)
	}
	f.mu.Unlock()

	if len(codes) > 0 {
		if err := f.sendSubscribe(conn, codes); err != nil {
			conn.Close()
			return nil, fmt.Errorf("resubscribe failed: %w", err)
		}
	}
	logger.Infof("🔌 Feed connected, %d instruments subscribed", len(codes))
	return conn, nil
}

func (f *WSFeed) sendSubscribe(conn *websocket.Conn, codes []string) error {
	msg := map[string]any{"action": "subscribe", "codes": codes}
	return conn.WriteJSON(msg)
}

func (f *WSFeed) readLoop(conn *websocket.Conn) {
	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-f.stopCh:
				return
			case <-pingTicker.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsDialTimeout))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
			default:
				logger.Warnf("⚠️  Feed read error: %v", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg quoteMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Code == "" || msg.Price <= 0 {
			continue
		}

		at := time.Now()
		if msg.Time > 0 {
			at = time.UnixMilli(msg.Time)
		}
		f.mu.Lock()
		f.quotes[msg.Code] = quote{price: msg.Price, at: at}
		f.mu.Unlock()
	}
}
