package smartapi

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	StreamURL         = "wss://smartapisocket.angelone.in/smart-stream"
	HeartBeatMessage  = "ping"
	HeartBeatInterval = 10 * time.Second
)

// Subscription actions and modes.
const (
	UnsubscribeAction = 0
	SubscribeAction   = 1

	ModeLTP       = 1
	ModeQuote     = 2
	ModeSnapQuote = 3
)

// Exchange types on the wire.
const (
	NSE_CM = 1
	NSE_FO = 2
	BSE_CM = 3
	BSE_FO = 4
	MCX_FO = 5
	NCX_FO = 7
	CDE_FO = 13
)

var exchangeNames = map[int]string{
	NSE_CM: "NSE",
	NSE_FO: "NFO",
	BSE_CM: "BSE",
	BSE_FO: "BFO",
	MCX_FO: "MCX",
	NCX_FO: "NCX",
	CDE_FO: "CDE",
}

// ExchangeName maps a wire exchange type to its exchange code.
func ExchangeName(exchangeType int) string {
	if n, ok := exchangeNames[exchangeType]; ok {
		return n
	}
	return fmt.Sprintf("EX_%d", exchangeType)
}

// ExchangeType maps an exchange code to its wire type (0 if unknown).
func ExchangeType(exchange string) int {
	for t, n := range exchangeNames {
		if n == exchange {
			return t
		}
	}
	return 0
}

// TokenListEntry groups tokens of one exchange type.
type TokenListEntry struct {
	ExchangeType int      `json:"exchangeType"`
	Tokens       []string `json:"tokens"`
}

// Quote is a decoded LTP or QUOTE packet. Prices are in paise as sent by
// the exchange. The QUOTE-only fields are zero in LTP mode.
type Quote struct {
	Mode         int
	ExchangeType int
	Token        string
	Sequence     int64
	ExchangeTS   time.Time
	LTP          int64

	LastTradedQty int64
	AvgPrice      int64
	VolumeToday   int64 // volume_trade_for_the_day, cumulative
	TotalBuyQty   float64
	TotalSellQty  float64
	Open          int64
	High          int64
	Low           int64
	Close         int64
}

var ErrShortPacket = errors.New("smartapi: binary payload too short")

const (
	ltpPacketLen   = 51
	quotePacketLen = 123
)

// ParseQuote decodes a little-endian SmartStream binary packet.
func ParseQuote(b []byte) (Quote, error) {
	if len(b) < ltpPacketLen {
		return Quote{}, ErrShortPacket
	}
	q := Quote{
		Mode:         int(b[0]),
		ExchangeType: int(b[1]),
		Token:        parseTokenValue(b[2:27]),
		Sequence:     int64(binary.LittleEndian.Uint64(b[27:35])),
		LTP:          int64(binary.LittleEndian.Uint64(b[43:51])),
	}
	if ms := int64(binary.LittleEndian.Uint64(b[35:43])); ms > 0 {
		q.ExchangeTS = time.UnixMilli(ms).UTC()
	}
	if q.Mode == ModeQuote || q.Mode == ModeSnapQuote {
		if len(b) < quotePacketLen {
			return Quote{}, fmt.Errorf("%w: quote packet %d bytes", ErrShortPacket, len(b))
		}
		q.LastTradedQty = int64(binary.LittleEndian.Uint64(b[51:59]))
		q.AvgPrice = int64(binary.LittleEndian.Uint64(b[59:67]))
		q.VolumeToday = int64(binary.LittleEndian.Uint64(b[67:75]))
		q.TotalBuyQty = math.Float64frombits(binary.LittleEndian.Uint64(b[75:83]))
		q.TotalSellQty = math.Float64frombits(binary.LittleEndian.Uint64(b[83:91]))
		q.Open = int64(binary.LittleEndian.Uint64(b[91:99]))
		q.High = int64(binary.LittleEndian.Uint64(b[99:107]))
		q.Low = int64(binary.LittleEndian.Uint64(b[107:115]))
		q.Close = int64(binary.LittleEndian.Uint64(b[115:123]))
	}
	return q, nil
}

func parseTokenValue(b []byte) string {
	for i := 0; i < len(b); i++ {
		if b[i] == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// StreamConfig configures a Stream.
type StreamConfig struct {
	URL        string // default StreamURL
	AuthToken  string
	APIKey     string
	ClientCode string
	FeedToken  string

	Heartbeat       time.Duration // default HeartBeatInterval
	MaxRetries      int           // consecutive failed dials before Run gives up; 0 = forever
	RetryDelay      time.Duration // default 2s
	RetryMultiplier int           // default 2 (exponential)
	MaxRetryDelay   time.Duration // default 60s
}

// Stream is a SmartStream WebSocket client with automatic reconnect.
// Subscriptions are remembered and replayed on every new connection before
// any data is delivered.
type Stream struct {
	cfg    StreamConfig
	dialer *websocket.Dialer
	log    *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    map[int]map[int][]string // mode → exchangeType → tokens

	lastPong time.Time

	// Callbacks (optional). OnQuote runs on the read goroutine and must not
	// block.
	OnQuote      func(Quote)
	OnSubscribed func()
	OnDisconnect func(err error)
}

// NewStream validates the credentials and creates an unconnected stream.
func NewStream(cfg StreamConfig) (*Stream, error) {
	if cfg.AuthToken == "" || cfg.APIKey == "" || cfg.ClientCode == "" || cfg.FeedToken == "" {
		return nil, errors.New("smartapi: provide valid value for all the tokens")
	}
	if cfg.URL == "" {
		cfg.URL = StreamURL
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = HeartBeatInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.RetryMultiplier <= 0 {
		cfg.RetryMultiplier = 2
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = time.Minute
	}
	return &Stream{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		subs:   make(map[int]map[int][]string),
		log:    slog.Default().With(slog.String("component", "smartstream")),
	}, nil
}

// Subscribe records tokens for mode and sends the request if connected.
func (s *Stream) Subscribe(mode int, tokenList []TokenListEntry) error {
	s.mu.Lock()
	if s.subs[mode] == nil {
		s.subs[mode] = make(map[int][]string)
	}
	for _, tl := range tokenList {
		s.subs[mode][tl.ExchangeType] = appendUnique(s.subs[mode][tl.ExchangeType], tl.Tokens...)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.writeJSON(conn, subscribeRequest("sub", SubscribeAction, mode, tokenList))
}

func appendUnique(dst []string, tokens ...string) []string {
	seen := make(map[string]bool, len(dst))
	for _, t := range dst {
		seen[t] = true
	}
	for _, t := range tokens {
		if !seen[t] {
			dst = append(dst, t)
			seen[t] = true
		}
	}
	return dst
}

func subscribeRequest(correlationID string, action, mode int, tokenList []TokenListEntry) map[string]any {
	return map[string]any{
		"correlationID": correlationID,
		"action":        action,
		"params": map[string]any{
			"mode":      mode,
			"tokenList": tokenList,
		},
	}
}

// resubscribe replays every remembered subscription on conn.
func (s *Stream) resubscribe(conn *websocket.Conn) error {
	s.mu.Lock()
	reqs := make([]map[string]any, 0, len(s.subs))
	for mode, byEx := range s.subs {
		var tl []TokenListEntry
		for ex, toks := range byEx {
			tl = append(tl, TokenListEntry{ExchangeType: ex, Tokens: append([]string(nil), toks...)})
		}
		reqs = append(reqs, subscribeRequest("resub", SubscribeAction, mode, tl))
	}
	s.mu.Unlock()

	for _, req := range reqs {
		if err := s.writeJSON(conn, req); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) writeJSON(conn *websocket.Conn, v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteJSON(v)
}

func (s *Stream) writeText(conn *websocket.Conn, msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Run connects and streams until ctx is done, reconnecting with
// exponential backoff. It returns nil on cancellation and an error once
// MaxRetries consecutive dials have failed.
func (s *Stream) Run(ctx context.Context) error {
	failures := 0
	delay := s.cfg.RetryDelay
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if s.OnDisconnect != nil {
			s.OnDisconnect(err)
		}
		if errors.Is(err, errDial) {
			failures++
		} else {
			failures, delay = 0, s.cfg.RetryDelay
		}
		if s.cfg.MaxRetries > 0 && failures >= s.cfg.MaxRetries {
			return fmt.Errorf("smartapi: stream: max retry attempt reached: %w", err)
		}
		s.log.Warn("stream disconnected, retrying", "error", err, "attempt", failures, "delay", delay)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= time.Duration(s.cfg.RetryMultiplier)
		if delay > s.cfg.MaxRetryDelay {
			delay = s.cfg.MaxRetryDelay
		}
	}
}

var errDial = errors.New("dial failed")

// session runs one connection: dial, resubscribe, then read until error.
func (s *Stream) session(ctx context.Context) error {
	header := http.Header{}
	header.Add("Authorization", s.cfg.AuthToken)
	header.Add("x-api-key", s.cfg.APIKey)
	header.Add("x-client-code", s.cfg.ClientCode)
	header.Add("x-feed-token", s.cfg.FeedToken)

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: %s: %v", errDial, resp.Status, err)
		}
		return fmt.Errorf("%w: %v", errDial, err)
	}
	defer conn.Close()

	if err := s.resubscribe(conn); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.lastPong = time.Now()
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()
	s.log.Info("stream connected", "url", s.cfg.URL)
	if s.OnSubscribed != nil {
		s.OnSubscribed()
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.heartbeat(sctx, conn)
	go func() {
		<-sctx.Done()
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		conn.Close()
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch mt {
		case websocket.BinaryMessage:
			q, err := ParseQuote(msg)
			if err != nil {
				s.log.Debug("packet skipped", "bytes", len(msg), "error", err)
				continue
			}
			if s.OnQuote != nil {
				s.OnQuote(q)
			}
		case websocket.TextMessage:
			if string(msg) == "pong" {
				s.mu.Lock()
				s.lastPong = time.Now()
				s.mu.Unlock()
				continue
			}
			s.log.Debug("control message", "msg", truncate(string(msg), 200))
		}
	}
}

// heartbeat sends "ping" and drops the connection when pongs stop.
func (s *Stream) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			stale := time.Since(s.lastPong) > 3*s.cfg.Heartbeat
			s.mu.Unlock()
			if stale {
				s.log.Warn("no pong, closing connection")
				conn.Close()
				return
			}
			if err := s.writeText(conn, HeartBeatMessage); err != nil {
				s.log.Warn("ping write error", "error", err)
				conn.Close()
				return
			}
		}
	}
}
