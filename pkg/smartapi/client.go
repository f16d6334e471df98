// Package smartapi is a client for the Angel One SmartAPI.
//
// It covers the REST calls an intraday options runtime needs (login, orders,
// positions, historical candles, LTP and the scrip master) and the
// SmartStream WebSocket feed.
//
// Usage example:
//
//	c := smartapi.NewClient(smartapi.Config{APIKey: "your_api_key"})
//	sess, err := c.Login(ctx, "CLIENTID", "PIN", "123456")
//	if err != nil { return err }
//	orderID, err := c.PlaceOrder(ctx, smartapi.OrderParams{
//	    Variety: "NORMAL", TradingSymbol: "NIFTY29OCT2625000CE", SymbolToken: "45001",
//	    TransactionType: "BUY", Exchange: "NFO", OrderType: "MARKET",
//	    ProductType: "INTRADAY", Duration: "DAY", Quantity: "75",
//	})
package smartapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	defaultRoot        = "https://apiconnect.angelone.in"
	defaultScripMaster = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"
)

var routes = map[string]string{
	"api.login":        "/rest/auth/angelbroking/user/v1/loginByPassword",
	"api.logout":       "/rest/secure/angelbroking/user/v1/logout",
	"api.token":        "/rest/auth/angelbroking/jwt/v1/generateTokens",
	"api.user.profile": "/rest/secure/angelbroking/user/v1/getProfile",

	"api.order.place": "/rest/secure/angelbroking/order/v1/placeOrder",
	"api.order.book":  "/rest/secure/angelbroking/order/v1/getOrderBook",
	"api.ltp.data":    "/rest/secure/angelbroking/order/v1/getLtpData",
	"api.position":    "/rest/secure/angelbroking/order/v1/getPosition",

	"api.candle.data": "/rest/secure/angelbroking/historical/v1/getCandleData",
}

// ErrTokenExpired is returned when the API rejects the session token.
var ErrTokenExpired = errors.New("smartapi: session token expired")

// APIError is an unsuccessful SmartAPI response.
type APIError struct {
	HTTPStatus int
	Code       string // errorcode or error_type
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("smartapi: %s: %s (http %d)", e.Code, e.Message, e.HTTPStatus)
}

// Config configures a Client.
type Config struct {
	APIKey         string
	RootURL        string // default: https://apiconnect.angelone.in
	ScripMasterURL string // default: the public OpenAPIScripMaster.json
	Timeout        time.Duration
	UserType       string // default: USER
	SourceID       string // default: WEB
	ClientPublicIP string // default 106.193.147.98
	ClientLocalIP  string // default resolved, else 127.0.0.1
	ClientMAC      string // default from interface MAC
	HTTPClient     *http.Client
}

// Session holds the tokens returned by Login.
type Session struct {
	ClientCode   string
	JWTToken     string
	RefreshToken string
	FeedToken    string
}

// Client is a SmartAPI REST client. It is safe for concurrent use.
type Client struct {
	apiKey         string
	rootURL        string
	scripMasterURL string
	userType       string
	sourceID       string
	clientPublicIP string
	clientLocalIP  string
	clientMAC      string
	httpClient     *http.Client
	bulkClient     *http.Client // no client timeout; bounded by ctx
	log            *slog.Logger

	mu      sync.RWMutex
	session Session

	// SessionExpiryHook is called when a request fails with a 403
	// TokenException (optional).
	SessionExpiryHook func()
}

// NewClient creates a client. No network calls are made.
func NewClient(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.ScripMasterURL == "" {
		cfg.ScripMasterURL = defaultScripMaster
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	if cfg.UserType == "" {
		cfg.UserType = "USER"
	}
	if cfg.SourceID == "" {
		cfg.SourceID = "WEB"
	}
	if cfg.ClientLocalIP == "" {
		ip, err := LocalIP()
		cfg.ClientLocalIP = firstNonEmpty(ip, "127.0.0.1")
		if err != nil {
			slog.Debug("smartapi: local ip unavailable", "error", err)
		}
	}
	cfg.ClientPublicIP = firstNonEmpty(cfg.ClientPublicIP, "106.193.147.98")
	if cfg.ClientMAC == "" {
		cfg.ClientMAC = macFallback()
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		apiKey:         cfg.APIKey,
		rootURL:        strings.TrimRight(cfg.RootURL, "/"),
		scripMasterURL: cfg.ScripMasterURL,
		userType:       cfg.UserType,
		sourceID:       cfg.SourceID,
		clientPublicIP: cfg.ClientPublicIP,
		clientLocalIP:  cfg.ClientLocalIP,
		clientMAC:      cfg.ClientMAC,
		httpClient:     hc,
		bulkClient:     &http.Client{Transport: hc.Transport},
		log:            slog.Default().With(slog.String("component", "smartapi")),
	}
}

// LocalIP finds the first non-loopback IPv4 address.
func LocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, address := range addrs {
		if ipNet, ok := address.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no local IP found")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func macFallback() string {
	ifs, _ := net.Interfaces()
	for _, ifc := range ifs {
		if len(ifc.HardwareAddr) > 0 {
			return ifc.HardwareAddr.String()
		}
	}
	return "00:11:22:33:44:55"
}

// Session returns the current session tokens.
func (c *Client) Session() Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// SetSession installs tokens obtained elsewhere.
func (c *Client) SetSession(s Session) {
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
}

// APIKey returns the configured API key (the feed needs it).
func (c *Client) APIKey() string { return c.apiKey }

// ---- Transport ----

// envelope is the common SmartAPI response wrapper.
type envelope struct {
	Status    bool            `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"errorcode"`
	ErrorType string          `json:"error_type"`
	Data      json.RawMessage `json:"data"`
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Accept", "application/json")
	h.Set("X-ClientLocalIP", c.clientLocalIP)
	h.Set("X-ClientPublicIP", c.clientPublicIP)
	h.Set("X-MACAddress", c.clientMAC)
	h.Set("X-PrivateKey", c.apiKey)
	h.Set("X-UserType", c.userType)
	h.Set("X-SourceID", c.sourceID)
	if tok := c.Session().JWTToken; tok != "" {
		h.Set("Authorization", "Bearer "+tok)
	}
	return h
}

// do sends params as JSON (POST) or no body (GET) and decodes the data
// field of the response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, route string, params any, out any) error {
	uri, ok := routes[route]
	if !ok {
		return fmt.Errorf("smartapi: unknown route: %s", route)
	}
	var body io.Reader
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("smartapi: encode %s: %w", route, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.rootURL+uri, body)
	if err != nil {
		return err
	}
	req.Header = c.headers()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("smartapi: %s: %w", route, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("smartapi: %s: read body: %w", route, err)
	}
	c.log.Debug("response", "route", route, "status", resp.StatusCode, "bytes", len(raw))

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return &APIError{HTTPStatus: resp.StatusCode, Code: "BAD_RESPONSE", Message: truncate(string(raw), 200)}
	}
	if env.ErrorType != "" {
		if resp.StatusCode == http.StatusForbidden && env.ErrorType == "TokenException" {
			if c.SessionExpiryHook != nil {
				c.SessionExpiryHook()
			}
			return fmt.Errorf("%w: %s", ErrTokenExpired, env.Message)
		}
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.ErrorType, Message: env.Message}
	}
	if !env.Status || resp.StatusCode >= 400 {
		return &APIError{HTTPStatus: resp.StatusCode, Code: env.ErrorCode, Message: env.Message}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("smartapi: %s: decode data: %w", route, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ---- Auth ----

// Login exchanges credentials and a TOTP code for a session and keeps the
// tokens for subsequent calls.
func (c *Client) Login(ctx context.Context, clientCode, password, totp string) (Session, error) {
	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	params := map[string]string{"clientcode": clientCode, "password": password, "totp": totp}
	if err := c.do(ctx, http.MethodPost, "api.login", params, &data); err != nil {
		return Session{}, fmt.Errorf("smartapi: login: %w", err)
	}
	if data.JWTToken == "" {
		return Session{}, errors.New("smartapi: login: empty jwt token")
	}
	s := Session{
		ClientCode:   clientCode,
		JWTToken:     data.JWTToken,
		RefreshToken: data.RefreshToken,
		FeedToken:    data.FeedToken,
	}
	c.SetSession(s)
	c.log.Info("logged in", "client_code", clientCode)
	return s, nil
}

// RenewSession refreshes the jwt and feed tokens with the refresh token.
func (c *Client) RenewSession(ctx context.Context) (Session, error) {
	s := c.Session()
	var data struct {
		JWTToken     string `json:"jwtToken"`
		RefreshToken string `json:"refreshToken"`
		FeedToken    string `json:"feedToken"`
	}
	if err := c.do(ctx, http.MethodPost, "api.token", map[string]string{"refreshToken": s.RefreshToken}, &data); err != nil {
		return s, fmt.Errorf("smartapi: renew: %w", err)
	}
	s.JWTToken = firstNonEmpty(data.JWTToken, s.JWTToken)
	s.RefreshToken = firstNonEmpty(data.RefreshToken, s.RefreshToken)
	s.FeedToken = firstNonEmpty(data.FeedToken, s.FeedToken)
	c.SetSession(s)
	return s, nil
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "api.logout", map[string]string{"clientcode": c.Session().ClientCode}, nil)
}

// ---- Orders & positions ----

// OrderParams is a placeOrder request. Quantity is a string on the wire.
type OrderParams struct {
	Variety         string `json:"variety"`
	TradingSymbol   string `json:"tradingsymbol"`
	SymbolToken     string `json:"symboltoken"`
	TransactionType string `json:"transactiontype"`
	Exchange        string `json:"exchange"`
	OrderType       string `json:"ordertype"`
	ProductType     string `json:"producttype"`
	Duration        string `json:"duration"`
	Price           string `json:"price,omitempty"`
	Quantity        string `json:"quantity"`
}

// PlaceOrder places an order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	var data struct {
		OrderID       string `json:"orderid"`
		UniqueOrderID string `json:"uniqueorderid"`
	}
	if err := c.do(ctx, http.MethodPost, "api.order.place", p, &data); err != nil {
		return "", fmt.Errorf("smartapi: place order: %w", err)
	}
	if data.OrderID == "" {
		return "", errors.New("smartapi: place order: empty order id")
	}
	return data.OrderID, nil
}

// PositionRow is one row of the getPosition report. Numbers are strings on
// the wire.
type PositionRow struct {
	Exchange      string `json:"exchange"`
	SymbolToken   string `json:"symboltoken"`
	TradingSymbol string `json:"tradingsymbol"`
	ProductType   string `json:"producttype"`
	NetQty        string `json:"netqty"`
	LTP           string `json:"ltp"`
}

// Positions returns the day's net positions. An empty book is returned as
// an empty slice.
func (c *Client) Positions(ctx context.Context) ([]PositionRow, error) {
	var rows []PositionRow
	if err := c.do(ctx, http.MethodGet, "api.position", nil, &rows); err != nil {
		return nil, fmt.Errorf("smartapi: positions: %w", err)
	}
	return rows, nil
}

// ---- Market data ----

// LTP returns the last traded price in rupees.
func (c *Client) LTP(ctx context.Context, exchange, tradingSymbol, token string) (float64, error) {
	var data struct {
		LTP float64 `json:"ltp"`
	}
	params := map[string]string{"exchange": exchange, "tradingsymbol": tradingSymbol, "symboltoken": token}
	if err := c.do(ctx, http.MethodPost, "api.ltp.data", params, &data); err != nil {
		return 0, fmt.Errorf("smartapi: ltp %s: %w", tradingSymbol, err)
	}
	return data.LTP, nil
}

// CandleParams is a getCandleData request. FromDate/ToDate use the layout
// "2006-01-02 15:04" in IST.
type CandleParams struct {
	Exchange    string `json:"exchange"`
	SymbolToken string `json:"symboltoken"`
	Interval    string `json:"interval"`
	FromDate    string `json:"fromdate"`
	ToDate      string `json:"todate"`
}

// CandleRow is [timestamp, open, high, low, close, volume] as returned by
// the API, prices in rupees.
type CandleRow struct {
	TS     time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// UnmarshalJSON decodes the positional array form.
func (r *CandleRow) UnmarshalJSON(b []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	if len(arr) < 6 {
		return fmt.Errorf("smartapi: candle row has %d fields", len(arr))
	}
	var ts string
	if err := json.Unmarshal(arr[0], &ts); err != nil {
		return fmt.Errorf("smartapi: candle timestamp: %w", err)
	}
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("smartapi: candle timestamp: %w", err)
	}
	r.TS = t
	var vol float64
	for i, dst := range []*float64{&r.Open, &r.High, &r.Low, &r.Close, &vol} {
		if err := json.Unmarshal(arr[i+1], dst); err != nil {
			return fmt.Errorf("smartapi: candle field %d: %w", i+1, err)
		}
	}
	r.Volume = int64(vol)
	return nil
}

// CandleData returns historical candles oldest first.
func (c *Client) CandleData(ctx context.Context, p CandleParams) ([]CandleRow, error) {
	var rows []CandleRow
	if err := c.do(ctx, http.MethodPost, "api.candle.data", p, &rows); err != nil {
		return nil, fmt.Errorf("smartapi: candles %s: %w", p.SymbolToken, err)
	}
	return rows, nil
}

// ScripRow is one contract of the public scrip master. Strike is quoted in
// paise (rupees x 100) and expiry as e.g. "28OCT2026".
type ScripRow struct {
	Token          string `json:"token"`
	Symbol         string `json:"symbol"`
	Name           string `json:"name"`
	Expiry         string `json:"expiry"`
	Strike         string `json:"strike"`
	LotSize        string `json:"lotsize"`
	InstrumentType string `json:"instrumenttype"`
	ExchSeg        string `json:"exch_seg"`
	TickSize       string `json:"tick_size"`
}

// ScripMaster downloads the full contract list. The file is large; callers
// should cache it per day.
func (c *Client) ScripMaster(ctx context.Context) ([]ScripRow, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.scripMasterURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.bulkClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("smartapi: scrip master: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{HTTPStatus: resp.StatusCode, Code: "SCRIP_MASTER", Message: resp.Status}
	}
	var rows []ScripRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("smartapi: scrip master: decode: %w", err)
	}
	c.log.Info("scrip master loaded", "rows", len(rows))
	return rows, nil
}
