// Package okx implements the Exchange REST client against OKX's v5 API:
// signed ticker, candle, position, order-history, fill and balance reads.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"aitrader/internal/config"
	"aitrader/internal/core"
	"aitrader/internal/exchange/base"
	apperrors "aitrader/pkg/errors"
	httpclient "aitrader/pkg/http"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const defaultOKXURL = "https://www.okx.com"

// Client implements core.IExchange against OKX's REST API. Transport
// resilience (retry + circuit breaker on 5xx/429) is delegated to
// pkg/http.Client; BaseAdapter is kept for its decimal/timestamp parsing
// helpers. The volatility poller runs its own loop and does not use it.
type Client struct {
	*base.BaseAdapter
	http    *httpclient.Client
	limiter *rate.Limiter
}

// signer adapts Client's HMAC signing to httpclient.Signer.
type signer struct {
	apiKey, secretKey, passphrase string
	simulated                    bool
}

// SignRequest adds OKX's HMAC-SHA256 authentication headers to the request.
// Every request this client sends is a signed GET with an empty body, so the
// signed message is always timestamp+method+path (no body component).
func (s signer) SignRequest(req *http.Request) error {
	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	path := req.URL.Path
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	message := timestamp + req.Method + path

	mac := hmac.New(sha256.New, []byte(s.secretKey))
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("OK-ACCESS-KEY", s.apiKey)
	req.Header.Set("OK-ACCESS-SIGN", signature)
	req.Header.Set("OK-ACCESS-TIMESTAMP", timestamp)
	req.Header.Set("OK-ACCESS-PASSPHRASE", s.passphrase)
	req.Header.Set("Content-Type", "application/json")
	if s.simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	return nil
}

// New creates a new OKX REST client.
func New(cfg *config.ExchangeConfig, logger core.ILogger) (*Client, error) {
	if cfg.BaseURL != "" && !strings.HasPrefix(cfg.BaseURL, "https://") {
		if !strings.Contains(cfg.BaseURL, "127.0.0.1") && !strings.Contains(cfg.BaseURL, "localhost") {
			return nil, fmt.Errorf("okx base URL must start with https://: %s", cfg.BaseURL)
		}
	}

	base_ := base.NewBaseAdapter("okx", cfg, logger)

	sgn := signer{
		apiKey:     string(cfg.APIKey),
		secretKey:  string(cfg.SecretKey),
		passphrase: string(cfg.Passphrase),
		simulated:  cfg.UseSimulated,
	}

	c := &Client{
		BaseAdapter: base_,
		http:        httpclient.NewClient(baseURLOrDefault(cfg.BaseURL), 10*time.Second, sgn),
		// OKX's public rate-limit tiers bottom out around 20 req/2s per
		// endpoint category; 8 req/s with a small burst keeps every
		// tracked-instrument poll well under that without per-endpoint
		// bookkeeping.
		limiter: rate.NewLimiter(rate.Limit(8), 16),
	}

	return c, nil
}

func baseURLOrDefault(u string) string {
	if u != "" {
		return u
	}
	return defaultOKXURL
}

// parseError maps OKX's error-code taxonomy onto the sentinel errors in
// pkg/errors, leaving anything unrecognized as an opaque business error.
func (c *Client) parseError(body []byte) error {
	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("okx error (unmarshal failed): %s", string(body))
	}

	switch resp.Code {
	case "0":
		return nil
	case "50004", "50011", "50027":
		return apperrors.ErrInvalidOrderParameter
	case "50005", "50013":
		return apperrors.ErrAuthenticationFailed
	case "50014":
		return apperrors.ErrRateLimitExceeded
	case "50001":
		return apperrors.ErrSystemOverload
	case "51401":
		return apperrors.ErrOrderNotFound
	}

	return fmt.Errorf("okx error: %s (%s)", resp.Msg, resp.Code)
}

// get executes a rate-limited GET against OKX and unmarshals the envelope's
// `data` field into out. Transport-level retry (5xx/429) and the circuit
// breaker live in c.http; business-error mapping happens below against the
// 200-wrapped `{code,msg,data}` envelope OKX always returns.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	body, err := c.http.Get(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("okx request: %w", err)
	}

	var envelope struct {
		Code string          `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("okx response decode: %w", err)
	}
	if envelope.Code != "0" {
		return c.parseError(body)
	}
	return json.Unmarshal(envelope.Data, out)
}

// GetTicker fetches the latest price for an instrument.
func (c *Client) GetTicker(ctx context.Context, inst core.Instrument) (*core.Ticker, error) {
	var rows []struct {
		InstID string `json:"instId"`
		Last   string `json:"last"`
		Ts     string `json:"ts"`
	}
	if err := c.get(ctx, "/api/v5/market/ticker?instId="+string(inst), &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx: no ticker data for %s", inst)
	}
	ts, _ := strconv.ParseInt(rows[0].Ts, 10, 64)
	return &core.Ticker{
		Inst:      inst,
		Last:      c.ParseDecimal(rows[0].Last),
		Timestamp: c.ParseTimestamp(ts),
	}, nil
}

// GetCandles fetches the most recent OHLCV bars for an instrument.
func (c *Client) GetCandles(ctx context.Context, inst core.Instrument, bar string, limit int) ([]core.Candle, error) {
	var rows [][]string
	path := fmt.Sprintf("/api/v5/market/candles?instId=%s&bar=%s&limit=%d", inst, bar, limit)
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}

	candles := make([]core.Candle, 0, len(rows))
	for _, r := range rows {
		if len(r) < 6 {
			continue
		}
		ts, _ := strconv.ParseInt(r[0], 10, 64)
		candles = append(candles, core.Candle{
			Inst:      inst,
			Open:      c.ParseDecimal(r[1]),
			High:      c.ParseDecimal(r[2]),
			Low:       c.ParseDecimal(r[3]),
			Close:     c.ParseDecimal(r[4]),
			Volume:    c.ParseDecimal(r[5]),
			Timestamp: c.ParseTimestamp(ts),
		})
	}
	return candles, nil
}

// GetPositions fetches open positions for an instrument (empty inst fetches
// all positions).
func (c *Client) GetPositions(ctx context.Context, inst core.Instrument) ([]core.Position, error) {
	var rows []struct {
		InstID  string `json:"instId"`
		PosSide string `json:"posSide"`
		Pos     string `json:"pos"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Margin  string `json:"margin"`
		MgnMode string `json:"mgnMode"`
		Upl     string `json:"upl"`
	}
	path := "/api/v5/account/positions"
	if inst != "" {
		path += "?instId=" + string(inst)
	}
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}

	// OKX's position response carries no field for our internal order id:
	// EntryOrdID is intentionally left blank here. The reconciler backfills
	// it from the agent's own order_event stream when it can, and forced-exit
	// eligibility does not depend on it (spec 4.G, 8 S4).
	positions := make([]core.Position, 0, len(rows))
	for _, r := range rows {
		size := c.ParseDecimal(r.Pos)
		if size.IsZero() {
			continue
		}
		positions = append(positions, core.Position{
			Inst:          core.Instrument(r.InstID),
			PosSide:       core.PosSide(r.PosSide),
			TdMode:        r.MgnMode,
			Size:          size,
			EntryPrice:    c.ParseDecimal(r.AvgPx),
			MarkPx:        c.ParseDecimal(r.MarkPx),
			Margin:        c.ParseDecimal(r.Margin),
			UnrealizedPnL: c.ParseDecimal(r.Upl),
			IsOpen:        true,
			UpdatedAt:     time.Now(),
		})
	}
	return positions, nil
}

// GetOrderHistory fetches historical orders for an instrument created at or
// after since.
func (c *Client) GetOrderHistory(ctx context.Context, inst core.Instrument, since time.Time) ([]core.Order, error) {
	var rows []struct {
		OrdID     string `json:"ordId"`
		ClOrdID   string `json:"clOrdId"`
		InstID    string `json:"instId"`
		PosSide   string `json:"posSide"`
		Side      string `json:"side"`
		OrdType   string `json:"ordType"`
		TdMode    string `json:"tdMode"`
		Lever     string `json:"lever"`
		Px        string `json:"px"`
		Sz        string `json:"sz"`
		AccFillSz string `json:"accFillSz"`
		State     string `json:"state"`
		CTime     string `json:"cTime"`
		UTime     string `json:"uTime"`
	}
	path := fmt.Sprintf("/api/v5/trade/orders-history?instType=SWAP&instId=%s", inst)
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}

	orders := make([]core.Order, 0, len(rows))
	for _, r := range rows {
		cTime, _ := strconv.ParseInt(r.CTime, 10, 64)
		uTime, _ := strconv.ParseInt(r.UTime, 10, 64)
		createdAt := c.ParseTimestamp(cTime)
		if createdAt.Before(since) {
			continue
		}
		orders = append(orders, core.Order{
			OrdID:       r.OrdID,
			ClOrdID:     r.ClOrdID,
			Inst:        core.Instrument(r.InstID),
			PosSide:     core.PosSide(r.PosSide),
			Side:        core.OrderSide(r.Side),
			Type:        core.OrderType(r.OrdType),
			TdMode:      r.TdMode,
			Leverage:    c.ParseDecimal(r.Lever),
			Price:       c.ParseDecimal(r.Px),
			Size:        c.ParseDecimal(r.Sz),
			FilledSize:  c.ParseDecimal(r.AccFillSz),
			Status:      core.OrderStatus(r.State),
			Source:      "exchange_sync",
			CreatedAt:   createdAt,
			UpdatedAt:   c.ParseTimestamp(uTime),
			LastEventAt: c.ParseTimestamp(uTime),
		})
	}
	return orders, nil
}

// GetFills fetches trade fills for an instrument at or after since.
func (c *Client) GetFills(ctx context.Context, inst core.Instrument, since time.Time) ([]core.Trade, error) {
	var rows []struct {
		OrdID   string `json:"ordId"`
		TradeID string `json:"tradeId"`
		InstID  string `json:"instId"`
		Side    string `json:"side"`
		FillPx  string `json:"fillPx"`
		FillSz  string `json:"fillSz"`
		Fee     string `json:"fee"`
		FeeCcy  string `json:"feeCcy"`
		Ts      string `json:"ts"`
	}
	path := fmt.Sprintf("/api/v5/trade/fills?instType=SWAP&instId=%s", inst)
	if err := c.get(ctx, path, &rows); err != nil {
		return nil, err
	}

	trades := make([]core.Trade, 0, len(rows))
	for _, r := range rows {
		ts, _ := strconv.ParseInt(r.Ts, 10, 64)
		tradeTs := c.ParseTimestamp(ts)
		if tradeTs.Before(since) {
			continue
		}
		trades = append(trades, core.Trade{
			OrdID:     r.OrdID,
			TradeID:   r.TradeID,
			Inst:      core.Instrument(r.InstID),
			Side:      core.OrderSide(r.Side),
			Price:     c.ParseDecimal(r.FillPx),
			Size:      c.ParseDecimal(r.FillSz),
			Fee:       c.ParseDecimal(r.Fee),
			FeeAsset:  r.FeeCcy,
			Timestamp: tradeTs,
		})
	}
	return trades, nil
}

// GetBalance fetches the account equity/available figures for an asset.
func (c *Client) GetBalance(ctx context.Context, asset string) (*core.BalanceSnapshot, error) {
	var rows []struct {
		TotalEq string `json:"totalEq"`
		Details []struct {
			Ccy     string `json:"ccy"`
			Eq      string `json:"eq"`
			AvailEq string `json:"availEq"`
		} `json:"details"`
	}
	if err := c.get(ctx, "/api/v5/account/balance?ccy="+asset, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("okx: no balance data for %s", asset)
	}

	var eq, avail decimal.Decimal
	for _, d := range rows[0].Details {
		if d.Ccy == asset {
			eq = c.ParseDecimal(d.Eq)
			avail = c.ParseDecimal(d.AvailEq)
			break
		}
	}
	if eq.IsZero() {
		eq = c.ParseDecimal(rows[0].TotalEq)
		avail = eq
	}

	return &core.BalanceSnapshot{
		Asset:     asset,
		Equity:    eq,
		Available: avail,
		Timestamp: time.Now(),
	}, nil
}
