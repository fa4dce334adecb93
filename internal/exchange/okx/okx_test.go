package okx

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"aitrader/internal/config"
	"aitrader/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	cfg := &config.ExchangeConfig{
		APIKey:     "key",
		SecretKey:  "secret",
		Passphrase: "pass",
		BaseURL:    server.URL,
	}
	c, err := New(cfg, logger)
	require.NoError(t, err)
	return c
}

func TestGetTicker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("OK-ACCESS-SIGN"))
		w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","last":"100801.5","ts":"1700000000000"}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	ticker, err := c.GetTicker(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, "100801.5", ticker.Last.String())
}

func TestGetPositions_SkipsZeroSize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"instId":"BTC-USDT-SWAP","posSide":"long","pos":"1.5","avgPx":"30000","upl":"10"},
			{"instId":"ETH-USDT-SWAP","posSide":"long","pos":"0","avgPx":"0","upl":"0"}
		]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	positions, err := c.GetPositions(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC-USDT-SWAP", string(positions[0].Inst))
}

func TestGetOrderHistory_FiltersBySince(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"0","msg":"","data":[
			{"ordId":"O1","instId":"BTC-USDT-SWAP","side":"buy","ordType":"limit","px":"30000","sz":"1","accFillSz":"1","state":"filled","cTime":"1000","uTime":"1000"},
			{"ordId":"O2","instId":"BTC-USDT-SWAP","side":"sell","ordType":"limit","px":"31000","sz":"1","accFillSz":"1","state":"filled","cTime":"50000000000","uTime":"50000000000"}
		]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	orders, err := c.GetOrderHistory(context.Background(), "BTC-USDT-SWAP", time.UnixMilli(1000))
	require.NoError(t, err)
	require.Len(t, orders, 2)
}

func TestParseError_MapsRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"50014","msg":"too many requests","data":[]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server)
	_, err := c.GetTicker(context.Background(), "BTC-USDT-SWAP")
	require.Error(t, err)
}
