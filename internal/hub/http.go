package hub

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alexanvl/spankchain-vynos-sub000/internal/currency"
	"github.com/alexanvl/spankchain-vynos-sub000/internal/metrics"
	"github.com/alexanvl/spankchain-vynos-sub000/pkg/models"
)

// closePendingCode is the hub's application status for "close already
// pending" on an HTTP 409.
const closePendingCode = "CLOSE_PENDING"

// Signer authenticates hub requests. It is the whole wallet-signing surface
// this package knows about.
type Signer interface {
	Address() (string, error)
	Sign(message []byte) ([]byte, error)
}

type HTTPClient struct {
	baseURL string
	http    *http.Client
	signer  Signer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHTTPClient(baseURL string, signer Signer, logger *slog.Logger, m *metrics.Metrics) (*HTTPClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("hub base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("hub base url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		signer:  signer,
		logger:  logger,
		metrics: m,
	}, nil
}

func (c *HTTPClient) GetChannelByPartyA(ctx context.Context) (*models.LedgerChannel, error) {
	return metrics.Timed(c.metrics, "hub.getChannelByPartyA", func() (*models.LedgerChannel, error) {
		address, err := c.signer.Address()
		if err != nil {
			return nil, err
		}
		var channel models.LedgerChannel
		found, err := c.get(ctx, "/channels/a/"+url.PathEscape(address), &channel)
		if err != nil || !found {
			return nil, err
		}
		return &channel, nil
	})
}

func (c *HTTPClient) OpenChannel(ctx context.Context, deposit currency.Amount) (string, error) {
	return metrics.Timed(c.metrics, "hub.openChannel", func() (string, error) {
		var out struct {
			ChannelID string `json:"channel_id"`
		}
		err := c.post(ctx, "/channels", map[string]any{"deposit": deposit}, &out)
		return out.ChannelID, err
	})
}

func (c *HTTPClient) Deposit(ctx context.Context, channelID string, amount currency.Amount) error {
	_, err := metrics.Timed(c.metrics, "hub.deposit", func() (struct{}, error) {
		return struct{}{}, c.post(ctx, "/channels/"+url.PathEscape(channelID)+"/deposit",
			map[string]any{"amount": amount}, nil)
	})
	return err
}

func (c *HTTPClient) RequestHubDeposit(ctx context.Context, channelID string, amount currency.Amount) error {
	_, err := metrics.Timed(c.metrics, "hub.requestHubDeposit", func() (struct{}, error) {
		return struct{}{}, c.post(ctx, "/channels/"+url.PathEscape(channelID)+"/collateral",
			map[string]any{"amount": amount}, nil)
	})
	return err
}

func (c *HTTPClient) OpenThread(ctx context.Context, to string, deposit ThreadDeposit) (*models.VirtualChannel, error) {
	return metrics.Timed(c.metrics, "hub.openThread", func() (*models.VirtualChannel, error) {
		var thread models.VirtualChannel
		err := c.post(ctx, "/threads", map[string]any{"to": to, "deposit": deposit}, &thread)
		if err != nil {
			return nil, err
		}
		return &thread, nil
	})
}

func (c *HTTPClient) GetThreadByID(ctx context.Context, threadID string) (*models.VirtualChannel, error) {
	return metrics.Timed(c.metrics, "hub.getThreadById", func() (*models.VirtualChannel, error) {
		var thread models.VirtualChannel
		found, err := c.get(ctx, "/threads/"+url.PathEscape(threadID), &thread)
		if err != nil || !found {
			return nil, err
		}
		return &thread, nil
	})
}

func (c *HTTPClient) CloseThreads(ctx context.Context, threadIDs []string) error {
	if len(threadIDs) == 0 {
		return nil
	}
	_, err := metrics.Timed(c.metrics, "hub.closeThreads", func() (struct{}, error) {
		return struct{}{}, c.post(ctx, "/threads/close", map[string]any{"thread_ids": threadIDs}, nil)
	})
	return err
}

func (c *HTTPClient) CloseChannel(ctx context.Context, channelID string) error {
	_, err := metrics.Timed(c.metrics, "hub.closeChannel", func() (struct{}, error) {
		err := c.post(ctx, "/channels/"+url.PathEscape(channelID)+"/close", map[string]any{}, nil)
		var status *StatusError
		if errors.As(err, &status) && status.Code == http.StatusConflict &&
			strings.Contains(status.Body, closePendingCode) {
			return struct{}{}, ErrClosePending
		}
		return struct{}{}, err
	})
	return err
}

func (c *HTTPClient) UpdateBalances(ctx context.Context, updates []models.BalanceUpdate) error {
	_, err := metrics.Timed(c.metrics, "hub.updateBalances", func() (struct{}, error) {
		return struct{}{}, c.post(ctx, "/updates", map[string]any{"updates": updates}, nil)
	})
	return err
}

func (c *HTTPClient) GetExchangeRate(ctx context.Context) (models.ExchangeRate, error) {
	return metrics.Timed(c.metrics, "hub.getExchangeRate", func() (models.ExchangeRate, error) {
		var rate models.ExchangeRate
		found, err := c.get(ctx, "/exchange-rate", &rate)
		if err != nil {
			return models.ExchangeRate{}, err
		}
		if !found {
			return models.ExchangeRate{}, &StatusError{Code: http.StatusNotFound, Body: "exchange rate unavailable"}
		}
		return rate, nil
	})
}

func (c *HTTPClient) GetLoadLimit(ctx context.Context) (currency.Amount, error) {
	return metrics.Timed(c.metrics, "hub.getLoadLimit", func() (currency.Amount, error) {
		var out struct {
			Limit currency.Amount `json:"limit"`
		}
		found, err := c.get(ctx, "/load-limit", &out)
		if err != nil {
			return currency.Amount{}, err
		}
		if !found {
			return currency.Amount{}, &StatusError{Code: http.StatusNotFound, Body: "load limit unavailable"}
		}
		return out.Limit, nil
	})
}

// get returns found=false on 404 so callers can distinguish absence from
// failure.
func (c *HTTPClient) get(ctx context.Context, path string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := checkStatus(resp); err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	return true, json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// do signs the request: the hub authenticates the caller by address and a
// signature over method, path and a timestamp.
func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	address, err := c.signer.Address()
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := c.signer.Sign([]byte(req.Method + " " + req.URL.Path + " " + ts))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vynos-Address", address)
	req.Header.Set("X-Vynos-Timestamp", ts)
	req.Header.Set("X-Vynos-Signature", hex.EncodeToString(sig))

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("hub request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		return nil, err
	}
	c.logger.Debug("hub request",
		"method", req.Method, "path", req.URL.Path,
		"status", resp.StatusCode, "latency_ms", time.Since(started).Milliseconds())
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
