package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/jacklefroy/liquid-abt-sub002/internal/faults"
	"github.com/jacklefroy/liquid-abt-sub002/internal/pricing"
)

const (
	tickerPath      = "/v1/ticker/"
	ordersPath      = "/v1/orders"
	withdrawalsPath = "/v1/withdrawals"
)

// Options parameterise the REST client.
type Options struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Source    string
	Timeout   time.Duration
	UserAgent string
}

// Client is the HTTP exchange adapter.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewClient constructs a REST exchange client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Source == "" {
		opts.Source = "exchange"
	}

	return &Client{
		opts:    opts,
		logger:  logger.With().Str("component", "exchange_client").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		now:     time.Now,
	}
}

// GetCurrentPrice fetches the instrument's last traded price.
func (c *Client) GetCurrentPrice(ctx context.Context, instrument string) (pricing.Observation, error) {
	if instrument == "" {
		return pricing.Observation{}, faults.New(faults.KindValidation, "instrument required")
	}

	var res tickerResponse
	if err := c.do(ctx, http.MethodGet, tickerPath+instrument, nil, &res); err != nil {
		return pricing.Observation{}, err
	}

	price, err := decimal.NewFromString(res.LastPrice)
	if err != nil {
		return pricing.Observation{}, fmt.Errorf("parse ticker price: %w", err)
	}
	if price.Sign() <= 0 {
		return pricing.Observation{}, errors.New("exchange returned non-positive price")
	}

	return pricing.Observation{
		Instrument: instrument,
		Price:      price,
		Source:     c.opts.Source,
		Timestamp:  c.now().UTC(),
	}, nil
}

// CreateMarketOrder places a fiat-denominated market order.
func (c *Client) CreateMarketOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	if req.FiatValue.Sign() <= 0 {
		return OrderResult{}, faults.New(faults.KindValidation, "order fiat value must be positive")
	}
	side := req.Side
	if side == "" {
		side = "buy"
	}

	payload := orderPayload{
		Side:       side,
		Instrument: req.Instrument,
		Type:       "market",
		FiatValue:  req.FiatValue.String(),
		Currency:   req.Currency,
	}

	var res orderResponse
	raw, err := c.doRaw(ctx, http.MethodPost, ordersPath, payload, &res)
	if err != nil {
		return OrderResult{}, err
	}

	filled, err := decimal.NewFromString(nonEmpty(res.FilledAmount, "0"))
	if err != nil {
		return OrderResult{}, fmt.Errorf("parse filled amount: %w", err)
	}
	avgPrice, err := decimal.NewFromString(nonEmpty(res.AveragePrice, "0"))
	if err != nil {
		return OrderResult{}, fmt.Errorf("parse average price: %w", err)
	}

	result := OrderResult{
		OrderID:      res.OrderID,
		Status:       res.Status,
		FilledAmount: filled,
		AveragePrice: avgPrice,
		Fees:         res.Fees,
		Raw:          raw,
	}

	c.logger.Info().
		Str("order_id", result.OrderID).
		Str("status", result.Status).
		Str("instrument", req.Instrument).
		Str("fiat_value", req.FiatValue.String()).
		Msg("market order placed")

	return result, nil
}

// Withdraw requests an asset withdrawal to an external address.
func (c *Client) Withdraw(ctx context.Context, req WithdrawalRequest) (WithdrawalResult, error) {
	if req.Address == "" {
		return WithdrawalResult{}, faults.New(faults.KindValidation, "withdrawal address required")
	}
	if req.Amount.Sign() <= 0 {
		return WithdrawalResult{}, faults.New(faults.KindValidation, "withdrawal amount must be positive")
	}

	payload := withdrawalPayload{
		Currency: req.Currency,
		Amount:   req.Amount.String(),
		Address:  req.Address,
	}

	var res withdrawalResponse
	if err := c.do(ctx, http.MethodPost, withdrawalsPath, payload, &res); err != nil {
		return WithdrawalResult{}, err
	}

	return WithdrawalResult{
		WithdrawalID: res.WithdrawalID,
		Status:       res.Status,
		Fees:         res.Fees,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	_, err := c.doRaw(ctx, method, path, payload, out)
	return err
}

func (c *Client) doRaw(ctx context.Context, method, path string, payload, out any) (json.RawMessage, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = encoded
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	c.sign(req, body)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.External(0, "exchange request failed", err)
	}
	defer resp.Body.Close()

	payloadBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.External(resp.StatusCode, "read exchange response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseAPIError(resp.StatusCode, payloadBytes)
	}

	if out != nil {
		if err := json.Unmarshal(payloadBytes, out); err != nil {
			return nil, fmt.Errorf("decode exchange response: %w", err)
		}
	}
	return json.RawMessage(payloadBytes), nil
}

// sign authenticates the request with the API key and an HMAC-SHA256 of
// nonce + method + path + body.
func (c *Client) sign(req *http.Request, body []byte) {
	if c.opts.APIKey == "" || c.opts.APISecret == "" {
		return
	}

	nonce := strconv.FormatInt(c.now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, []byte(c.opts.APISecret))
	mac.Write([]byte(nonce))
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.URL.Path))
	mac.Write(body)

	req.Header.Set("X-Api-Key", c.opts.APIKey)
	req.Header.Set("X-Api-Nonce", nonce)
	req.Header.Set("X-Api-Signature", hex.EncodeToString(mac.Sum(nil)))
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func parseAPIError(status int, payload []byte) error {
	var apiErr apiError
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Message != "" {
		return faults.External(status, apiErr.Message, nil)
	}
	if len(payload) > 0 {
		return faults.External(status, strings.TrimSpace(string(payload)), nil)
	}
	return faults.External(status, fmt.Sprintf("exchange error (%d)", status), nil)
}

func nonEmpty(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

type tickerResponse struct {
	Instrument string `json:"instrument"`
	LastPrice  string `json:"lastPrice"`
	BidPrice   string `json:"bidPrice"`
	AskPrice   string `json:"askPrice"`
}

type orderPayload struct {
	Side       string `json:"side"`
	Instrument string `json:"instrument"`
	Type       string `json:"type"`
	FiatValue  string `json:"fiatValue"`
	Currency   string `json:"currency"`
}

type orderResponse struct {
	OrderID      string `json:"orderId"`
	Status       string `json:"status"`
	FilledAmount string `json:"filledAmount"`
	AveragePrice string `json:"averagePrice"`
	Fees         []Fee  `json:"fees"`
}

type withdrawalPayload struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
	Address  string `json:"address"`
}

type withdrawalResponse struct {
	WithdrawalID string `json:"withdrawalId"`
	Status       string `json:"status"`
	Fees         []Fee  `json:"fees"`
}

var _ Adapter = (*Client)(nil)
