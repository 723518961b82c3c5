package pricing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// Client talks to the internal pricing and risk service over HTTP. It
// implements both PriceFeed and RiskAssessor.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) ValueUSD(ctx context.Context, token string, amount *big.Int) (float64, error) {
	var out struct {
		USD float64 `json:"usd"`
	}
	body := map[string]string{"token": strings.ToLower(token), "amount": amount.String()}
	if err := c.do(ctx, "/v1/value", body, &out); err != nil {
		return 0, err
	}
	return out.USD, nil
}

func (c *Client) AmountForUSD(ctx context.Context, token string, usd float64) (*big.Int, error) {
	var out struct {
		Amount string `json:"amount"`
	}
	body := map[string]any{"token": strings.ToLower(token), "usd": usd}
	if err := c.do(ctx, "/v1/amount", body, &out); err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(out.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("pricing: bad amount %q", out.Amount)
	}
	return amount, nil
}

func (c *Client) NativeValueUSD(ctx context.Context, wei *big.Int) (float64, error) {
	var out struct {
		USD float64 `json:"usd"`
	}
	body := map[string]string{"wei": wei.String()}
	if err := c.do(ctx, "/v1/native-value", body, &out); err != nil {
		return 0, err
	}
	return out.USD, nil
}

func (c *Client) Assess(ctx context.Context, token string) (Verdict, error) {
	var out struct {
		Safe   bool   `json:"safe"`
		Reason string `json:"reason"`
	}
	body := map[string]string{"token": strings.ToLower(token)}
	if err := c.do(ctx, "/v1/risk", body, &out); err != nil {
		return Verdict{}, err
	}
	return Verdict{Safe: out.Safe, Reason: out.Reason}, nil
}

func (c *Client) do(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("pricing: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pricing: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pricing: %s: status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("pricing: decode response: %w", err)
		}
	}
	return nil
}
