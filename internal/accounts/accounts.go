// Package accounts is the internal account API collaborator: wallet-to-account
// resolution and off-chain credit application.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned when no account matches a wallet.
var ErrNotFound = errors.New("accounts: not found")

// Account is the owning account for a wallet address.
type Account struct {
	ID     string `json:"id"`
	Wallet string `json:"wallet"`
}

// API is the account service surface the pipeline uses.
type API interface {
	// ResolveByWallet looks up the account owning a wallet.
	ResolveByWallet(ctx context.Context, wallet string) (*Account, error)
	// FindOrCreate resolves the account for a wallet, creating one if absent.
	FindOrCreate(ctx context.Context, wallet string) (*Account, error)
	// CreditPoints applies an off-chain point credit with its USD valuation.
	CreditPoints(ctx context.Context, accountID string, points int64, usd float64, reference string) error
	// LinkWallet attaches a wallet to an account (magic-amount linking).
	LinkWallet(ctx context.Context, accountID, wallet string) error
	// IssueCredential triggers downstream credential issuance after linking.
	IssueCredential(ctx context.Context, accountID, wallet string) error
}

// Client is the HTTP implementation of API.
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

func (c *Client) ResolveByWallet(ctx context.Context, wallet string) (*Account, error) {
	var acct Account
	err := c.do(ctx, http.MethodGet, "/v1/accounts/by-wallet/"+strings.ToLower(wallet), nil, &acct)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *Client) FindOrCreate(ctx context.Context, wallet string) (*Account, error) {
	var acct Account
	body := map[string]string{"wallet": strings.ToLower(wallet)}
	if err := c.do(ctx, http.MethodPost, "/v1/accounts", body, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}

func (c *Client) CreditPoints(ctx context.Context, accountID string, points int64, usd float64, reference string) error {
	body := map[string]any{
		"points":    points,
		"usd":       usd,
		"reference": reference,
	}
	return c.do(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/credits", body, nil)
}

func (c *Client) LinkWallet(ctx context.Context, accountID, wallet string) error {
	body := map[string]string{"wallet": strings.ToLower(wallet)}
	return c.do(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/wallets", body, nil)
}

func (c *Client) IssueCredential(ctx context.Context, accountID, wallet string) error {
	body := map[string]string{"wallet": strings.ToLower(wallet)}
	return c.do(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/credentials", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("accounts: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("accounts: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("accounts: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("accounts: decode response: %w", err)
		}
	}
	return nil
}
