package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Pending describes rewards available to claim.
type Pending struct {
	Amount    float64 `json:"amount"`
	AmountUSD float64 `json:"amountUsd"`
}

// Claim is the result of a successful reward claim.
type Claim struct {
	TxRef     string  `json:"txRef"`
	Amount    float64 `json:"amount"`
	AmountUSD float64 `json:"amountUsd"`
}

// Quote is a venue price quote for converting claimed proceeds into the token.
type Quote struct {
	ID             string  `json:"quoteId"`
	InputAmount    float64 `json:"inputAmount"`
	ExpectedOutput float64 `json:"expectedOutput"`
}

// Fill is an executed swap.
type Fill struct {
	TxRef        string  `json:"txRef"`
	OutputAmount float64 `json:"outputAmount"`
}

// Config captures the HTTP endpoints for the reward claimer and swap venue.
type Config struct {
	RewardsURL string
	VenueURL   string
	APIKey     string
	Timeout    time.Duration
}

// Client talks JSON over HTTP to the rewards service and the swap venue.
type Client struct {
	rewardsURL string
	venueURL   string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		rewardsURL: strings.TrimRight(strings.TrimSpace(cfg.RewardsURL), "/"),
		venueURL:   strings.TrimRight(strings.TrimSpace(cfg.VenueURL), "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PendingRewards reports the claimable reward balance.
func (c *Client) PendingRewards(ctx context.Context) (Pending, error) {
	var out Pending
	if err := c.do(ctx, http.MethodGet, c.rewardsURL+"/v1/rewards/pending", nil, &out); err != nil {
		return Pending{}, fmt.Errorf("venue: pending rewards: %w", err)
	}
	return out, nil
}

// ClaimRewards claims all pending rewards into the operating pool.
func (c *Client) ClaimRewards(ctx context.Context) (Claim, error) {
	var out Claim
	if err := c.do(ctx, http.MethodPost, c.rewardsURL+"/v1/rewards/claim", map[string]any{}, &out); err != nil {
		return Claim{}, fmt.Errorf("venue: claim rewards: %w", err)
	}
	if strings.TrimSpace(out.TxRef) == "" || out.Amount <= 0 {
		return Claim{}, fmt.Errorf("venue: claim rewards: empty claim")
	}
	return out, nil
}

// Quote requests the expected token output for inputAmount of claimed proceeds.
func (c *Client) Quote(ctx context.Context, inputAmount float64, outputAsset string) (Quote, error) {
	body := map[string]any{"inputAmount": inputAmount, "outputAsset": outputAsset}
	var out Quote
	if err := c.do(ctx, http.MethodPost, c.venueURL+"/v1/quote", body, &out); err != nil {
		return Quote{}, fmt.Errorf("venue: quote: %w", err)
	}
	if out.ExpectedOutput <= 0 {
		return Quote{}, fmt.Errorf("venue: quote: non-positive expected output")
	}
	return out, nil
}

// Swap executes a quote, refusing fills below minOutput.
func (c *Client) Swap(ctx context.Context, quote Quote, minOutput float64) (Fill, error) {
	body := map[string]any{"quoteId": quote.ID, "inputAmount": quote.InputAmount, "minOutput": minOutput}
	var out Fill
	if err := c.do(ctx, http.MethodPost, c.venueURL+"/v1/swap", body, &out); err != nil {
		return Fill{}, fmt.Errorf("venue: swap: %w", err)
	}
	if strings.TrimSpace(out.TxRef) == "" {
		return Fill{}, fmt.Errorf("venue: swap: missing tx reference")
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
