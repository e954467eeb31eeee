package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/chainforge/internal/fault"
)

// DefaultTimeout bounds every backend request.
const DefaultTimeout = 30 * time.Second

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type idempotencyKey struct{}

// WithIdempotencyKey attaches a key sent as the Idempotency-Key header on
// requests made with the returned context.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

// IdempotencyKeyFrom returns the key attached by WithIdempotencyKey.
func IdempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}

// Client is the backend-of-record REST client.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) PrepareMint(ctx context.Context, req PrepareMintRequest) (PrepareMintResponse, error) {
	var out PrepareMintResponse
	err := c.post(ctx, "/api/nft/prepare-mint", req, &out)
	return out, err
}

func (c *Client) ConfirmMint(ctx context.Context, req ConfirmMintRequest) (ConfirmMintResponse, error) {
	var out ConfirmMintResponse
	err := c.post(ctx, "/api/nft/confirm-mint", req, &out)
	return out, err
}

func (c *Client) PrepareListing(ctx context.Context, req PrepareListingRequest) (PrepareListingResponse, error) {
	var out PrepareListingResponse
	err := c.post(ctx, "/api/marketplace/prepare-listing", req, &out)
	return out, err
}

func (c *Client) ConfirmListing(ctx context.Context, req ConfirmListingRequest) error {
	return c.post(ctx, "/api/marketplace/confirm-listing", req, nil)
}

func (c *Client) GetListing(ctx context.Context, id string) (Listing, error) {
	var out Listing
	err := c.get(ctx, "/api/marketplace/listings/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) PrepareBuy(ctx context.Context, req PrepareBuyRequest) error {
	return c.post(ctx, "/api/marketplace/prepare-buy", req, nil)
}

func (c *Client) ConfirmBuy(ctx context.Context, req ConfirmBuyRequest) error {
	return c.post(ctx, "/api/marketplace/confirm-buy", req, nil)
}

func (c *Client) PrepareTransfer(ctx context.Context, req PrepareTransferRequest) (PrepareTransferResponse, error) {
	var out PrepareTransferResponse
	err := c.post(ctx, "/api/tokens/prepare-transfer", req, &out)
	return out, err
}

func (c *Client) ConfirmTransfer(ctx context.Context, req ConfirmTransferRequest) error {
	return c.post(ctx, "/api/tokens/confirm-transfer", req, nil)
}

func (c *Client) GetReward(ctx context.Context, id string) (Reward, error) {
	var out Reward
	err := c.get(ctx, "/api/rewards/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) ConfirmClaim(ctx context.Context, req ConfirmClaimRequest) error {
	return c.post(ctx, "/api/rewards/confirm-claim", req, nil)
}

func (c *Client) CheckVoteEligibility(ctx context.Context, req VoteEligibilityRequest) (VoteEligibility, error) {
	var out VoteEligibility
	err := c.post(ctx, "/api/governance/check-vote-eligibility", req, &out)
	return out, err
}

func (c *Client) ConfirmVote(ctx context.Context, req ConfirmVoteRequest) error {
	return c.post(ctx, "/api/governance/confirm-vote", req, nil)
}

func (c *Client) SaveWorld(ctx context.Context, req SaveWorldRequest) (World, error) {
	var out World
	err := c.post(ctx, "/api/worlds/save-world", req, &out)
	return out, err
}

func (c *Client) GetWorld(ctx context.Context, id string) (World, error) {
	var out World
	err := c.get(ctx, "/api/worlds/world/"+url.PathEscape(id), nil, &out)
	return out, err
}

// ForwardEvent stores one normalized event.
func (c *Client) ForwardEvent(ctx context.Context, ev Event) error {
	return c.post(ctx, "/api/events", ev, nil)
}

func (c *Client) ListEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	params := url.Values{}
	if q.Type != "" {
		params.Set("type", q.Type)
	}
	if q.TxHash != "" {
		params.Set("tx_hash", q.TxHash)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	var out []Event
	err := c.get(ctx, "/api/events", params, &out)
	return out, err
}

// Ping checks reachability with a lightweight event listing.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.ListEvents(ctx, EventQuery{Limit: 1})
	return err
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fault.Wrap(fault.InvalidInput, opName(path), fmt.Errorf("marshal body: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fault.Wrap(fault.InvalidInput, opName(path), err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := IdempotencyKeyFrom(ctx); key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return c.do(req, path, out)
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fault.Wrap(fault.InvalidInput, opName(path), err)
	}
	return c.do(req, path, out)
}

func (c *Client) do(req *http.Request, path string, out any) error {
	op := opName(path)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fault.Wrap(fault.NetworkUnavailable, op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fault.Wrap(fault.NetworkUnavailable, op, fmt.Errorf("read body: %w", err))
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(env.Error)
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &fault.Error{Kind: kindForStatus(resp.StatusCode), Op: op, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, msg)}
	}
	if decodeErr != nil {
		return fault.Wrap(fault.UpstreamFailure, op, fmt.Errorf("decode envelope: %w", decodeErr))
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request failed"
		}
		return fault.Wrap(fault.UpstreamFailure, op, errors.New(msg))
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fault.Wrap(fault.UpstreamFailure, op, fmt.Errorf("decode data: %w", err))
	}
	return nil
}

func kindForStatus(code int) fault.Kind {
	switch {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity:
		return fault.InvalidInput
	case code == http.StatusForbidden:
		return fault.NotOwner
	case code == http.StatusConflict, code == http.StatusGone:
		return fault.StaleState
	case code == http.StatusBadGateway, code == http.StatusServiceUnavailable, code == http.StatusGatewayTimeout:
		return fault.NetworkUnavailable
	default:
		return fault.UpstreamFailure
	}
}

// opName turns "/api/nft/prepare-mint" into "backend.nft.prepare-mint".
func opName(path string) string {
	trimmed := strings.TrimPrefix(path, "/api/")
	parts := strings.Split(trimmed, "/")
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return "backend." + strings.Join(parts, ".")
}
