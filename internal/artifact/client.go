package artifact

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the store has no content for a hash.
	ErrNotFound = errors.New("content not found")
	// ErrQuotaExceeded is returned when the store refuses an upload for size or plan limits.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrUnavailable wraps transport failures and 5xx responses.
	ErrUnavailable = errors.New("content store unavailable")
)

// DefaultTimeout bounds every store request.
const DefaultTimeout = 30 * time.Second

// Backend is one content-addressed store API.
type Backend interface {
	// Add uploads r under name and returns its content hash. Added content is pinned.
	Add(ctx context.Context, name string, r io.Reader) (string, error)
	Cat(ctx context.Context, hash string) ([]byte, error)
	Pin(ctx context.Context, hash string) error
	Unpin(ctx context.Context, hash string) error
	Ping(ctx context.Context) error
}

// NodeClient talks to a local node's HTTP API (/api/v0).
type NodeClient struct {
	apiURL string
	client *http.Client
}

// NewNodeClient builds a client for a node API such as http://127.0.0.1:5001.
func NewNodeClient(apiURL string, timeout time.Duration) *NodeClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NodeClient{
		apiURL: strings.TrimRight(apiURL, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (c *NodeClient) Add(ctx context.Context, name string, r io.Reader) (string, error) {
	body, contentType := streamMultipart("file", name, r)
	reqURL := fmt.Sprintf("%s/api/v0/add?pin=true&cid-version=1", c.apiURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: add: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", statusError("add", resp)
	}

	var lastHash string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		var entry struct {
			Hash string `json:"Hash"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &entry); err == nil && entry.Hash != "" {
			lastHash = entry.Hash
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: add: %v", ErrUnavailable, err)
	}
	if lastHash == "" {
		return "", errors.New("add returned empty hash")
	}
	return lastHash, nil
}

func (c *NodeClient) Cat(ctx context.Context, hash string) ([]byte, error) {
	resp, err := c.post(ctx, "cat", hash)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *NodeClient) Pin(ctx context.Context, hash string) error {
	resp, err := c.post(ctx, "pin/add", hash)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *NodeClient) Unpin(ctx context.Context, hash string) error {
	resp, err := c.post(ctx, "pin/rm", hash)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *NodeClient) Ping(ctx context.Context) error {
	resp, err := c.post(ctx, "version", "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *NodeClient) post(ctx context.Context, cmd, arg string) (*http.Response, error) {
	reqURL := fmt.Sprintf("%s/api/v0/%s", c.apiURL, cmd)
	if arg != "" {
		reqURL += "?arg=" + url.QueryEscape(arg)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, cmd, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(cmd, resp)
	}
	return resp, nil
}

// PinningClient talks to a managed pinning service (pinFileToIPFS /
// pinByHash / unpin) and reads content back through its gateway.
type PinningClient struct {
	apiURL     string
	gatewayURL string
	jwt        string
	client     *http.Client
}

func NewPinningClient(apiURL, gatewayURL, jwt string, timeout time.Duration) *PinningClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &PinningClient{
		apiURL:     strings.TrimRight(apiURL, "/"),
		gatewayURL: strings.TrimRight(gatewayURL, "/"),
		jwt:        jwt,
		client:     &http.Client{Timeout: timeout},
	}
}

func (c *PinningClient) Add(ctx context.Context, name string, r io.Reader) (string, error) {
	body, contentType := streamMultipart("file", name, r)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/pinning/pinFileToIPFS", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	var out struct {
		IpfsHash string `json:"IpfsHash"`
	}
	if err := c.do(req, "pinFileToIPFS", &out); err != nil {
		return "", err
	}
	if out.IpfsHash == "" {
		return "", errors.New("pinFileToIPFS returned empty hash")
	}
	return out.IpfsHash, nil
}

func (c *PinningClient) Cat(ctx context.Context, hash string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayURL+"/ipfs/"+url.PathEscape(hash), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("fetch", resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *PinningClient) Pin(ctx context.Context, hash string) error {
	payload, _ := json.Marshal(map[string]string{"hashToPin": hash})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/pinning/pinByHash", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, "pinByHash", nil)
}

func (c *PinningClient) Unpin(ctx context.Context, hash string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.apiURL+"/pinning/unpin/"+url.PathEscape(hash), nil)
	if err != nil {
		return err
	}
	return c.do(req, "unpin", nil)
}

func (c *PinningClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/data/testAuthentication", nil)
	if err != nil {
		return err
	}
	return c.do(req, "testAuthentication", nil)
}

func (c *PinningClient) do(req *http.Request, op string, out any) error {
	if c.jwt != "" {
		req.Header.Set("Authorization", "Bearer "+c.jwt)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func streamMultipart(field, name string, r io.Reader) (io.Reader, string) {
	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		defer pw.Close()
		part, err := writer.CreateFormFile(field, name)
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, r); err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		_ = writer.Close()
	}()
	return pr, writer.FormDataContentType()
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	detail := resp.Status
	if msg != "" {
		detail = resp.Status + ": " + msg
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", ErrNotFound, op, detail)
	case resp.StatusCode == http.StatusPaymentRequired,
		resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s: %s", ErrQuotaExceeded, op, detail)
	case strings.Contains(strings.ToLower(msg), "not found"):
		return fmt.Errorf("%w: %s: %s", ErrNotFound, op, detail)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, op, detail)
	default:
		return fmt.Errorf("%s failed: %s", op, detail)
	}
}
