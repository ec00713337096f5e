package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to the device-management backend's REST API. It implements
// TokenAuthenticator (token introspection), DeviceAuthorizer and
// OperationDispatcher.
type Client struct {
	baseURL      string
	serviceToken string
	http         *http.Client
}

type ClientConfig struct {
	// BaseURL is the backend API root, e.g. "https://mgmt.example.com".
	BaseURL string
	// ServiceToken authenticates this relay to the backend.
	ServiceToken string
	// Timeout bounds every backend request, including operation dispatch.
	Timeout time.Duration
	// HTTPClient overrides the default client. Its Timeout is left untouched;
	// per-request contexts carry the deadline.
	HTTPClient *http.Client
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("backend base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		serviceToken: cfg.ServiceToken,
		http:         hc,
	}, nil
}

type introspectRequest struct {
	Token string `json:"token"`
}

type introspectResponse struct {
	Active       bool   `json:"active"`
	TenantDomain string `json:"tenantDomain"`
	Username     string `json:"username"`
}

func (c *Client) Authenticate(ctx context.Context, token string) (AuthenticationInfo, error) {
	var resp introspectResponse
	err := c.post(ctx, "", "/api/auth/v1.0/introspect", introspectRequest{Token: token}, &resp)
	if err != nil {
		return AuthenticationInfo{}, err
	}
	return AuthenticationInfo{
		Authenticated: resp.Active,
		TenantDomain:  resp.TenantDomain,
		Username:      resp.Username,
	}, nil
}

type authorizeRequest struct {
	DeviceType string `json:"deviceType"`
	DeviceID   string `json:"deviceId"`
	Username   string `json:"username"`
}

type authorizeResponse struct {
	Authorized bool `json:"authorized"`
}

func (c *Client) IsAuthorized(ctx context.Context, tenantDomain string, device DeviceIdentifier, username string) (bool, error) {
	var resp authorizeResponse
	err := c.post(ctx, tenantDomain, "/api/device-mgt/v1.0/authorization", authorizeRequest{
		DeviceType: device.Type,
		DeviceID:   device.ID,
		Username:   username,
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.Authorized, nil
}

type dispatchRequest struct {
	DeviceID string          `json:"deviceId"`
	Code     string          `json:"code"`
	Payload  json.RawMessage `json:"payload"`
}

type dispatchResponse struct {
	ActivityID string `json:"activityId"`
}

func (c *Client) Dispatch(ctx context.Context, tenantDomain string, device DeviceIdentifier, code string, payload []byte) (string, error) {
	var resp dispatchResponse
	path := fmt.Sprintf("/api/device-mgt/v1.0/devices/%s/operations", device.Type)
	err := c.post(ctx, tenantDomain, path, dispatchRequest{
		DeviceID: device.ID,
		Code:     code,
		Payload:  payload,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ActivityID == "" {
		return "", errors.New("backend returned an empty activity id")
	}
	return resp.ActivityID, nil
}

const maxResponseBytes = 1 << 20

func (c *Client) post(ctx context.Context, tenantDomain, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.serviceToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.serviceToken)
	}
	if tenantDomain != "" {
		req.Header.Set("X-Tenant-Domain", tenantDomain)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend request %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("backend response %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend request %s: unexpected status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("backend response %s: %w", path, err)
	}
	return nil
}
