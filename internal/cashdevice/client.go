package cashdevice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"wash-kiosk-backend/config"
	"wash-kiosk-backend/internal/kioskerr"
)

const tokenKey = "token"

var (
	// errUnauthorized triggers one re-authentication.
	errUnauthorized = errors.New("unauthorized")
	// errNotSent marks failures before the request left the client.
	errNotSent = errors.New("request not sent")
)

// Client talks to the cash device server over its REST API.
type Client struct {
	baseURL  string
	username string
	password string
	client   *http.Client
	// hardware carries dispense commands. It has no overall timeout so an
	// in-flight payout is always waited for; only ctx bounds it.
	hardware *http.Client
	tokens   *cache.Cache
	tokenTTL time.Duration
}

// NewClient creates a client for the configured cash device server.
func NewClient(cfg config.CashDeviceConfig) *Client {
	ttl := time.Duration(cfg.TokenTTLMinutes) * time.Minute
	transport := &http.Transport{}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		hardware: &http.Client{Transport: transport},
		tokens:   cache.New(ttl, 2*ttl),
		tokenTTL: ttl,
	}
}

// OpenConnection opens a device and enables it as requested.
func (c *Client) OpenConnection(ctx context.Context, req OpenConnectionRequest) error {
	return c.call(ctx, http.MethodPost, "/api/CashDevice/OpenConnection", nil, req, nil)
}

// GetCounters returns the free-text counter report of a device.
func (c *Client) GetCounters(ctx context.Context, deviceID string) (string, error) {
	body, contentType, err := c.raw(ctx, c.client, http.MethodGet, "/api/CashDevice/GetCounters", deviceQuery(deviceID), nil)
	if err != nil {
		return "", err
	}
	if strings.Contains(contentType, "json") {
		var resp CountersResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			// A bare JSON string is also accepted.
			var s string
			if err2 := json.Unmarshal(body, &s); err2 != nil {
				return "", fmt.Errorf("failed to unmarshal counters: %w", err)
			}
			return s, nil
		}
		return resp.Report, nil
	}
	return string(body), nil
}

// GetCurrencyAssignment returns the per-denomination levels of a device.
func (c *Client) GetCurrencyAssignment(ctx context.Context, deviceID string) ([]CurrencyAssignment, error) {
	var out []CurrencyAssignment
	if err := c.call(ctx, http.MethodGet, "/api/CashDevice/GetCurrencyAssignment", deviceQuery(deviceID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetDenominationRoute routes one denomination to the cashbox or recycler.
func (c *Client) SetDenominationRoute(ctx context.Context, deviceID string, req SetRouteRequest) error {
	return c.call(ctx, http.MethodPost, "/api/CashDevice/SetDenominationRoute", deviceQuery(deviceID), req, nil)
}

// DispenseValue asks the device to pay out req.Count units of req.Value.
// The response is returned even when it carries a device error so that
// partially dispensed units are not lost. A failure after the command was
// sent is reported as ErrDispenseUnconfirmed: the device may have paid out.
func (c *Client) DispenseValue(ctx context.Context, deviceID string, req DispenseRequest) (DispenseResponse, error) {
	var resp DispenseResponse
	if err := c.callWith(ctx, c.hardware, http.MethodPost, "/api/CashDevice/DispenseValue", deviceQuery(deviceID), req, &resp); err != nil {
		if errors.Is(err, errNotSent) || errors.Is(err, errUnauthorized) {
			return resp, err
		}
		return resp, fmt.Errorf("%w: %w", kioskerr.ErrDispenseUnconfirmed.WithMessagef("device %s", deviceID), err)
	}
	switch strings.ToUpper(resp.Error) {
	case "":
		return resp, nil
	case "EMPTY", "NOT_ENOUGH_VALUE":
		return resp, kioskerr.ErrDeviceEmpty.WithMessagef("device %s: %s", deviceID, resp.Error)
	default:
		return resp, fmt.Errorf("device %s dispense error: %s", deviceID, resp.Error)
	}
}

// GetDeviceStatus returns the device state and escrow flag.
func (c *Client) GetDeviceStatus(ctx context.Context, deviceID string) (DeviceStatus, error) {
	var st DeviceStatus
	err := c.call(ctx, http.MethodGet, "/api/CashDevice/GetDeviceStatus", deviceQuery(deviceID), nil, &st)
	return st, err
}

// DisableAcceptor stops the device from taking further cash.
func (c *Client) DisableAcceptor(ctx context.Context, deviceID string) error {
	return c.call(ctx, http.MethodPost, "/api/CashDevice/DisableAcceptor", deviceQuery(deviceID), nil, nil)
}

// Disconnect closes the device connection on the server.
func (c *Client) Disconnect(ctx context.Context, deviceID string) error {
	return c.call(ctx, http.MethodPost, "/api/CashDevice/DisconnectFromDevice", deviceQuery(deviceID), nil, nil)
}

func deviceQuery(deviceID string) url.Values {
	return url.Values{"deviceID": []string{deviceID}}
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, in, out any) error {
	return c.callWith(ctx, c.client, method, path, query, in, out)
}

func (c *Client) callWith(ctx context.Context, hc *http.Client, method, path string, query url.Values, in, out any) error {
	body, _, err := c.raw(ctx, hc, method, path, query, in)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s response: %w", path, err)
	}
	return nil
}

// raw performs the request, re-authenticating once on 401.
func (c *Client) raw(ctx context.Context, hc *http.Client, method, path string, query url.Values, in any) ([]byte, string, error) {
	body, contentType, err := c.do(ctx, hc, method, path, query, in)
	if errors.Is(err, errUnauthorized) {
		log.Printf("cash device token rejected on %s; re-authenticating", path)
		c.tokens.Delete(tokenKey)
		body, contentType, err = c.do(ctx, hc, method, path, query, in)
	}
	return body, contentType, err
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, query url.Values, in any) ([]byte, string, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", errNotSent, err)
	}
	return c.send(ctx, hc, method, path, query, in, token)
}

func (c *Client) token(ctx context.Context) (string, error) {
	if c.username == "" {
		return "", nil
	}
	if t, found := c.tokens.Get(tokenKey); found {
		return t.(string), nil
	}

	body, _, err := c.send(ctx, c.client, http.MethodPost, "/api/Users/Authenticate", nil,
		AuthenticateRequest{Username: c.username, Password: c.password}, "")
	if err != nil {
		return "", fmt.Errorf("authenticate: %w", err)
	}
	var resp AuthenticateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to unmarshal auth response: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("authenticate: empty token")
	}
	c.tokens.Set(tokenKey, resp.Token, c.tokenTTL)
	return resp.Token, nil
}

func (c *Client) send(ctx context.Context, hc *http.Client, method, path string, query url.Values, in any, token string) ([]byte, string, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if in != nil {
		jsonBody, err := json.Marshal(in)
		if err != nil {
			return nil, "", fmt.Errorf("%w: failed to marshal request payload: %w", errNotSent, err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, "", fmt.Errorf("%w: failed to create request: %w", errNotSent, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, "", fmt.Errorf("%s: %w", path, errUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("%s: received non-2xx status code: %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, resp.Header.Get("Content-Type"), nil
}
