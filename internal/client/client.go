// Package client talks to the wallet API on behalf of one authenticated user.
package client

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

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/boleia/backend/internal/models"
	"github.com/boleia/backend/internal/payments"
	"github.com/boleia/backend/internal/prefs"
	"github.com/boleia/backend/internal/realtime"
	"github.com/boleia/backend/internal/trips"
	"github.com/boleia/backend/internal/walletview"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status    int    `json:"-"`
	Message   string `json:"error"`
	Code      string `json:"code,omitempty"`
	Field     string `json:"field,omitempty"`
	AttemptID string `json:"attempt_id,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api %d: %s", e.Status, e.Message)
}

type TopUpRequest struct {
	AttemptID string          `json:"attempt_id,omitempty"`
	Role      models.Role     `json:"role,omitempty"`
	Method    payments.Method `json:"method"`
	Amount    string          `json:"amount"`
	payments.Instrument
	RememberCard bool `json:"remember_card,omitempty"`
}

type TopUpResponse struct {
	AttemptID    string              `json:"attempt_id"`
	State        string              `json:"state"`
	Code         string              `json:"code,omitempty"`
	Amount       decimal.Decimal     `json:"amount"`
	Balance      *decimal.Decimal    `json:"balance,omitempty"`
	ProviderTxID string              `json:"provider_transaction_id,omitempty"`
	Transaction  *models.Transaction `json:"transaction,omitempty"`
	AuditPending bool                `json:"audit_pending,omitempty"`
	Card         *prefs.Card         `json:"card,omitempty"`
}

// Pending reports whether the provider has yet to confirm the charge.
func (r *TopUpResponse) Pending() bool {
	return r.State == "PENDING_CONFIRMATION"
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	dialer  *websocket.Dialer
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 90 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
}

var _ walletview.Source = (*Client)(nil)

func (c *Client) Wallet(ctx context.Context, role models.Role) (*models.Wallet, error) {
	var w models.Wallet
	if err := c.do(ctx, http.MethodGet, "/api/v1/wallet"+roleQuery(role, 0), nil, nil, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *Client) Transactions(ctx context.Context, role models.Role, limit int) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	if err := c.do(ctx, http.MethodGet, "/api/v1/wallet/transactions"+roleQuery(role, limit), nil, nil, &txs); err != nil {
		return nil, err
	}
	return txs, nil
}

// TopUp submits one attempt. Resubmit with the same idempotencyKey after a
// network failure; the server refuses to credit it twice.
func (c *Client) TopUp(ctx context.Context, req TopUpRequest, idempotencyKey string) (*TopUpResponse, error) {
	header := http.Header{}
	if idempotencyKey != "" {
		header.Set("Idempotency-Key", idempotencyKey)
	}
	var resp TopUpResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/wallet/topups", header, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Preferences(ctx context.Context) (*prefs.Preferences, error) {
	var p prefs.Preferences
	if err := c.do(ctx, http.MethodGet, "/api/v1/payment-preferences", nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) SetDefaultMethod(ctx context.Context, m payments.Method) (*prefs.Preferences, error) {
	var p prefs.Preferences
	body := map[string]payments.Method{"method": m}
	if err := c.do(ctx, http.MethodPut, "/api/v1/payment-preferences/default-method", nil, body, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ForgetCard(ctx context.Context, id string) (*prefs.Preferences, error) {
	var p prefs.Preferences
	if err := c.do(ctx, http.MethodDelete, "/api/v1/payment-preferences/cards/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Earnings(ctx context.Context, period string) (*trips.Earnings, error) {
	var e trips.Earnings
	if err := c.do(ctx, http.MethodGet, "/api/v1/earnings?period="+url.QueryEscape(period), nil, nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Watch streams the user's realtime events to fn until ctx ends or the
// connection drops.
func (c *Client) Watch(ctx context.Context, fn func(realtime.Event)) error {
	u, err := url.Parse(c.baseURL + "/api/v1/realtime")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)
	ws, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: "websocket handshake failed"}
		}
		return err
	}
	defer ws.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	}()

	for {
		var e realtime.Event
		if err := ws.ReadJSON(&e); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return ctx.Err()
			}
			return err
		}
		fn(e)
	}
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func roleQuery(role models.Role, limit int) string {
	q := url.Values{}
	if role != "" {
		q.Set("role", string(role))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// IsStatus reports whether err is an APIError with the given HTTP status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}
