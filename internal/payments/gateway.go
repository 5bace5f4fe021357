package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Gateway talks to the trusted payment proxy that holds provider credentials.
// Card payments must arrive as a token issued by that proxy; raw card fields
// are refused before any request is made.
type Gateway struct {
	method  Method
	baseURL string
	client  *http.Client
}

func NewGateway(baseURL string, method Method, client *http.Client) *Gateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Gateway{method: method, baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

var _ Confirmer = (*Gateway)(nil)

func (g *Gateway) Method() Method { return g.method }

func (g *Gateway) Name() string {
	if nw, ok := networks[g.method]; ok {
		return nw.name
	}
	return "Card"
}

func (g *Gateway) Mask(in Instrument) string {
	if g.method.MobileMoney() {
		return maskPhone(in.Phone)
	}
	return "card token"
}

type gatewayRequest struct {
	Method    Method          `json:"method"`
	Phone     string          `json:"phone,omitempty"`
	CardToken string          `json:"card_token,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

type gatewayResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        Status `json:"status"`
	Error         string `json:"error,omitempty"`
}

func (g *Gateway) Initiate(ctx context.Context, in Instrument, amount decimal.Decimal, reference string) (*Receipt, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	body := gatewayRequest{Method: g.method, Amount: amount, Reference: reference}
	if g.method.MobileMoney() {
		body.Phone = NormalizePhone(in.Phone)
		if err := checkMobileNumber(g.method, body.Phone); err != nil {
			return nil, err
		}
	} else {
		if in.CardNumber != "" || in.CVC != "" {
			return nil, fmt.Errorf("%w: raw card data is not accepted, tokenize the card first", ErrInvalidInstrument)
		}
		if in.CardToken == "" {
			return nil, fmt.Errorf("%w: card token", ErrInvalidInstrument)
		}
		body.CardToken = in.CardToken
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal gateway request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payments", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := g.do(req)
	if err != nil {
		return nil, err
	}
	return &Receipt{TransactionID: res.TransactionID, Status: res.Status, Method: g.method}, nil
}

// Status asks the proxy for the final state of a pending payment.
func (g *Gateway) Status(ctx context.Context, transactionID string) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/v1/payments/"+url.PathEscape(transactionID), nil)
	if err != nil {
		return "", fmt.Errorf("create status request: %w", err)
	}
	res, err := g.do(req)
	if err != nil {
		return "", err
	}
	return res.Status, nil
}

func (g *Gateway) do(req *http.Request) (*gatewayResponse, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call payment gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read gateway response: %w", err)
	}
	var out gatewayResponse
	_ = json.Unmarshal(raw, &out)

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("payment gateway returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrDeclined, msg)
	}
	switch out.Status {
	case StatusSuccess, StatusPending, StatusFailed:
	default:
		return nil, fmt.Errorf("payment gateway returned unknown status %q", out.Status)
	}
	return &out, nil
}
