package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
)

const (
	Provider       = "paypal"
	defaultBaseURL = "https://api-m.paypal.com"
)

type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// Adapter reads capture status from the PayPal payments API. Access tokens
// are cached until shortly before they expire.
type Adapter struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config) *Adapter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{
		baseURL:      baseURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		client:       client,
	}
}

func (a *Adapter) Provider() string { return Provider }

func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

func (a *Adapter) CheckStatus(ctx context.Context, reference string) (paymentdomain.Status, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", paymentdomain.ErrMissingReference
	}
	var capture struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	if err := a.do(ctx, http.MethodGet, "/v2/payments/captures/"+url.PathEscape(reference), nil, &capture); err != nil {
		return "", err
	}
	return captureStatus(capture.Status)
}

func (a *Adapter) Refund(ctx context.Context, reference string, amount decimal.Decimal, currency string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return paymentdomain.ErrMissingReference
	}
	body := map[string]any{
		"amount": map[string]string{
			"value":         amount.StringFixed(2),
			"currency_code": strings.ToUpper(currency),
		},
	}
	return a.do(ctx, http.MethodPost, "/v2/payments/captures/"+url.PathEscape(reference)+"/refund", body, nil)
}

func captureStatus(raw string) (paymentdomain.Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "COMPLETED", "PARTIALLY_REFUNDED":
		return paymentdomain.StatusCompleted, nil
	case "PENDING":
		return paymentdomain.StatusPending, nil
	case "DECLINED", "FAILED":
		return paymentdomain.StatusFailed, nil
	case "REFUNDED":
		return paymentdomain.StatusRefunded, nil
	default:
		return "", paymentdomain.ErrUnknownGatewayStatus
	}
}

func (a *Adapter) do(ctx context.Context, method, path string, in, out any) error {
	token, err := a.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		a.resetToken()
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)
		return fmt.Errorf("paypal %s %s: status %d %s", method, path, resp.StatusCode, apiErr.Name)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != "" && time.Now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.clientID, a.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token: status %d", resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}
	a.token = tok.AccessToken
	// refresh a minute early
	a.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return a.token, nil
}

func (a *Adapter) resetToken() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}
