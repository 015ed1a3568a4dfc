package stripe

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	paymentdomain "github.com/smallbiznis/lexbill/internal/payment/domain"
)

const (
	Provider       = "stripe"
	defaultBaseURL = "https://api.stripe.com"
	// webhooks older than this are rejected as replays
	signatureTolerance = 5 * time.Minute
)

type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	HTTPClient    *http.Client
}

type Adapter struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	client        *http.Client
	now           func() time.Time
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
		baseURL:       baseURL,
		apiKey:        strings.TrimSpace(cfg.APIKey),
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		client:        client,
		now:           time.Now,
	}
}

func (a *Adapter) Provider() string { return Provider }

func (a *Adapter) Close() error {
	a.client.CloseIdleConnections()
	return nil
}

// CheckStatus looks up a payment intent (pi_...) or a charge (ch_...).
func (a *Adapter) CheckStatus(ctx context.Context, reference string) (paymentdomain.Status, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return "", paymentdomain.ErrMissingReference
	}

	if strings.HasPrefix(reference, "ch_") {
		var charge stripeCharge
		if err := a.do(ctx, http.MethodGet, "/v1/charges/"+url.PathEscape(reference), nil, &charge); err != nil {
			return "", err
		}
		return chargeStatus(charge)
	}

	var intent stripePaymentIntent
	path := "/v1/payment_intents/" + url.PathEscape(reference) + "?" + url.Values{"expand[]": {"latest_charge"}}.Encode()
	if err := a.do(ctx, http.MethodGet, path, nil, &intent); err != nil {
		return "", err
	}
	return intentStatus(intent)
}

func (a *Adapter) Refund(ctx context.Context, reference string, amount decimal.Decimal, currency string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return paymentdomain.ErrMissingReference
	}
	form := url.Values{}
	if strings.HasPrefix(reference, "ch_") {
		form.Set("charge", reference)
	} else {
		form.Set("payment_intent", reference)
	}
	form.Set("amount", strconv.FormatInt(toMinorUnits(amount, currency), 10))
	return a.do(ctx, http.MethodPost, "/v1/refunds", form, nil)
}

func (a *Adapter) do(ctx context.Context, method, path string, form url.Values, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(a.apiKey, "")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiErr)
		return fmt.Errorf("stripe %s %s: status %d %s", method, path, resp.StatusCode, apiErr.Error.Code)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Stripe leaves a refunded intent at "succeeded", so refunds are
// read from the expanded latest charge. Partial refunds stay COMPLETED.
func intentStatus(intent stripePaymentIntent) (paymentdomain.Status, error) {
	switch strings.TrimSpace(intent.Status) {
	case "succeeded":
		if charge := intent.LatestCharge.Charge; charge != nil && fullyRefunded(*charge) {
			return paymentdomain.StatusRefunded, nil
		}
		return paymentdomain.StatusCompleted, nil
	case "canceled":
		return paymentdomain.StatusCancelled, nil
	case "processing", "requires_payment_method", "requires_confirmation", "requires_action", "requires_capture":
		return paymentdomain.StatusPending, nil
	default:
		return "", paymentdomain.ErrUnknownGatewayStatus
	}
}

func fullyRefunded(charge stripeCharge) bool {
	if charge.Refunded {
		return true
	}
	return charge.AmountRefunded > 0 && charge.AmountRefunded >= charge.Amount
}

func chargeStatus(charge stripeCharge) (paymentdomain.Status, error) {
	if fullyRefunded(charge) {
		return paymentdomain.StatusRefunded, nil
	}
	switch strings.TrimSpace(charge.Status) {
	case "succeeded":
		return paymentdomain.StatusCompleted, nil
	case "pending":
		return paymentdomain.StatusPending, nil
	case "failed":
		return paymentdomain.StatusFailed, nil
	default:
		return "", paymentdomain.ErrUnknownGatewayStatus
	}
}

// zero-decimal currencies are charged in whole units
var zeroDecimal = map[string]bool{"JPY": true, "KRW": true, "VND": true}

func toMinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimal[strings.ToUpper(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimal[strings.ToUpper(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	if a.webhookSecret == "" {
		return paymentdomain.ErrInvalidSignature
	}
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	ts, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	if age := a.now().Sub(time.Unix(unix, 0)); age > signatureTolerance || age < -signatureTolerance {
		return paymentdomain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(ts + "." + string(payload)))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "payment_intent.succeeded":
		return parseIntent(event, payload, paymentdomain.EventTypePaymentSucceeded, paymentdomain.StatusCompleted)
	case "payment_intent.payment_failed":
		return parseIntent(event, payload, paymentdomain.EventTypePaymentFailed, paymentdomain.StatusFailed)
	case "payment_intent.canceled":
		return parseIntent(event, payload, paymentdomain.EventTypePaymentCancelled, paymentdomain.StatusCancelled)
	case "charge.refunded":
		return parseRefund(event, payload)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripePaymentIntent struct {
	ID             string           `json:"id"`
	Status         string           `json:"status"`
	Amount         int64            `json:"amount"`
	AmountReceived int64            `json:"amount_received"`
	Currency       string           `json:"currency"`
	Created        int64            `json:"created"`
	LatestCharge   expandableCharge `json:"latest_charge"`
}

// expandableCharge is a charge id, or the charge itself when expanded.
type expandableCharge struct {
	ID     string
	Charge *stripeCharge
}

func (c *expandableCharge) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")):
		return nil
	case trimmed[0] == '"':
		return json.Unmarshal(trimmed, &c.ID)
	}
	var charge stripeCharge
	if err := json.Unmarshal(trimmed, &charge); err != nil {
		return err
	}
	c.ID = charge.ID
	c.Charge = &charge
	return nil
}

type stripeCharge struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	PaymentIntent  string `json:"payment_intent"`
	Amount         int64  `json:"amount"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunded       bool   `json:"refunded"`
	Currency       string `json:"currency"`
	Created        int64  `json:"created"`
}

func parseIntent(event stripeEvent, payload []byte, eventType string, status paymentdomain.Status) (*paymentdomain.GatewayEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(intent.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	currency := strings.ToUpper(strings.TrimSpace(intent.Currency))
	return &paymentdomain.GatewayEvent{
		Provider:        Provider,
		ProviderEventID: event.ID,
		TransactionID:   intent.ID,
		Type:            eventType,
		Status:          status,
		Amount:          fromMinorUnits(amount, currency),
		Currency:        currency,
		OccurredAt:      timestamp(intent.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

// parseRefund reports REFUNDED only for a full refund; a partial refund
// leaves the payment COMPLETED with a refunded amount.
func parseRefund(event stripeEvent, payload []byte) (*paymentdomain.GatewayEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	txID := strings.TrimSpace(charge.PaymentIntent)
	if txID == "" {
		txID = strings.TrimSpace(charge.ID)
	}
	if txID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	status := paymentdomain.StatusCompleted
	if charge.Refunded {
		status = paymentdomain.StatusRefunded
	}
	currency := strings.ToUpper(strings.TrimSpace(charge.Currency))
	return &paymentdomain.GatewayEvent{
		Provider:        Provider,
		ProviderEventID: event.ID,
		TransactionID:   txID,
		Type:            paymentdomain.EventTypeRefunded,
		Status:          status,
		Amount:          fromMinorUnits(charge.AmountRefunded, currency),
		Currency:        currency,
		OccurredAt:      timestamp(charge.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func parseStripeSignature(header string) (string, []string, error) {
	var ts string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		keyValue := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		switch strings.TrimSpace(keyValue[0]) {
		case "t":
			ts = strings.TrimSpace(keyValue[1])
		case "v1":
			signatures = append(signatures, strings.TrimSpace(keyValue[1]))
		}
	}
	if ts == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return ts, signatures, nil
}

func timestamp(primary, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
