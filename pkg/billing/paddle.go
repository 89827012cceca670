package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds the Paddle API credentials.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements Provider on top of the official Paddle SDK.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

// NewPaddleProvider creates the Paddle integration.
func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("paddle API key is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.New("paddle webhook secret is required")
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
	}, nil
}

func (p *PaddleProvider) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (string, error) {
	if req.Email == "" {
		return "", errors.New("customer email is required")
	}

	customer, err := p.client.CustomersClient.CreateCustomer(ctx, &paddle.CreateCustomerRequest{
		Email: req.Email,
		CustomData: paddle.CustomData{
			"customer_id": req.CustomerID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create paddle customer: %w", err)
	}
	return customer.ID, nil
}

func (p *PaddleProvider) CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, errors.New("price ID is required")
	}
	if req.ProviderCustomerID == "" {
		return nil, errors.New("provider customer ID is required")
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	customData := paddle.CustomData{"customer_id": req.CustomerID}
	if req.Purpose != "" {
		customData["purpose"] = req.Purpose
	}
	if req.PackUnits > 0 {
		customData["pack_units"] = strconv.FormatInt(req.PackUnits, 10)
	}

	txnReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomerID: paddle.PtrTo(req.ProviderCustomerID),
		CustomData: customData,
	}
	if req.SuccessURL != "" {
		txnReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	txn, err := p.client.TransactionsClient.CreateTransaction(ctx, txnReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle transaction: %w", err)
	}
	if txn.Checkout == nil || txn.Checkout.URL == nil || *txn.Checkout.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutSession{
		URL:       *txn.Checkout.URL,
		SessionID: txn.ID,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func (p *PaddleProvider) CreatePortalSession(ctx context.Context, providerCustomerID string, providerSubIDs []string) (*PortalSession, error) {
	if providerCustomerID == "" {
		return nil, errors.New("provider customer ID is required")
	}

	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, &paddle.CreateCustomerPortalSessionRequest{
		CustomerID:      providerCustomerID,
		SubscriptionIDs: providerSubIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle portal session: %w", err)
	}

	out := &PortalSession{
		URL:       session.URLs.General.Overview,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	for _, sub := range session.URLs.Subscriptions {
		if len(providerSubIDs) > 0 && sub.ID == providerSubIDs[0] {
			out.CancelURL = sub.CancelSubscription
			break
		}
	}
	if out.URL == "" {
		return nil, ErrNoPortalURL
	}
	return out, nil
}

// paddleEnvelope is the outer shape of every Paddle webhook.
type paddleEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddlePeriod struct {
	StartsAt time.Time `json:"starts_at"`
	EndsAt   time.Time `json:"ends_at"`
}

type paddleSubscriptionData struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	CustomerID    string         `json:"customer_id"`
	CustomData    map[string]any `json:"custom_data"`
	BillingPeriod *paddlePeriod  `json:"current_billing_period"`
	Items         []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
}

type paddleTransactionData struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	CustomerID     string         `json:"customer_id"`
	SubscriptionID string         `json:"subscription_id"`
	CustomData     map[string]any `json:"custom_data"`
	BillingPeriod  *paddlePeriod  `json:"billing_period"`
	Items          []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
	Details struct {
		Totals struct {
			Total        string `json:"total"`
			CurrencyCode string `json:"currency_code"`
		} `json:"totals"`
	} `json:"details"`
}

func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	// The SDK verifier works on an http.Request; reconstruct one around the
	// raw body so the signature covers exactly the bytes received.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build verification request: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrVerificationFailed, err)
	}
	if !valid {
		return nil, ErrVerificationFailed
	}

	var env paddleEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	event := &Event{
		ID:         env.EventID,
		OccurredAt: env.OccurredAt,
		Raw:        json.RawMessage(payload),
	}

	switch {
	case strings.HasPrefix(env.EventType, "subscription."):
		var data paddleSubscriptionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to parse subscription event: %w", err)
		}
		event.Type = mapSubscriptionEvent(env.EventType)
		event.ProviderSubID = data.ID
		event.ProviderCustomerID = data.CustomerID
		event.Status = data.Status
		event.CustomerID = customDataString(data.CustomData, "customer_id")
		if data.BillingPeriod != nil {
			event.PeriodStart = &data.BillingPeriod.StartsAt
			event.PeriodEnd = &data.BillingPeriod.EndsAt
		}
		if len(data.Items) > 0 {
			event.PriceID = data.Items[0].Price.ID
		}

	case strings.HasPrefix(env.EventType, "transaction."):
		var data paddleTransactionData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("failed to parse transaction event: %w", err)
		}
		purpose := customDataString(data.CustomData, "purpose")
		event.Type = mapTransactionEvent(env.EventType, purpose)
		event.ProviderTxnID = data.ID
		event.ProviderSubID = data.SubscriptionID
		event.ProviderCustomerID = data.CustomerID
		event.Status = data.Status
		event.CustomerID = customDataString(data.CustomData, "customer_id")
		event.PackUnits = customDataInt(data.CustomData, "pack_units")
		if data.BillingPeriod != nil {
			event.PeriodStart = &data.BillingPeriod.StartsAt
			event.PeriodEnd = &data.BillingPeriod.EndsAt
		}
		if len(data.Items) > 0 {
			event.PriceID = data.Items[0].Price.ID
		}
		event.Currency = data.Details.Totals.CurrencyCode
		if total := data.Details.Totals.Total; total != "" {
			if amount, err := strconv.ParseInt(total, 10, 64); err == nil {
				event.Amount = amount
			}
		}

	default:
		event.Type = EventUnknown
	}

	return event, nil
}

func mapSubscriptionEvent(eventType string) EventType {
	switch eventType {
	case "subscription.created":
		return EventSubscriptionCreated
	case "subscription.canceled":
		return EventSubscriptionCanceled
	default:
		// activated, updated, trialing, past_due, paused, resumed all carry
		// the subscription's full current state.
		return EventSubscriptionUpdated
	}
}

func mapTransactionEvent(eventType, purpose string) EventType {
	switch eventType {
	case "transaction.completed", "transaction.payment_succeeded":
		if purpose == PurposeTokenPack {
			return EventTokenPackPurchased
		}
		return EventPaymentSucceeded
	case "transaction.payment_failed":
		return EventPaymentFailed
	default:
		return EventUnknown
	}
}

func customDataString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func customDataInt(data map[string]any, key string) int64 {
	switch v := data[key].(type) {
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}
