package gateways

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"example.com/backstage/services/orders/config"
	"example.com/backstage/services/orders/internal/saga"
)

// PaymentClient talks to the payment gateway over HTTP. The order ID rides
// along as the idempotency key, so a retried or resumed charge can not
// capture twice.
type PaymentClient struct {
	baseURL string
	client  *http.Client
}

// NewPaymentClient creates a new payment gateway client
func NewPaymentClient(cfg config.GatewayConfig) *PaymentClient {
	timeout := cfg.PaymentTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PaymentClient{
		baseURL: strings.TrimRight(cfg.PaymentBaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type paymentRequest struct {
	OrderID      string `json:"order_id"`
	AmountCents  int64  `json:"amount_cents"`
	CurrencyCode string `json:"currency_code"`
	Method       string `json:"method"`
}

type paymentResponse struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transaction_id"`
	DeclineReason string `json:"decline_reason"`
}

type refundRequest struct {
	TransactionID string `json:"transaction_id"`
	AmountCents   int64  `json:"amount_cents"`
}

// ProcessPayment charges an order. A decline comes back as an unsuccessful
// result; errors mean the outcome is unknown.
func (c *PaymentClient) ProcessPayment(ctx context.Context, orderID string, amountCents int64, currencyCode, method string) (saga.PaymentResult, error) {
	req := paymentRequest{
		OrderID:      orderID,
		AmountCents:  amountCents,
		CurrencyCode: currencyCode,
		Method:       method,
	}

	var resp paymentResponse
	err := postJSON(ctx, c.client, c.baseURL+"/payments", map[string]string{
		"Idempotency-Key": orderID,
	}, req, &resp)
	if err != nil {
		return saga.PaymentResult{}, errors.Wrap(err, "payment gateway call failed")
	}

	return saga.PaymentResult{
		Success:       resp.Success,
		TransactionID: resp.TransactionID,
		DeclineReason: resp.DeclineReason,
	}, nil
}

// Refund reverses a captured payment
func (c *PaymentClient) Refund(ctx context.Context, transactionID string, amountCents int64) error {
	req := refundRequest{
		TransactionID: transactionID,
		AmountCents:   amountCents,
	}

	err := postJSON(ctx, c.client, c.baseURL+"/refunds", map[string]string{
		"Idempotency-Key": transactionID,
	}, req, nil)
	if err != nil {
		return errors.Wrap(err, "refund gateway call failed")
	}
	return nil
}
