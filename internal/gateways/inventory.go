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

// InventoryClient talks to the inventory service over HTTP.
type InventoryClient struct {
	baseURL string
	client  *http.Client
}

// NewInventoryClient creates a new inventory service client
func NewInventoryClient(cfg config.GatewayConfig) *InventoryClient {
	timeout := cfg.InventoryTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &InventoryClient{
		baseURL: strings.TrimRight(cfg.InventoryBaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type reserveRequest struct {
	OrderID string                 `json:"order_id"`
	Items   []saga.ReservationItem `json:"items"`
}

type reserveResponse struct {
	ReservationID string `json:"reservation_id"`
}

// Reserve holds stock for an order and returns the reservation ID
func (c *InventoryClient) Reserve(ctx context.Context, orderID string, items []saga.ReservationItem) (string, error) {
	req := reserveRequest{
		OrderID: orderID,
		Items:   items,
	}

	var resp reserveResponse
	err := postJSON(ctx, c.client, c.baseURL+"/reservations", map[string]string{
		"Idempotency-Key": orderID,
	}, req, &resp)
	if err != nil {
		return "", errors.Wrap(err, "inventory reserve call failed")
	}
	if resp.ReservationID == "" {
		return "", errors.New("inventory returned an empty reservation ID")
	}

	return resp.ReservationID, nil
}

// ConfirmReservation commits held stock permanently
func (c *InventoryClient) ConfirmReservation(ctx context.Context, reservationID string) error {
	err := postJSON(ctx, c.client, c.baseURL+"/reservations/"+reservationID+"/confirm", nil, nil, nil)
	if err != nil {
		return errors.Wrap(err, "inventory confirm call failed")
	}
	return nil
}

// ReleaseReservation returns held stock to the pool
func (c *InventoryClient) ReleaseReservation(ctx context.Context, reservationID string) error {
	err := postJSON(ctx, c.client, c.baseURL+"/reservations/"+reservationID+"/release", nil, nil, nil)
	if err != nil {
		return errors.Wrap(err, "inventory release call failed")
	}
	return nil
}
