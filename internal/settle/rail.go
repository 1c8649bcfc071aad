// Package settle moves funds out to external rails (card, mobile money,
// bank). Rails are opaque: they report success with a reference or they
// fail, and a failure after the internal debit triggers a compensating
// credit that is retried until it lands.
package settle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/escrow-dispatch/internal/apperr"
)

// Method selects the settlement rail.
type Method string

const (
	MethodCard        Method = "card"
	MethodMobileMoney Method = "mobile_money"
)

// Details is rail-specific destination data (msisdn, card token, iban, ...).
type Details map[string]string

// Rail is one external settlement channel.
type Rail interface {
	// ProcessWithdrawal pushes amount (minor units) out and returns the
	// rail's reference on success.
	ProcessWithdrawal(ctx context.Context, amount int64, currency string, details Details) (string, error)
}

// MobileMoneyRail posts withdrawals to a mobile-money aggregator endpoint
// (orange_money, mtn_money, ...).
type MobileMoneyRail struct {
	Endpoint string
	APIKey   string
	Client   *http.Client
}

func NewMobileMoneyRail(endpoint, apiKey string) *MobileMoneyRail {
	return &MobileMoneyRail{Endpoint: endpoint, APIKey: apiKey, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (m *MobileMoneyRail) ProcessWithdrawal(ctx context.Context, amount int64, currency string, details Details) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"amount":   amount,
		"currency": currency,
		"msisdn":   details["msisdn"],
		"provider": details["provider"],
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", apperr.External("mobile money request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if m.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.APIKey)
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return "", apperr.External("mobile money call", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.External("mobile money call", fmt.Errorf("status %d", resp.StatusCode))
	}
	var out struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", apperr.External("mobile money response", err)
	}
	return out.Reference, nil
}
