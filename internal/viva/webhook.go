package viva

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrWebhookKeyUnavailable reports a missing or unreadable verification key file.
var ErrWebhookKeyUnavailable = errors.New("viva: webhook key unavailable")

// WebhookPayload is the notification body posted by the provider.
type WebhookPayload struct {
	URL           string           `json:"Url"`
	EventData     WebhookEventData `json:"EventData"`
	Created       string           `json:"Created"`
	CorrelationID string           `json:"CorrelationId"`
	EventTypeID   int64            `json:"EventTypeId"`
	EventID       *int64           `json:"EventId,omitempty"`
	MessageID     string           `json:"MessageId"`
}

// WebhookEventData carries the transaction fields of a notification.
type WebhookEventData struct {
	TransactionID               string         `json:"TransactionId"`
	OrderCode                   FlexibleString `json:"OrderCode"`
	Amount                      json.Number    `json:"Amount"`
	MerchantTrns                string         `json:"MerchantTrns"`
	StatusID                    string         `json:"StatusId"`
	ElectronicCommerceIndicator FlexibleString `json:"ElectronicCommerceIndicator"`
}

// DecodeWebhook parses a notification body, keeping big order codes exact.
func DecodeWebhook(body []byte) (WebhookPayload, error) {
	decoder := json.NewDecoder(strings.NewReader(string(body)))
	decoder.UseNumber()
	var payload WebhookPayload
	if err := decoder.Decode(&payload); err != nil {
		return WebhookPayload{}, err
	}
	return payload, nil
}

// EventIdentifier prefers the explicit event id and falls back to the event type.
func (payload WebhookPayload) EventIdentifier() int64 {
	if payload.EventID != nil {
		return *payload.EventID
	}
	return payload.EventTypeID
}

// ECI returns the e-commerce indicator as an integer, zero when absent or malformed.
func (data WebhookEventData) ECI() int64 {
	value, err := strconv.ParseInt(strings.TrimSpace(data.ElectronicCommerceIndicator.String()), 10, 64)
	if err != nil {
		return 0
	}
	return value
}

// WebhookKeySource yields the verification document the provider requests
// with GET before activating a webhook.
type WebhookKeySource interface {
	WebhookKey() (json.RawMessage, error)
}

// FileWebhookKey reads the verification document from a JSON file.
type FileWebhookKey struct {
	Path string
}

func (source FileWebhookKey) WebhookKey() (json.RawMessage, error) {
	if strings.TrimSpace(source.Path) == "" {
		return nil, ErrWebhookKeyUnavailable
	}
	content, err := os.ReadFile(source.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookKeyUnavailable, err)
	}
	if !json.Valid(content) {
		return nil, fmt.Errorf("%w: invalid json", ErrWebhookKeyUnavailable)
	}
	return json.RawMessage(content), nil
}
