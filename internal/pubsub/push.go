// Package pubsub decodes Pub/Sub push deliveries and verifies the OIDC
// tokens Google signs them with.
package pubsub

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PushEnvelope is the wrapper Pub/Sub wraps around every push delivery.
// The binding tags let HTTP handlers reject envelopes without a message
// body at bind time.
type PushEnvelope struct {
	Message struct {
		Data        string            `json:"data" binding:"required"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message" binding:"required"`
	Subscription string `json:"subscription"`
}

// Notification is the Gmail payload inside a push delivery. HistoryID
// arrives as a string from some publishers and a number from others.
type Notification struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    string `json:"-"`
}

func (n *Notification) UnmarshalJSON(data []byte) error {
	var raw struct {
		EmailAddress string          `json:"emailAddress"`
		HistoryID    json.RawMessage `json:"historyId"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	n.EmailAddress = raw.EmailAddress
	if len(raw.HistoryID) == 0 {
		n.HistoryID = ""
		return nil
	}

	var asString string
	if err := json.Unmarshal(raw.HistoryID, &asString); err == nil {
		n.HistoryID = asString
		return nil
	}
	var asNumber json.Number
	if err := json.Unmarshal(raw.HistoryID, &asNumber); err == nil {
		n.HistoryID = asNumber.String()
		return nil
	}
	return fmt.Errorf("historyId is neither string nor number")
}

// DecodeNotification unwraps the base64 message body of an envelope.
func DecodeNotification(env *PushEnvelope) (*Notification, error) {
	if env.Message.Data == "" {
		return nil, fmt.Errorf("push message carries no data")
	}

	raw, err := base64.StdEncoding.DecodeString(env.Message.Data)
	if err != nil {
		// Pub/Sub documents standard encoding but URL-safe shows up in
		// the wild.
		raw, err = base64.URLEncoding.DecodeString(env.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("decode push data: %w", err)
		}
	}

	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("parse push data: %w", err)
	}
	return &n, nil
}
