package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface every typed event payload implements. This
// allows publishers to hand the bus a concrete struct while subscribers
// (the IPC surface, the SSE stream) handle a uniform envelope.
type EventData interface {
	EventType() EventType
}

// AutoLogoutWarningData is emitted by the scheduler at each warning-ladder
// tick ahead of the forced logout.
type AutoLogoutWarningData struct {
	BrokerID       string `json:"broker_id"`
	MinutesRemaining int  `json:"minutes_remaining"`
}

func (d *AutoLogoutWarningData) EventType() EventType { return AutoLogoutWarning }

// AutoLogoutData is emitted at the configured cutoff, before the
// scheduler revokes the active broker session.
type AutoLogoutData struct {
	BrokerID string `json:"broker_id"`
	Reason   string `json:"reason"`
}

func (d *AutoLogoutData) EventType() EventType { return AutoLogout }

// OrderEventData carries an order lifecycle update surfaced to the UI.
type OrderEventData struct {
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Status   string  `json:"status"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
}

func (d *OrderEventData) EventType() EventType { return OrderEvent }

// WebhookAlertData is emitted when a strategy webhook is accepted and
// dispatched for execution.
type WebhookAlertData struct {
	WebhookID  string `json:"webhook_id"`
	StrategyID int64  `json:"strategy_id"`
	Symbol     string `json:"symbol"`
	Action     string `json:"action"`
}

func (d *WebhookAlertData) EventType() EventType { return WebhookAlert }

// MarketTickData carries a single quote update from an open broker feed.
type MarketTickData struct {
	Symbol    string  `json:"symbol"`
	Exchange  string  `json:"exchange"`
	LastPrice float64 `json:"last_price"`
}

func (d *MarketTickData) EventType() EventType { return MarketTick }

// WebSocketStatusData reports the lifecycle of a broker market-data stream.
// Kind selects which of the three WebSocket* event types this instance
// represents, since connect/disconnect/error share one payload shape.
type WebSocketStatusData struct {
	Kind     EventType `json:"-"`
	BrokerID string    `json:"broker_id"`
	Error    string    `json:"error,omitempty"`
}

func (d *WebSocketStatusData) EventType() EventType {
	if d.Kind == "" {
		return WebSocketConnected
	}
	return d.Kind
}

// OAuthCallbackData is emitted when a broker's OAuth redirect lands on the
// Admission Gateway.
type OAuthCallbackData struct {
	BrokerID string `json:"broker_id"`
	Success  bool   `json:"success"`
}

func (d *OAuthCallbackData) EventType() EventType { return OAuthCallback }

// SessionRevokedData describes a cleared broker session. The custodian
// holds no bus and does not publish it when it clears the session row.
type SessionRevokedData struct {
	BrokerID string `json:"broker_id"`
	Reason   string `json:"reason"`
}

func (d *SessionRevokedData) EventType() EventType { return SessionRevoked }

// IdentityStateChangedData is emitted on every Identity Manager state
// transition (NotInitialized -> Idle -> Authenticated and back).
type IdentityStateChangedData struct {
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
}

func (d *IdentityStateChangedData) EventType() EventType { return IdentityStateChanged }

// IPBanAppliedData describes a ban applied to an IP. admission.Gate holds
// no bus and does not publish it when a strike count escalates to a ban.
type IPBanAppliedData struct {
	IP        string `json:"ip"`
	Permanent bool   `json:"permanent"`
}

func (d *IPBanAppliedData) EventType() EventType { return IPBanApplied }

// ErrorEventData carries an internal error surfaced to the UI for display.
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

func (d *ErrorEventData) EventType() EventType { return ErrorOccurred }

// Envelope is the wire shape of a published event: a typed, timestamped
// wrapper around a Data payload.
type Envelope struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// MarshalJSON flattens Data into the envelope's "data" field.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type Alias Envelope
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{Alias: (*Alias)(e)}

	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = b
	}
	return json.Marshal(aux)
}
