// Package events provides event management functionality: a typed event
// contract plus an in-process publish/subscribe bus used by the Auto-Logout
// Scheduler, the Admission Gateway, and the Local IPC Surface to notify a
// connected UI without polling.
package events

// EventType identifies the shape of an event's Data payload.
type EventType string

const (
	AutoLogoutWarning      EventType = "AUTO_LOGOUT_WARNING"
	AutoLogout             EventType = "AUTO_LOGOUT"
	OrderEvent             EventType = "ORDER_EVENT"
	WebhookAlert           EventType = "WEBHOOK_ALERT"
	MarketTick             EventType = "MARKET_TICK"
	WebSocketConnected     EventType = "WEBSOCKET_CONNECTED"
	WebSocketDisconnected  EventType = "WEBSOCKET_DISCONNECTED"
	WebSocketError         EventType = "WEBSOCKET_ERROR"
	OAuthCallback          EventType = "OAUTH_CALLBACK"
	SessionRevoked         EventType = "SESSION_REVOKED"
	IdentityStateChanged   EventType = "IDENTITY_STATE_CHANGED"
	IPBanApplied           EventType = "IP_BAN_APPLIED"
	ErrorOccurred          EventType = "ERROR_OCCURRED"
)
