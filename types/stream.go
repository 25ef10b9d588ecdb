package types

import "time"

type MessageType string

const (
	MessageSubscribe   MessageType = "subscribe"
	MessageUnsubscribe MessageType = "unsubscribe"
	MessagePing        MessageType = "ping"

	MessagePriceUpdate  MessageType = "price_update"
	MessageHeartbeat    MessageType = "heartbeat"
	MessageSubscribed   MessageType = "subscribed"
	MessageUnsubscribed MessageType = "unsubscribed"
	MessageError        MessageType = "error"
)

const (
	CodeBadMessage     = "BAD_MESSAGE"
	CodeBadSymbol      = "BAD_SYMBOL"
	CodeTooManySymbols = "TOO_MANY_SYMBOLS"
	CodeRateLimited    = "RATE_LIMITED"
)

type ClientMessage struct {
	Type    MessageType `json:"type"`
	Symbols []string    `json:"symbols,omitempty"`
}

type ServerMessage struct {
	Type      MessageType `json:"type"`
	Symbol    string      `json:"symbol,omitempty"`
	Symbols   []string    `json:"symbols,omitempty"`
	Price     *float64    `json:"price,omitempty"`
	Change    *float64    `json:"change,omitempty"`
	Code      string      `json:"code,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
