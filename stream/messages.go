package stream

import (
	"time"

	"github.com/saiset-co/sai-market/types"
	"github.com/saiset-co/sai-market/utils"
)

func priceUpdate(q types.Quote) *types.ServerMessage {
	price, change := q.Price, q.Change
	return &types.ServerMessage{
		Type:      types.MessagePriceUpdate,
		Symbol:    q.Symbol,
		Price:     &price,
		Change:    &change,
		Timestamp: q.Timestamp,
	}
}

func heartbeat(now time.Time) *types.ServerMessage {
	return &types.ServerMessage{Type: types.MessageHeartbeat, Timestamp: now}
}

func ack(kind types.MessageType, symbols []string, now time.Time) *types.ServerMessage {
	return &types.ServerMessage{Type: kind, Symbols: symbols, Timestamp: now}
}

func errorMessage(code, message string, now time.Time) *types.ServerMessage {
	return &types.ServerMessage{
		Type:      types.MessageError,
		Code:      code,
		Message:   message,
		Timestamp: now,
	}
}

// decodeClientMessage accepts only well-formed JSON with a known type.
func decodeClientMessage(data []byte) (*types.ClientMessage, error) {
	msg := &types.ClientMessage{}
	if err := utils.Unmarshal(data, msg); err != nil {
		return nil, types.Errorf(types.ErrStreamBadMessage, "%v", err)
	}

	switch msg.Type {
	case types.MessageSubscribe, types.MessageUnsubscribe:
		if len(msg.Symbols) == 0 {
			return nil, types.Errorf(types.ErrStreamBadMessage, "%s requires symbols", msg.Type)
		}
	case types.MessagePing:
	default:
		return nil, types.Errorf(types.ErrStreamBadMessage, "unknown message type %q", msg.Type)
	}

	return msg, nil
}
