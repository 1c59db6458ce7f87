package amqp

import (
	"encoding/json"
	"errors"
	"time"
)

var errMissingUserID = errors.New("ledger change message without user_id")

// LedgerChangedMessage tells other processes that a user's ledger changed.
// It carries no transaction data; receivers re-query their own store.
type LedgerChangedMessage struct {
	UserID    string    `json:"user_id"`
	Origin    string    `json:"origin"`
	Timestamp time.Time `json:"timestamp"`
}

func NewLedgerChangedMessage(userID, origin string) *LedgerChangedMessage {
	return &LedgerChangedMessage{
		UserID:    userID,
		Origin:    origin,
		Timestamp: time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *LedgerChangedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// LedgerChangedMessageFromJSON decodes a message and rejects ones that name
// no user.
func LedgerChangedMessageFromJSON(data []byte) (*LedgerChangedMessage, error) {
	var msg LedgerChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.UserID == "" {
		return nil, errMissingUserID
	}
	return &msg, nil
}
