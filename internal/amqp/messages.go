package amqp

import (
	"encoding/json"
	"time"
)

// SnapshotProcessedMessage announces that a snapshot has been processed
// and its award rows are waiting in the database. The worker fetches the
// rows by snapshot ID; the message stays small on purpose.
type SnapshotProcessedMessage struct {
	SnapshotID int64     `json:"snapshot_id"`
	Period     string    `json:"period"`
	Users      int       `json:"users"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewSnapshotProcessedMessage creates a message for one processed snapshot.
func NewSnapshotProcessedMessage(snapshotID int64, period string, users int) *SnapshotProcessedMessage {
	return &SnapshotProcessedMessage{
		SnapshotID: snapshotID,
		Period:     period,
		Users:      users,
		Timestamp:  time.Now(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *SnapshotProcessedMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SnapshotProcessedMessageFromJSON creates a message from JSON bytes
func SnapshotProcessedMessageFromJSON(data []byte) (*SnapshotProcessedMessage, error) {
	var msg SnapshotProcessedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
