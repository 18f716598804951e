package relay

import (
	"encoding/json"
	"time"

	"github.com/deRockerTom/twitch-bot/store"
)

// Payload is the JSON frame display clients receive for each message.
type Payload struct {
	UserID    string `json:"user_id"`
	Login     string `json:"login"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// Encode renders m as the wire payload. Timestamps are RFC 3339 in UTC.
func Encode(m store.Message) ([]byte, error) {
	return json.Marshal(Payload{
		UserID:    m.UserID,
		Login:     m.Login,
		Message:   m.Message,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}
