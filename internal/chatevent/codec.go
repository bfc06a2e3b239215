package chatevent

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"
	"github.com/smallbiznis/chatpoints/pkg/telemetry/correlation"
)

// Envelope is what sits in the buffer and in chat_jobs.payload: the event
// plus the trace context of the webhook request that accepted it.
type Envelope struct {
	Event      ChatEvent           `json:"event"`
	Trace      correlation.Carrier `json:"trace"`
	ReceivedAt time.Time           `json:"received_at"`
}

// Encode serialises an envelope for the buffer list. Entries are snappy
// compressed JSON; chat bursts keep thousands of them in memory.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

func Decode(data []byte) (Envelope, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return Envelope{}, fmt.Errorf("decompress envelope: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
