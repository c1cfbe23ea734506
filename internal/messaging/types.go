package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Event is one miner event as published to Kafka.
type Event struct {
	Type       string
	Host       string
	TemplateID string
	Height     int64
	Outcome    string
	Reason     string
	BlockHash  string
	Nonce      uint64
	Hashes     uint64
	Hashrate   float64
	Threads    int
	Duration   time.Duration
	At         time.Time
}

// Key partitions events by template so one template's events stay ordered.
func (e *Event) Key() string {
	if e.TemplateID != "" {
		return e.TemplateID
	}
	return e.Host
}

// Proto converts the event into a protobuf Struct. Empty fields are left out.
func (e *Event) Proto() (*structpb.Struct, error) {
	fields := map[string]any{
		"type": e.Type,
		"host": e.Host,
		"at":   e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.TemplateID != "" {
		fields["template_id"] = e.TemplateID
		fields["height"] = e.Height
	}
	if e.Outcome != "" {
		fields["outcome"] = e.Outcome
	}
	if e.Reason != "" {
		fields["reason"] = e.Reason
	}
	if e.BlockHash != "" {
		fields["block_hash"] = e.BlockHash
		fields["nonce"] = e.Nonce
	}

	switch e.Type {
	case EventRound:
		fields["hashes"] = e.Hashes
		fields["duration_ms"] = e.Duration.Milliseconds()
		fields["threads"] = e.Threads
	case EventHashrate:
		fields["hashrate"] = e.Hashrate
		fields["threads"] = e.Threads
	}
	return structpb.NewStruct(fields)
}
