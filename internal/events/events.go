// Package events carries platform events between processes. Payloads are
// JSON; the bus itself only moves bytes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
)

// TopicCompetitionEnd is emitted by competition orchestration when a
// competition finishes.
const TopicCompetitionEnd = "competition:end"

// Bus provides topic-based pub/sub.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe returns a channel of payloads that is closed when ctx is done.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, error)
}

// CompetitionEnd is the payload of TopicCompetitionEnd. Winner is empty when
// the competition ended without one.
type CompetitionEnd struct {
	CompetitionID string `json:"competitionId"`
	Winner        string `json:"winner,omitempty"`
}

// PublishCompetitionEnd encodes and publishes a competition-end event.
func PublishCompetitionEnd(ctx context.Context, bus Bus, ev CompetitionEnd) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: encode competition end: %w", err)
	}
	return bus.Publish(ctx, TopicCompetitionEnd, data)
}

// DecodeCompetitionEnd parses a competition-end payload.
func DecodeCompetitionEnd(payload []byte) (CompetitionEnd, error) {
	var ev CompetitionEnd
	if err := json.Unmarshal(payload, &ev); err != nil {
		return CompetitionEnd{}, fmt.Errorf("events: decode competition end: %w", err)
	}
	if ev.CompetitionID == "" {
		return CompetitionEnd{}, fmt.Errorf("events: competition end without competitionId")
	}
	return ev, nil
}
