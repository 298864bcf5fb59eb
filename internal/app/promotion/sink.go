// Package promotion delivers threshold crossings to the configured sinks.
package promotion

import (
	"context"
	"time"

	"github.com/osa030/onrepeat/internal/domain/play"
)

// Sink receives threshold crossings.
type Sink interface {
	Name() string
	OnThresholdCrossed(ctx context.Context, c play.Crossing) error
}

// Notice is the message a sink publishes for a crossing.
type Notice struct {
	SequenceNo uint64    `json:"sequence_no"`
	TrackID    string    `json:"track_id"`
	TrackName  string    `json:"track_name"`
	Artist     string    `json:"artist"`
	URI        string    `json:"uri"`
	URL        string    `json:"url"`
	Count      int       `json:"count"`
	CrossedAt  time.Time `json:"crossed_at"`
}

type sequenceKey struct{}

// withSequenceNo attaches the dispatcher sequence number to ctx.
func withSequenceNo(ctx context.Context, seq uint64) context.Context {
	return context.WithValue(ctx, sequenceKey{}, seq)
}

// SequenceNo returns the dispatcher sequence number carried by ctx, or 0.
func SequenceNo(ctx context.Context) uint64 {
	seq, _ := ctx.Value(sequenceKey{}).(uint64)
	return seq
}
