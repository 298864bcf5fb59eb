package play

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	playedAt := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)

	tests := []struct {
		name     string
		raw      RawEvent
		expected Event
		wantErr  bool
	}{
		{
			name: "full event",
			raw: RawEvent{
				Track: RawTrack{
					ID:      "t1",
					Name:    "Song",
					Artists: []RawArtist{{Name: "A"}, {Name: "B"}},
					URI:     "spotify:track:t1",
				},
				PlayedAt: playedAt,
			},
			expected: Event{
				TrackID:   "t1",
				TrackName: "Song",
				Artist:    "A, B",
				URI:       "spotify:track:t1",
				PlayedAt:  time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC),
			},
		},
		{
			name: "missing uri and played_at",
			raw:  RawEvent{Track: RawTrack{ID: " t2 ", Name: "Other"}},
			expected: Event{
				TrackID:   "t2",
				TrackName: "Other",
				URI:       "spotify:track:t2",
			},
		},
		{
			name:    "missing id",
			raw:     RawEvent{Track: RawTrack{Name: "No id"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEvent))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ev)
		})
	}
}

func TestEvent_Key(t *testing.T) {
	ev := Event{TrackID: "t1", PlayedAt: time.UnixMilli(1700000000000)}
	assert.Equal(t, "t1@1700000000000", ev.Key())
}

func TestRawEvent_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		expectedID   string
		expectedAt   time.Time
		expectedArts int
		wantErr      bool
	}{
		{
			name:         "wrapped with RFC3339 played_at",
			input:        `{"track":{"id":"t1","name":"Song","artists":[{"name":"A"}],"uri":"spotify:track:t1"},"played_at":"2024-05-01T12:00:00.500Z"}`,
			expectedID:   "t1",
			expectedAt:   time.Date(2024, 5, 1, 12, 0, 0, 500000000, time.UTC),
			expectedArts: 1,
		},
		{
			name:       "unwrapped with epoch-ms played_at",
			input:      `{"id":"t2","name":"Other","played_at":1700000000000}`,
			expectedID: "t2",
			expectedAt: time.UnixMilli(1700000000000).UTC(),
		},
		{
			name:       "no played_at",
			input:      `{"track":{"id":"t3"}}`,
			expectedID: "t3",
		},
		{
			name:    "bad played_at",
			input:   `{"id":"t4","played_at":"yesterday"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := DecodeRawEvents([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidEvent))
				return
			}
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.Equal(t, tt.expectedID, events[0].Track.ID)
			assert.True(t, tt.expectedAt.Equal(events[0].PlayedAt), "played_at = %v", events[0].PlayedAt)
			assert.Len(t, events[0].Track.Artists, tt.expectedArts)
		})
	}
}

func TestDecodeRawEvents_Array(t *testing.T) {
	events, err := DecodeRawEvents([]byte(`[{"id":"a"},{"track":{"id":"b"}}]`))
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Track.ID)
	assert.Equal(t, "b", events[1].Track.ID)

	_, err = DecodeRawEvents([]byte("  "))
	assert.True(t, errors.Is(err, ErrInvalidEvent))
}
