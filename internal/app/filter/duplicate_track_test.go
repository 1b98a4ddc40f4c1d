package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/osa030/discobox/internal/domain/track"
)

func TestDuplicateTrackFilter_Check(t *testing.T) {
	tests := []struct {
		name         string
		held         track.Track
		requested    track.Track
		shouldReject bool
	}{
		{
			name:         "same page",
			held:         track.Track{Title: "Bohemian Rhapsody", SourceURL: "https://y/1"},
			requested:    track.Track{Title: "Something else", SourceURL: "https://y/1"},
			shouldReject: true,
		},
		{
			name:         "standard remaster pattern",
			held:         track.Track{Title: "Bohemian Rhapsody", SourceURL: "https://y/1"},
			requested:    track.Track{Title: "Bohemian Rhapsody - 2011 Remaster", SourceURL: "https://y/2"},
			shouldReject: true,
		},
		{
			name:         "official video upload",
			held:         track.Track{Title: "Lemon", SourceURL: "https://y/1"},
			requested:    track.Track{Title: "Lemon (Official Music Video)", SourceURL: "https://y/2"},
			shouldReject: true,
		},
		{
			name:         "radio edit",
			held:         track.Track{Title: "Song (Radio Edit)", SourceURL: "https://y/1"},
			requested:    track.Track{Title: "song", SourceURL: "https://y/2"},
			shouldReject: true,
		},
		{
			name:         "different song",
			held:         track.Track{Title: "Bohemian Rhapsody", SourceURL: "https://y/1"},
			requested:    track.Track{Title: "We Will Rock You", SourceURL: "https://y/2"},
			shouldReject: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewDuplicateTrackFilter(&mockQueue{tracks: []track.Track{tt.held}})
			result := f.Check(context.Background(), Request{GuildID: "g1"}, tt.requested)
			assert.Equal(t, !tt.shouldReject, result.Accepted)
			if tt.shouldReject {
				assert.Equal(t, "duplicate_track", result.Code)
			}
		})
	}
}

func TestNormalizeTrackName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Bohemian Rhapsody - 2011 Remaster", "bohemian rhapsody"},
		{"Hotel California (Remastered 2013)", "hotel california"},
		{"Song [Remastered]", "song"},
		{"Song (Single Version)", "song"},
		{"Song (Radio Edit)", "song"},
		{"Song [Official Video]", "song"},
		{"Song (Lyrics)", "song"},
		{"  Many   Spaces  ", "many spaces"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeTrackName(tt.input))
		})
	}
}
