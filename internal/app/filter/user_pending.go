package filter

import (
	"context"

	"github.com/osa030/discobox/internal/domain/track"
)

// UserPendingConfig represents the configuration for UserPendingFilter.
type UserPendingConfig struct {
	MaxPending int `yaml:"max_pending" mapstructure:"max_pending" default:"3" validate:"gte=1"`
}

// UserPendingFilter limits how many tracks one user may have waiting.
type UserPendingFilter struct {
	queue      Queue
	maxPending int
}

// NewUserPendingFilter creates a new user pending filter.
func NewUserPendingFilter(q Queue) *UserPendingFilter {
	return &UserPendingFilter{queue: q, maxPending: 3}
}

func (f *UserPendingFilter) Name() string {
	return "user_pending_filter"
}

func (f *UserPendingFilter) Description() string {
	return "Checks how many of the user's tracks are waiting to be played"
}

func (f *UserPendingFilter) ReturnCodes() []string {
	return []string{"user_pending"}
}

func (f *UserPendingFilter) ValidateConfig(settings map[string]any) error {
	var config UserPendingConfig
	if err := decodeSettings(settings, &config); err != nil {
		return err
	}
	f.maxPending = config.MaxPending
	return nil
}

func (f *UserPendingFilter) AppliesTo(requesterType track.RequesterType) bool {
	return requesterType == track.RequesterTypeUser
}

func (f *UserPendingFilter) Check(ctx context.Context, req Request, t track.Track) Result {
	pending := 0
	for _, held := range f.queue.Tracks(ctx, req.GuildID) {
		if held.RequestedBy == req.UserID {
			pending++
		}
	}
	if pending >= f.maxPending {
		return Reject("user_pending")
	}
	return Accept()
}

func init() {
	Register("user_pending_filter", func(q Queue) Filter {
		return NewUserPendingFilter(q)
	})
}
