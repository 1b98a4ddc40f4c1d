package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyRegistered is returned when a channel is registered twice.
	ErrAlreadyRegistered = errors.New("already registered")
)

// Stats aggregates chat usage.
type Stats struct {
	TotalMessages int64 `json:"total_messages"`
	TotalTokens   int64 `json:"total_tokens"`
	AIChannels    int64 `json:"ai_channels"`
	MusicChannels int64 `json:"music_channels"`
}

// CreateAIChannel registers a channel for AI replies.
func (s *Store) CreateAIChannel(ctx context.Context, ch AIChannel) (*AIChannel, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&AIChannel{}).
		Where("channel_id = ?", ch.ChannelID).
		Count(&count).Error; err != nil {
		return nil, errors.Wrap(err, "failed to check ai channel")
	}
	if count > 0 {
		return nil, errors.Wrapf(ErrAlreadyRegistered, "channel %s", ch.ChannelID)
	}

	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now()
	}
	if err := s.db.WithContext(ctx).Create(&ch).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to create ai channel %s", ch.ChannelID)
	}
	return &ch, nil
}

// DeleteAIChannel unregisters a channel.
func (s *Store) DeleteAIChannel(ctx context.Context, channelID string) error {
	res := s.db.WithContext(ctx).Where("channel_id = ?", channelID).Delete(&AIChannel{})
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to delete ai channel %s", channelID)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(ErrNotFound, "channel %s", channelID)
	}
	return nil
}

// ListAIChannels returns registered channels, filtered by guild when guildID is set.
func (s *Store) ListAIChannels(ctx context.Context, guildID string) ([]AIChannel, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}
	var rows []AIChannel
	if err := q.Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list ai channels")
	}
	return rows, nil
}

// IsAIChannel reports whether channelID is registered.
func (s *Store) IsAIChannel(ctx context.Context, channelID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&AIChannel{}).
		Where("channel_id = ?", channelID).
		Count(&count).Error; err != nil {
		return false, errors.Wrap(err, "failed to check ai channel")
	}
	return count > 0, nil
}

// GetMode returns the guild's chat mode, or "" when unset.
func (s *Store) GetMode(ctx context.Context, guildID string) (string, error) {
	var gc GuildConfig
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&gc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrapf(err, "failed to get mode for guild %s", guildID)
	}
	return gc.Mode, nil
}

// SetMode stores the guild's chat mode.
func (s *Store) SetMode(ctx context.Context, guildID, mode string) error {
	gc := GuildConfig{GuildID: guildID, Mode: mode}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&gc).Error; err != nil {
		return errors.Wrapf(err, "failed to set mode for guild %s", guildID)
	}
	return nil
}

// RecordUsage appends a usage row.
func (s *Store) RecordUsage(ctx context.Context, u UsageLog) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(&u).Error, "failed to record usage")
}

// RecordChat appends a chat log row.
func (s *Store) RecordChat(ctx context.Context, l ChatLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	return errors.Wrap(s.db.WithContext(ctx).Create(&l).Error, "failed to record chat")
}

// ListChatLogs returns the newest chat logs first.
func (s *Store) ListChatLogs(ctx context.Context, limit int) ([]ChatLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ChatLog
	if err := s.db.WithContext(ctx).Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list chat logs")
	}
	return rows, nil
}

// Stats returns usage totals.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)

	if err := db.Model(&ChatLog{}).Count(&st.TotalMessages).Error; err != nil {
		return st, errors.Wrap(err, "failed to count chat logs")
	}
	if err := db.Model(&UsageLog{}).Select("COALESCE(SUM(tokens), 0)").Scan(&st.TotalTokens).Error; err != nil {
		return st, errors.Wrap(err, "failed to sum tokens")
	}
	if err := db.Model(&AIChannel{}).Count(&st.AIChannels).Error; err != nil {
		return st, errors.Wrap(err, "failed to count ai channels")
	}
	if err := db.Model(&MusicChannel{}).Count(&st.MusicChannels).Error; err != nil {
		return st, errors.Wrap(err, "failed to count music channels")
	}
	return st, nil
}

// GetSummary returns the stored conversation summary for a user.
func (s *Store) GetSummary(ctx context.Context, guildID, userID string) (string, error) {
	var cs ConversationSummary
	err := s.db.WithContext(ctx).Where("guild_id = ? AND user_id = ?", guildID, userID).First(&cs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to get summary")
	}
	return cs.Summary, nil
}

// SaveSummary replaces the conversation summary for a user.
func (s *Store) SaveSummary(ctx context.Context, guildID, userID, summary string) error {
	cs := ConversationSummary{GuildID: guildID, UserID: userID, Summary: summary, UpdatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&cs).Error; err != nil {
		return errors.Wrap(err, "failed to save summary")
	}
	return nil
}

// GetState returns a system flag value.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var st SystemState
	err := s.db.WithContext(ctx).Where("state_key = ?", key).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "failed to get state %s", key)
	}
	return st.Value, true, nil
}

// SetState stores a system flag value.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	st := SystemState{Key: key, Value: value}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&st).Error; err != nil {
		return errors.Wrapf(err, "failed to set state %s", key)
	}
	return nil
}
