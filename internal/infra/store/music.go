package store

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/osa030/discobox/internal/domain/track"
)

func toModel(t track.Track, status string) MusicTrack {
	return MusicTrack{
		ID:            t.ID,
		GuildID:       t.GuildID,
		RequestedBy:   t.RequestedBy,
		RequesterType: string(t.RequesterType),
		Title:         t.Title,
		URL:           t.SourceURL,
		StreamURL:     t.StreamURL,
		DurationSec:   int(t.Duration / time.Second),
		Thumbnail:     t.Thumbnail,
		Reason:        t.Reason,
		Status:        status,
		CreatedAt:     t.CreatedAt,
	}
}

func (m MusicTrack) toTrack() track.Track {
	return track.Track{
		ID:            m.ID,
		GuildID:       m.GuildID,
		Title:         m.Title,
		SourceURL:     m.URL,
		StreamURL:     m.StreamURL,
		Duration:      time.Duration(m.DurationSec) * time.Second,
		Thumbnail:     m.Thumbnail,
		RequestedBy:   m.RequestedBy,
		RequesterType: track.RequesterType(m.RequesterType),
		Reason:        m.Reason,
		CreatedAt:     m.CreatedAt,
	}
}

// CreateTrack records a newly requested track as queued.
func (s *Store) CreateTrack(ctx context.Context, t track.Track) error {
	m := toModel(t, StatusQueued)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return errors.Wrapf(err, "failed to create track %s", t.ID)
	}
	return nil
}

// CancelTrack clears a track that never made it into the queue.
func (s *Store) CancelTrack(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Model(&MusicTrack{}).
		Where("id = ? AND status = ?", id, StatusQueued).
		Update("status", StatusCleared).Error; err != nil {
		return errors.Wrapf(err, "failed to cancel track %s", id)
	}
	return nil
}

// SaveCurrent marks t as the rendering track of the guild.
// The previously rendering track, if any, becomes played.
func (s *Store) SaveCurrent(ctx context.Context, guildID string, t track.Track) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MusicTrack{}).
			Where("guild_id = ? AND status = ?", guildID, StatusPlaying).
			Update("status", StatusPlayed).Error; err != nil {
			return err
		}

		m := toModel(t, StatusPlaying)
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "stream_url"}),
		}).Create(&m).Error; err != nil {
			return err
		}

		pb := MusicPlayback{
			GuildID:        guildID,
			CurrentTrackID: t.ID,
			IsPlaying:      true,
			StartedAt:      time.Now(),
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&pb).Error
	})
	if err != nil {
		return errors.Wrapf(err, "failed to save current track for guild %s", guildID)
	}
	return nil
}

// ClearCurrent removes the playback pointer and retires the rendering track.
func (s *Store) ClearCurrent(ctx context.Context, guildID string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&MusicTrack{}).
			Where("guild_id = ? AND status = ?", guildID, StatusPlaying).
			Update("status", StatusPlayed).Error; err != nil {
			return err
		}
		return tx.Where("guild_id = ?", guildID).Delete(&MusicPlayback{}).Error
	})
	if err != nil {
		return errors.Wrapf(err, "failed to clear current track for guild %s", guildID)
	}
	return nil
}

// LoadCurrent returns the track the guild was rendering, or nil.
func (s *Store) LoadCurrent(ctx context.Context, guildID string) (*track.Track, error) {
	var pb MusicPlayback
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&pb).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load playback for guild %s", guildID)
	}

	var m MusicTrack
	err = s.db.WithContext(ctx).Where("id = ?", pb.CurrentTrackID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load track %s", pb.CurrentTrackID)
	}
	t := m.toTrack()
	return &t, nil
}

// GetTrack returns a track by id, or track.ErrNotFound.
func (s *Store) GetTrack(ctx context.Context, id string) (*track.Track, error) {
	var m MusicTrack
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrapf(track.ErrNotFound, "track %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get track %s", id)
	}
	t := m.toTrack()
	return &t, nil
}

// ListQueued returns the guild's queued tracks in request order.
func (s *Store) ListQueued(ctx context.Context, guildID string) ([]track.Track, error) {
	var rows []MusicTrack
	if err := s.db.WithContext(ctx).
		Where("guild_id = ? AND status = ?", guildID, StatusQueued).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to list queue for guild %s", guildID)
	}

	tracks := make([]track.Track, 0, len(rows))
	for _, r := range rows {
		tracks = append(tracks, r.toTrack())
	}
	return tracks, nil
}

// ClearQueued drops every queued track of the guild.
func (s *Store) ClearQueued(ctx context.Context, guildID string) error {
	if err := s.db.WithContext(ctx).Model(&MusicTrack{}).
		Where("guild_id = ? AND status = ?", guildID, StatusQueued).
		Update("status", StatusCleared).Error; err != nil {
		return errors.Wrapf(err, "failed to clear queue for guild %s", guildID)
	}
	return nil
}

// GuildsWithQueue returns guilds that still have queued or playing tracks.
func (s *Store) GuildsWithQueue(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&MusicTrack{}).
		Where("status IN ?", []string{StatusQueued, StatusPlaying}).
		Distinct().
		Pluck("guild_id", &ids).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list guilds with queue")
	}
	return ids, nil
}

// SaveMusicChannel records the bot-created voice channel of a guild.
func (s *Store) SaveMusicChannel(ctx context.Context, guildID, channelID, ownerID string) error {
	mc := MusicChannel{
		GuildID:   guildID,
		ChannelID: channelID,
		OwnerID:   ownerID,
		CreatedAt: time.Now(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&mc).Error; err != nil {
		return errors.Wrapf(err, "failed to save music channel for guild %s", guildID)
	}
	return nil
}

// GetMusicChannel returns the guild's music channel, or nil.
func (s *Store) GetMusicChannel(ctx context.Context, guildID string) (*MusicChannel, error) {
	var mc MusicChannel
	err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).First(&mc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get music channel for guild %s", guildID)
	}
	return &mc, nil
}

// ListMusicChannels returns every recorded music channel.
func (s *Store) ListMusicChannels(ctx context.Context) ([]MusicChannel, error) {
	var rows []MusicChannel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list music channels")
	}
	return rows, nil
}

// DeleteMusicChannel forgets the guild's music channel.
func (s *Store) DeleteMusicChannel(ctx context.Context, guildID string) error {
	if err := s.db.WithContext(ctx).Where("guild_id = ?", guildID).Delete(&MusicChannel{}).Error; err != nil {
		return errors.Wrapf(err, "failed to delete music channel for guild %s", guildID)
	}
	return nil
}
