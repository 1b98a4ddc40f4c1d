package discord

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/osa030/discobox/internal/app/events"
	"github.com/osa030/discobox/internal/domain/track"
	"github.com/osa030/discobox/internal/infra/store"
)

// ErrNotConnected is returned when a guild has no voice connection.
var ErrNotConnected = errors.New("not connected to voice")

// Stream URLs handed out by media sites expire; older ones are resolved again.
const streamURLTTL = time.Hour

// StreamResolver returns a fresh media URL for a page URL.
type StreamResolver interface {
	StreamURL(ctx context.Context, sourceURL string) (string, error)
}

// ChannelStore records the music channels the bot created.
type ChannelStore interface {
	SaveMusicChannel(ctx context.Context, guildID, channelID, ownerID string) error
	GetMusicChannel(ctx context.Context, guildID string) (*store.MusicChannel, error)
	DeleteMusicChannel(ctx context.Context, guildID string) error
}

// Publisher receives channel lifecycle events.
type Publisher interface {
	Publish(evt events.Event)
}

// VoiceConfig holds voice settings.
type VoiceConfig struct {
	ChannelName string // name of the auto-created music channel
	FFmpegPath  string
}

// Voice renders tracks into voice channels. It also joins and cleans up
// the guild's music channel.
type Voice struct {
	gw          gateway
	transcode   transcodeFunc
	streams     StreamResolver
	store       ChannelStore
	publisher   Publisher
	channelName string

	joins singleflight.Group

	mu      sync.Mutex
	renders map[snowflake.ID]*render

	// swapMu orders provider swaps so a finished render can never clear
	// the provider of the render that replaced it.
	swapMu sync.Mutex
}

type render struct {
	trackID string
	cancel  context.CancelFunc
	done    func(error)
	once    sync.Once

	mu       sync.Mutex
	provider *oggProvider
}

func (r *render) finish(err error) {
	r.once.Do(func() {
		r.cancel()
		r.done(err)
	})
}

func (r *render) stop() {
	r.cancel()
	r.mu.Lock()
	p := r.provider
	r.mu.Unlock()
	if p != nil {
		p.Close()
	}
	r.finish(nil)
}

func newVoice(gw gateway, streams StreamResolver, st ChannelStore, publisher Publisher, cfg VoiceConfig) *Voice {
	if cfg.ChannelName == "" {
		cfg.ChannelName = "🎵｜Music-Space"
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &Voice{
		gw:          gw,
		transcode:   ffmpegTranscoder(cfg.FFmpegPath),
		streams:     streams,
		store:       st,
		publisher:   publisher,
		channelName: cfg.ChannelName,
		renders:     make(map[snowflake.ID]*render),
	}
}

// Ensure connects the bot to the requesting user's voice channel, or to
// the music channel, creating it when missing.
func (v *Voice) Ensure(ctx context.Context, guildID, userID string) error {
	gid, err := snowflake.Parse(guildID)
	if err != nil {
		return errors.Wrapf(err, "invalid guild id %q", guildID)
	}
	if v.gw.Connected(gid) {
		return nil
	}

	_, err, _ = v.joins.Do(guildID, func() (any, error) {
		return nil, v.connect(ctx, gid, userID)
	})
	return err
}

func (v *Voice) connect(ctx context.Context, gid snowflake.ID, userID string) error {
	var channelID snowflake.ID
	found := false
	if uid, err := snowflake.Parse(userID); err == nil {
		channelID, found = v.gw.UserVoiceChannel(gid, uid)
	}

	if !found {
		var err error
		channelID, found, err = v.gw.FindVoiceChannel(ctx, gid, v.channelName)
		if err != nil {
			return err
		}
	}

	if !found {
		var err error
		channelID, err = v.gw.CreateVoiceChannel(ctx, gid, v.channelName)
		if err != nil {
			return err
		}
		if err := v.store.SaveMusicChannel(ctx, gid.String(), channelID.String(), userID); err != nil {
			zlog.Warn().Err(err).Msgf("discord: failed to record music channel guild=%s channel=%s", gid, channelID)
		}
		zlog.Info().Msgf("discord: music channel created guild=%s channel=%s", gid, channelID)
		v.publish(events.New(events.TypeMusicChannelCreated, map[string]any{
			"guild_id":   gid.String(),
			"channel_id": channelID.String(),
			"name":       v.channelName,
		}))
	}

	if err := v.gw.Join(ctx, gid, channelID); err != nil {
		return err
	}
	zlog.Info().Msgf("discord: joined voice guild=%s channel=%s", gid, channelID)
	return nil
}

// Play starts rendering t. Stream resolution and transcoding happen in
// the background; done reports how the render ended.
func (v *Voice) Play(ctx context.Context, guildID string, t track.Track, done func(error)) error {
	gid, err := snowflake.Parse(guildID)
	if err != nil {
		return errors.Wrapf(err, "invalid guild id %q", guildID)
	}
	if !v.gw.Connected(gid) {
		return errors.Wrapf(ErrNotConnected, "guild %s", guildID)
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &render{trackID: t.ID, cancel: cancel, done: done}

	v.mu.Lock()
	prev := v.renders[gid]
	v.renders[gid] = r
	v.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	go v.run(rctx, gid, r, t)
	return nil
}

func (v *Voice) run(ctx context.Context, gid snowflake.ID, r *render, t track.Track) {
	src := t.StreamURL
	if (src == "" || time.Since(t.CreatedAt) > streamURLTTL) && v.streams != nil && t.SourceURL != "" {
		fresh, err := v.streams.StreamURL(ctx, t.SourceURL)
		if err != nil {
			r.finish(errors.Wrapf(err, "failed to refresh stream url for %s", t.ID))
			return
		}
		src = fresh
	}
	if src == "" {
		r.finish(errors.Newf("track %s has no stream url", t.ID))
		return
	}

	out, err := v.transcode(ctx, src)
	if err != nil {
		r.finish(err)
		return
	}

	provider, err := newOggProvider(out, func(err error) {
		r.finish(err)
		go v.detach(gid, r)
	})
	if err != nil {
		_ = out.Close()
		r.finish(err)
		return
	}

	r.mu.Lock()
	r.provider = provider
	r.mu.Unlock()
	if ctx.Err() != nil {
		provider.Close()
		return
	}

	v.swapMu.Lock()
	if !v.isCurrent(gid, r) {
		v.swapMu.Unlock()
		provider.Close()
		r.finish(nil)
		return
	}
	err = v.gw.SetProvider(ctx, gid, provider)
	v.swapMu.Unlock()
	if err != nil {
		provider.Close()
		r.finish(err)
		return
	}
	zlog.Debug().Msgf("discord: render started guild=%s track=%s", gid, t.ID)
}

func (v *Voice) isCurrent(gid snowflake.ID, r *render) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.renders[gid] == r
}

// detach clears the connection's provider if r is still the guild's render.
func (v *Voice) detach(gid snowflake.ID, r *render) {
	v.swapMu.Lock()
	defer v.swapMu.Unlock()

	v.mu.Lock()
	current := v.renders[gid] == r
	if current {
		delete(v.renders, gid)
	}
	v.mu.Unlock()
	if !current {
		return
	}
	if err := v.gw.SetProvider(context.Background(), gid, nil); err != nil && !errors.Is(err, ErrNotConnected) {
		zlog.Debug().Err(err).Msgf("discord: failed to clear provider guild=%s", gid)
	}
}

// Stop ends the guild's current render.
func (v *Voice) Stop(guildID string) {
	gid, err := snowflake.Parse(guildID)
	if err != nil {
		return
	}
	v.mu.Lock()
	r := v.renders[gid]
	delete(v.renders, gid)
	v.mu.Unlock()

	if r != nil {
		zlog.Debug().Msgf("discord: render stopped guild=%s track=%s", gid, r.trackID)
		r.stop()
	}
}

// Disconnect ends any render and leaves the guild's voice channel.
func (v *Voice) Disconnect(ctx context.Context, guildID string) error {
	gid, err := snowflake.Parse(guildID)
	if err != nil {
		return errors.Wrapf(err, "invalid guild id %q", guildID)
	}
	v.Stop(guildID)
	if err := v.gw.Leave(ctx, gid); err != nil {
		return err
	}
	zlog.Info().Msgf("discord: left voice guild=%s", gid)
	return nil
}

// CleanupIdle deletes the auto-created music channel once nobody is in it.
func (v *Voice) CleanupIdle(ctx context.Context, guildID string) {
	mc, err := v.store.GetMusicChannel(ctx, guildID)
	if err != nil {
		zlog.Warn().Err(err).Msgf("discord: failed to load music channel guild=%s", guildID)
		return
	}
	if mc == nil {
		return
	}

	gid, err := snowflake.Parse(mc.GuildID)
	if err != nil {
		return
	}
	chID, err := snowflake.Parse(mc.ChannelID)
	if err != nil {
		return
	}

	if v.gw.Connected(gid) {
		zlog.Debug().Msgf("discord: music channel in use guild=%s", guildID)
		return
	}
	if n := v.gw.HumanCount(gid, chID); n > 0 {
		zlog.Debug().Msgf("discord: music channel kept guild=%s members=%d", guildID, n)
		return
	}

	if err := v.gw.DeleteChannel(ctx, chID); err != nil {
		zlog.Warn().Err(err).Msgf("discord: failed to delete music channel guild=%s channel=%s", guildID, chID)
	}
	if err := v.store.DeleteMusicChannel(ctx, guildID); err != nil {
		zlog.Warn().Err(err).Msgf("discord: failed to forget music channel guild=%s", guildID)
	}

	zlog.Info().Msgf("discord: music channel deleted guild=%s channel=%s", guildID, chID)
	v.publish(events.New(events.TypeMusicChannelDeleted, map[string]any{
		"guild_id":   guildID,
		"channel_id": mc.ChannelID,
	}))
}

func (v *Voice) publish(evt events.Event) {
	if v.publisher != nil {
		v.publisher.Publish(evt)
	}
}
