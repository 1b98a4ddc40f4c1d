// Package music handles music requests from every surface: slash commands,
// chat triggers, the dashboard and the control API.
package music

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/discobox/internal/app/events"
	"github.com/osa030/discobox/internal/app/filter"
	"github.com/osa030/discobox/internal/app/playback"
	"github.com/osa030/discobox/internal/domain/track"
	"github.com/osa030/discobox/internal/infra/config"
)

var (
	ErrTrackNotFound     = errors.New("track not found")
	ErrRecommendNotFound = errors.New("no recommendation found")
	ErrVoiceUnavailable  = errors.New("voice unavailable")
	ErrNothingPlaying    = errors.New("nothing playing")
	ErrInvalidAction     = errors.New("invalid control action")
)

// RejectedError is returned when a filter refuses a request.
type RejectedError struct {
	Code string
}

func (e *RejectedError) Error() string {
	return "request rejected: " + e.Code
}

// Code maps an error from this package to a message code.
func Code(err error) string {
	var rej *RejectedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rej):
		return rej.Code
	case errors.Is(err, ErrTrackNotFound):
		return "track_not_found"
	case errors.Is(err, ErrRecommendNotFound):
		return "recommend_not_found"
	case errors.Is(err, ErrVoiceUnavailable):
		return "voice_unavailable"
	case errors.Is(err, ErrNothingPlaying):
		return "nothing_playing"
	default:
		return "default_error"
	}
}

// Resolver turns a query into playable track info.
type Resolver interface {
	Resolve(ctx context.Context, query string) (track.Info, error)
}

// LinkExpander turns catalogue links into plain search queries.
type LinkExpander interface {
	Handles(input string) bool
	Queries(ctx context.Context, link string, limit int) ([]string, error)
}

// Suggester proposes search queries for a listening wish.
type Suggester interface {
	Queries(ctx context.Context, prompt string, count int) []string
}

// Extractor condenses a chat message into a search keyword.
type Extractor interface {
	Keyword(ctx context.Context, content string) string
}

// Player is the playback engine surface the service drives.
type Player interface {
	Enqueue(ctx context.Context, guildID string, t track.Track) error
	Skip(ctx context.Context, guildID string) error
	Stop(ctx context.Context, guildID string) error
	State(ctx context.Context, guildID string) (playback.Snapshot, error)
	Restore(ctx context.Context, guildID string) error
}

// TrackStore persists requested tracks.
type TrackStore interface {
	CreateTrack(ctx context.Context, t track.Track) error
	CancelTrack(ctx context.Context, id string) error
	GuildsWithQueue(ctx context.Context) ([]string, error)
}

// Connector makes sure the bot is in a voice channel of the guild,
// preferably the requesting user's.
type Connector interface {
	Ensure(ctx context.Context, guildID, userID string) error
}

// Deps holds the service collaborators. Links and Extractor may be nil.
type Deps struct {
	Resolver  Resolver
	Links     LinkExpander
	Suggester Suggester
	Extractor Extractor
	Player    Player
	Store     TrackStore
	Connector Connector
}

// Config holds music request settings.
type Config struct {
	Triggers      []string
	Filters       map[string]config.FilterConfig
	PlaylistLimit int
}

// Request describes one play request.
type Request struct {
	GuildID       string
	UserID        string
	Query         string
	Reason        string
	RequesterType track.RequesterType
}

// Result describes what a request queued.
type Result struct {
	Track track.Track // first queued track
	Added int
	Query string // query that produced Track
}

// Service implements music requests.
type Service struct {
	resolver  Resolver
	links     LinkExpander
	suggester Suggester
	extractor Extractor
	player    Player
	store     TrackStore
	connector Connector
	filters   *filter.Chain

	triggers      []string
	playlistLimit int
}

// NewService creates a new music service.
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Resolver == nil || deps.Player == nil || deps.Store == nil || deps.Connector == nil || deps.Suggester == nil {
		return nil, errors.New("music service is missing a required dependency")
	}

	chain, err := filter.NewChainFromConfig(cfg.Filters, queueView{player: deps.Player})
	if err != nil {
		return nil, errors.Wrap(err, "failed to build filter chain")
	}

	if cfg.PlaylistLimit <= 0 {
		cfg.PlaylistLimit = 10
	}

	return &Service{
		resolver:      deps.Resolver,
		links:         deps.Links,
		suggester:     deps.Suggester,
		extractor:     deps.Extractor,
		player:        deps.Player,
		store:         deps.Store,
		connector:     deps.Connector,
		filters:       chain,
		triggers:      cfg.Triggers,
		playlistLimit: cfg.PlaylistLimit,
	}, nil
}

// Play resolves req.Query and queues the result. Catalogue links may
// expand to several tracks; the first queued one is returned.
func (s *Service) Play(ctx context.Context, req Request) (Result, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Result{}, ErrTrackNotFound
	}
	if req.RequesterType == "" {
		req.RequesterType = track.RequesterTypeUser
	}

	queries := []string{query}
	if s.links != nil && s.links.Handles(query) {
		qs, err := s.links.Queries(ctx, query, s.playlistLimit)
		if err != nil {
			return Result{}, errors.Mark(errors.Wrapf(err, "failed to expand %s", query), ErrTrackNotFound)
		}
		if len(qs) == 0 {
			return Result{}, errors.Wrapf(ErrTrackNotFound, "link %s has no tracks", query)
		}
		queries = qs
	}

	var res Result
	var firstErr error
	connected := false
	for _, q := range queries {
		t, err := s.prepare(ctx, req, q)
		if err == nil && !connected {
			if cerr := s.connector.Ensure(ctx, req.GuildID, req.UserID); cerr != nil {
				return res, errors.Mark(errors.Wrap(cerr, "failed to join voice"), ErrVoiceUnavailable)
			}
			connected = true
		}
		if err == nil {
			err = s.queue(ctx, t)
		}
		if err != nil {
			zlog.Warn().Err(err).Msgf("music: request failed guild=%s user=%s query=%q", req.GuildID, req.UserID, q)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if res.Added == 0 {
			res.Track = t
			res.Query = q
		}
		res.Added++
	}

	if res.Added == 0 {
		return res, firstErr
	}
	zlog.Info().Msgf("music: queued guild=%s user=%s title=%q added=%d", req.GuildID, req.UserID, res.Track.Title, res.Added)
	return res, nil
}

// prepare resolves q and runs the filter chain.
func (s *Service) prepare(ctx context.Context, req Request, q string) (track.Track, error) {
	info, err := s.resolver.Resolve(ctx, q)
	if err != nil {
		if errors.Is(err, track.ErrNotFound) {
			return track.Track{}, errors.Mark(err, ErrTrackNotFound)
		}
		return track.Track{}, errors.Wrapf(err, "failed to resolve %q", q)
	}

	t := track.New(req.GuildID, info, req.UserID, req.RequesterType)
	t.Reason = req.Reason

	result := s.filters.Execute(ctx, filter.Request{
		GuildID:       req.GuildID,
		UserID:        req.UserID,
		RequesterType: req.RequesterType,
	}, t)
	if !result.Accepted {
		return track.Track{}, &RejectedError{Code: result.Code}
	}
	return t, nil
}

func (s *Service) queue(ctx context.Context, t track.Track) error {
	if err := s.store.CreateTrack(ctx, t); err != nil {
		return errors.Wrap(err, "failed to persist track")
	}
	if err := s.player.Enqueue(ctx, t.GuildID, t); err != nil {
		if cerr := s.store.CancelTrack(ctx, t.ID); cerr != nil {
			zlog.Warn().Err(cerr).Msgf("music: failed to cancel track guild=%s track=%s", t.GuildID, t.ID)
		}
		return errors.Wrap(err, "failed to enqueue track")
	}
	return nil
}

// Recommend queues a track chosen for prompt. Candidates are tried in
// the order the suggester ranks them.
func (s *Service) Recommend(ctx context.Context, guildID, userID, prompt string) (Result, error) {
	return s.playFirst(ctx, guildID, userID, s.suggester.Queries(ctx, prompt, 3), "recommend")
}

// AutoPlay reacts to a chat message that matched a trigger phrase.
func (s *Service) AutoPlay(ctx context.Context, guildID, userID, content string) (Result, error) {
	keyword := content
	if s.extractor != nil {
		keyword = s.extractor.Keyword(ctx, content)
	}
	return s.playFirst(ctx, guildID, userID, []string{keyword}, "auto")
}

func (s *Service) playFirst(ctx context.Context, guildID, userID string, queries []string, reason string) (Result, error) {
	for _, q := range queries {
		res, err := s.Play(ctx, Request{
			GuildID:       guildID,
			UserID:        userID,
			Query:         q,
			Reason:        reason + ": " + q,
			RequesterType: track.RequesterTypeRecommend,
		})
		if err == nil {
			return res, nil
		}
		if errors.Is(err, ErrVoiceUnavailable) {
			return Result{}, err
		}
	}
	return Result{}, errors.Wrapf(ErrRecommendNotFound, "tried %d queries", len(queries))
}

// Skip ends the current track.
func (s *Service) Skip(ctx context.Context, guildID string) error {
	snap, err := s.player.State(ctx, guildID)
	if err != nil {
		return err
	}
	if snap.Current == nil {
		return ErrNothingPlaying
	}
	return s.player.Skip(ctx, guildID)
}

// Stop clears the guild's queue and leaves voice.
func (s *Service) Stop(ctx context.Context, guildID string) error {
	return s.player.Stop(ctx, guildID)
}

// State returns the guild's playback snapshot.
func (s *Service) State(ctx context.Context, guildID string) (playback.Snapshot, error) {
	return s.player.State(ctx, guildID)
}

// Queue returns the current track followed by the waiting ones.
func (s *Service) Queue(ctx context.Context, guildID string) []track.Track {
	return queueView{player: s.player}.Tracks(ctx, guildID)
}

// MatchTrigger reports whether text contains an auto-play phrase.
func (s *Service) MatchTrigger(text string) bool {
	for _, t := range s.triggers {
		if t != "" && strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// HandleControl executes music:control events published by remote surfaces.
func (s *Service) HandleControl(ctx context.Context, evt events.Event) error {
	if evt.Type != events.TypeMusicControl {
		return nil
	}
	guildID := evt.String("guild_id")
	if guildID == "" {
		return errors.Wrap(ErrInvalidAction, "guild_id is required")
	}

	action := evt.String("action")
	zlog.Info().Msgf("music: control guild=%s action=%s origin=%s", guildID, action, evt.Origin)

	switch action {
	case "skip":
		if err := s.Skip(ctx, guildID); err != nil && !errors.Is(err, ErrNothingPlaying) {
			return err
		}
		return nil
	case "stop":
		return s.Stop(ctx, guildID)
	case "play":
		_, err := s.Play(ctx, Request{
			GuildID:       guildID,
			UserID:        evt.String("user_id"),
			Query:         evt.String("query"),
			RequesterType: track.RequesterTypeRemote,
		})
		return err
	default:
		return errors.Wrapf(ErrInvalidAction, "action %q", action)
	}
}

// RestoreAll reloads persisted queues of every guild.
func (s *Service) RestoreAll(ctx context.Context) error {
	guilds, err := s.store.GuildsWithQueue(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list guilds")
	}
	for _, g := range guilds {
		if err := s.player.Restore(ctx, g); err != nil {
			zlog.Warn().Err(err).Msgf("music: failed to restore guild=%s", g)
		}
	}
	return nil
}

// queueView adapts the player to the filter chain's queue view.
type queueView struct {
	player Player
}

func (q queueView) Tracks(ctx context.Context, guildID string) []track.Track {
	snap, err := q.player.State(ctx, guildID)
	if err != nil {
		return nil
	}
	out := make([]track.Track, 0, len(snap.Queue)+1)
	if snap.Current != nil {
		out = append(out, *snap.Current)
	}
	return append(out, snap.Queue...)
}
