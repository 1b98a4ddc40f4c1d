// Package connect provides the Connect RPC control service.
package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/osa030/discobox/internal/app/events"
	"github.com/osa030/discobox/internal/app/music"
	"github.com/osa030/discobox/internal/app/playback"
	"github.com/osa030/discobox/internal/domain/track"
	"github.com/osa030/discobox/internal/infra/config"
)

// ControlServiceName is the fully-qualified name of the control service.
const ControlServiceName = "discobox.v1.ControlService"

// Procedure paths of the control service.
const (
	GetStateProcedure  = "/" + ControlServiceName + "/GetState"
	PlayProcedure      = "/" + ControlServiceName + "/Play"
	SkipProcedure      = "/" + ControlServiceName + "/Skip"
	StopProcedure      = "/" + ControlServiceName + "/Stop"
	SubscribeProcedure = "/" + ControlServiceName + "/Subscribe"
)

// Music is the part of the music service the control API drives.
type Music interface {
	Play(ctx context.Context, req music.Request) (music.Result, error)
	Skip(ctx context.Context, guildID string) error
	Stop(ctx context.Context, guildID string) error
	State(ctx context.Context, guildID string) (playback.Snapshot, error)
}

// Bus is the event source streamed to subscribers.
type Bus interface {
	Subscribe() *events.Subscription
	Unsubscribe(sub *events.Subscription)
}

// ControlService implements the ControlService RPC.
type ControlService struct {
	music  Music
	bus    Bus
	config *config.Config
}

// NewControlService creates a new ControlService.
func NewControlService(m Music, bus Bus, cfg *config.Config) *ControlService {
	return &ControlService{
		music:  m,
		bus:    bus,
		config: cfg,
	}
}

// NewControlServiceHandler builds the HTTP handler serving every procedure of svc.
func NewControlServiceHandler(svc *ControlService, opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(GetStateProcedure, connect.NewUnaryHandler(GetStateProcedure, svc.GetState, opts...))
	mux.Handle(PlayProcedure, connect.NewUnaryHandler(PlayProcedure, svc.Play, opts...))
	mux.Handle(SkipProcedure, connect.NewUnaryHandler(SkipProcedure, svc.Skip, opts...))
	mux.Handle(StopProcedure, connect.NewUnaryHandler(StopProcedure, svc.Stop, opts...))
	mux.Handle(SubscribeProcedure, connect.NewServerStreamHandler(SubscribeProcedure, svc.Subscribe, opts...))
	return "/" + ControlServiceName + "/", mux
}

// GetState returns the playback snapshot of a guild.
func (s *ControlService) GetState(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildOf(req.Msg)
	if err != nil {
		return nil, err
	}

	snap, err := s.music.State(ctx, guildID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return respond(snap.Map())
}

// Play resolves a query and queues it on behalf of a remote operator.
func (s *ControlService) Play(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildOf(req.Msg)
	if err != nil {
		return nil, err
	}
	fields := req.Msg.GetFields()
	query := fields["query"].GetStringValue()
	if query == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("query is required"))
	}

	res, err := s.music.Play(ctx, music.Request{
		GuildID:       guildID,
		UserID:        fields["user_id"].GetStringValue(),
		Query:         query,
		RequesterType: track.RequesterTypeRemote,
	})
	if err != nil {
		return s.failure(err)
	}
	return respond(map[string]any{
		"success": true,
		"message": fmt.Sprintf(s.config.Messages.Queued, res.Track.Title),
		"track":   res.Track.Summary(),
		"added":   res.Added,
		"query":   res.Query,
	})
}

// Skip skips the current track.
func (s *ControlService) Skip(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildOf(req.Msg)
	if err != nil {
		return nil, err
	}
	if err := s.music.Skip(ctx, guildID); err != nil {
		return s.failure(err)
	}
	return respond(map[string]any{"success": true, "message": s.config.Messages.Skipped})
}

// Stop clears the queue and leaves voice.
func (s *ControlService) Stop(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	guildID, err := guildOf(req.Msg)
	if err != nil {
		return nil, err
	}
	if err := s.music.Stop(ctx, guildID); err != nil {
		return s.failure(err)
	}
	return respond(map[string]any{"success": true, "message": s.config.Messages.Stopped})
}

// Subscribe streams bus events. When guild_id is set, the stream opens with
// that guild's snapshot and carries only events for it.
func (s *ControlService) Subscribe(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	guildID := req.Msg.GetFields()["guild_id"].GetStringValue()

	// Subscribe before taking the snapshot so nothing published in between is lost.
	sub := s.bus.Subscribe()
	defer s.bus.Unsubscribe(sub)

	if guildID != "" {
		snap, err := s.music.State(ctx, guildID)
		if err != nil {
			return connect.NewError(connect.CodeInternal, err)
		}
		initial, err := toStruct(map[string]any{"type": "initial_state", "payload": snap.Map()})
		if err != nil {
			return connect.NewError(connect.CodeInternal, err)
		}
		if err := stream.Send(initial); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.C():
			if !ok {
				return nil
			}
			if guildID != "" && evt.String("guild_id") != guildID {
				continue
			}
			msg, err := eventStruct(evt)
			if err != nil {
				zlog.Warn().Err(err).Msgf("connect: dropping event type=%s seq=%d", evt.Type, evt.Seq)
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}

// failure reports a rejected request in the response body, the way Discord
// users see it. Unexpected errors become RPC errors.
func (s *ControlService) failure(err error) (*connect.Response[structpb.Struct], error) {
	code := music.Code(err)
	if code == "default_error" {
		zlog.Error().Err(err).Msg("connect: control request failed")
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return respond(map[string]any{
		"success": false,
		"code":    code,
		"message": s.config.GetMessage(code),
	})
}

func guildOf(msg *structpb.Struct) (string, error) {
	guildID := msg.GetFields()["guild_id"].GetStringValue()
	if guildID == "" {
		return "", connect.NewError(connect.CodeInvalidArgument, errors.New("guild_id is required"))
	}
	return guildID, nil
}

func respond(m map[string]any) (*connect.Response[structpb.Struct], error) {
	msg, err := toStruct(m)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(msg), nil
}

func eventStruct(evt events.Event) (*structpb.Struct, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode event")
	}
	return fromJSON(b)
}

// toStruct goes through JSON so payloads may hold any JSON-encodable value.
func toStruct(m map[string]any) (*structpb.Struct, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode message")
	}
	return fromJSON(b)
}

func fromJSON(b []byte) (*structpb.Struct, error) {
	msg := &structpb.Struct{}
	if err := protojson.Unmarshal(b, msg); err != nil {
		return nil, errors.Wrap(err, "failed to decode message")
	}
	return msg, nil
}
