package playback

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/discobox/internal/app/events"
	"github.com/osa030/discobox/internal/domain/track"
)

// Errors
var (
	ErrClosed = errors.New("playback engine closed")
)

// DefaultIdleGrace is how long an idle guild is kept before cleanup.
const DefaultIdleGrace = 300 * time.Second

// Output renders audio for a guild.
type Output interface {
	// Play starts rendering t. done must be called exactly once when the
	// render ends for any reason, possibly from another goroutine.
	Play(ctx context.Context, guildID string, t track.Track, done func(error)) error
	// Stop ends the current render, which fires its done callback.
	Stop(guildID string)
	// Disconnect leaves the guild's voice channel.
	Disconnect(ctx context.Context, guildID string) error
}

// Store persists the playback pointer and queued tracks.
type Store interface {
	SaveCurrent(ctx context.Context, guildID string, t track.Track) error
	ClearCurrent(ctx context.Context, guildID string) error
	LoadCurrent(ctx context.Context, guildID string) (*track.Track, error)
	ListQueued(ctx context.Context, guildID string) ([]track.Track, error)
	ClearQueued(ctx context.Context, guildID string) error
}

// Publisher receives progress events.
type Publisher interface {
	Publish(evt events.Event)
}

// Cleaner removes resources left behind by an idle guild.
// It must re-check whether the resources are still unused when called.
type Cleaner interface {
	CleanupIdle(ctx context.Context, guildID string)
}

// Config holds engine configuration.
type Config struct {
	IdleGrace time.Duration // Delay between going idle and cleanup
}

// guild is the state owned by one guild's actor goroutine.
// Fields below the mailbox are only touched from that goroutine.
type guild struct {
	id      string
	mailbox chan func()
	done    chan struct{}

	state     State
	queue     []track.Track
	current   *track.Track
	startedAt time.Time
	retired   bool

	renderSeq uint64 // bumped whenever the current render is replaced or abandoned
	idleSeq   uint64
	idleTimer *time.Timer
}

// Engine runs one serialized state machine per guild.
type Engine struct {
	mu     sync.Mutex
	guilds map[string]*guild

	output    Output
	store     Store
	publisher Publisher
	cleaner   Cleaner
	config    Config

	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates a new playback engine.
func NewEngine(output Output, store Store, publisher Publisher, cleaner Cleaner, config Config) *Engine {
	if config.IdleGrace <= 0 {
		config.IdleGrace = DefaultIdleGrace
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		guilds:    make(map[string]*guild),
		output:    output,
		store:     store,
		publisher: publisher,
		cleaner:   cleaner,
		config:    config,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Enqueue appends t to the guild's queue. An idle guild starts playing immediately.
// If the guild cannot start because persistence failed, t is taken back out
// and the error is returned.
func (e *Engine) Enqueue(ctx context.Context, guildID string, t track.Track) error {
	var err error
	doErr := e.do(ctx, guildID, true, func(g *guild) {
		before := len(g.queue)
		g.queue = append(g.queue, t)
		zlog.Debug().Msgf("playback: enqueued guild=%s track=%s queue=%d", guildID, t.ID, len(g.queue))
		if g.state != StateIdle {
			e.publish(queueUpdateEvent(guildID, g.queue))
			return
		}

		if err = e.advance(ctx, g); err != nil {
			// advance only fails before popping, so t is still the tail.
			if n := len(g.queue); n > 0 && g.queue[n-1].ID == t.ID {
				g.queue = g.queue[:n-1]
			}
			if len(g.queue) != before {
				e.publish(queueUpdateEvent(guildID, g.queue))
			}
			if len(g.queue) == 0 {
				// Nothing left to play; drop the connection the request opened.
				if derr := e.output.Disconnect(ctx, guildID); derr != nil {
					zlog.Warn().Err(derr).Msgf("playback: disconnect failed guild=%s", guildID)
				}
				e.scheduleIdle(g)
			}
		}
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Advance moves the queue head into the current slot, or goes idle when the queue is empty.
func (e *Engine) Advance(ctx context.Context, guildID string) error {
	var err error
	doErr := e.do(ctx, guildID, true, func(g *guild) {
		err = e.advance(ctx, g)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// Skip ends the current render. Its completion advances the queue.
func (e *Engine) Skip(ctx context.Context, guildID string) error {
	return e.do(ctx, guildID, false, func(g *guild) {
		if g.current == nil {
			return
		}
		zlog.Debug().Msgf("playback: skip guild=%s track=%s", guildID, g.current.ID)
		e.output.Stop(guildID)
	})
}

// Stop clears the queue, ends the current render and disconnects immediately.
// The voice connection is released even when the engine holds no state for
// the guild, since the connector may have joined before anything was queued.
func (e *Engine) Stop(ctx context.Context, guildID string) error {
	known := false
	err := e.do(ctx, guildID, false, func(g *guild) {
		known = true
		hadCurrent := g.current != nil
		g.queue = nil
		g.renderSeq++
		if hadCurrent {
			e.output.Stop(guildID)
		}
		g.current = nil
		g.state = StateIdle
		g.startedAt = time.Time{}

		e.release(ctx, guildID)
		zlog.Info().Msgf("playback: stopped guild=%s", guildID)
		e.publish(stoppedEvent(guildID))
		e.publish(queueUpdateEvent(guildID, nil))
		e.scheduleIdle(g)
	})
	if err != nil {
		return err
	}
	if !known {
		e.release(ctx, guildID)
	}
	return nil
}

// release leaves voice and forgets everything persisted for the guild.
func (e *Engine) release(ctx context.Context, guildID string) {
	if err := e.output.Disconnect(ctx, guildID); err != nil {
		zlog.Warn().Err(err).Msgf("playback: disconnect failed guild=%s", guildID)
	}
	if err := e.store.ClearCurrent(ctx, guildID); err != nil {
		zlog.Warn().Err(err).Msgf("playback: failed to clear current guild=%s", guildID)
	}
	if err := e.store.ClearQueued(ctx, guildID); err != nil {
		zlog.Warn().Err(err).Msgf("playback: failed to clear queue guild=%s", guildID)
	}
}

// State returns a snapshot of the guild's playback state.
func (e *Engine) State(ctx context.Context, guildID string) (Snapshot, error) {
	snap := Snapshot{GuildID: guildID, State: StateIdle, Queue: []track.Track{}}
	err := e.do(ctx, guildID, false, func(g *guild) {
		snap.State = g.state
		snap.Queue = append([]track.Track{}, g.queue...)
		snap.StartedAt = g.startedAt
		if g.current != nil {
			cur := *g.current
			snap.Current = &cur
		}
	})
	return snap, err
}

// Restore rebuilds a guild's queue from the store without starting playback.
// The persisted current track is skipped since its render did not survive.
func (e *Engine) Restore(ctx context.Context, guildID string) error {
	queued, err := e.store.ListQueued(ctx, guildID)
	if err != nil {
		return errors.Wrap(err, "failed to list queued tracks")
	}
	cur, err := e.store.LoadCurrent(ctx, guildID)
	if err != nil {
		return errors.Wrap(err, "failed to load current track")
	}

	pending := make([]track.Track, 0, len(queued))
	for _, t := range queued {
		if cur != nil && t.ID == cur.ID {
			continue
		}
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		return nil
	}

	return e.do(ctx, guildID, true, func(g *guild) {
		g.queue = append(g.queue, pending...)
		zlog.Info().Msgf("playback: restored guild=%s queue=%d", guildID, len(pending))
		e.publish(queueUpdateEvent(guildID, g.queue))
	})
}

// ActiveGuilds returns the number of guilds with live state.
func (e *Engine) ActiveGuilds() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.guilds)
}

// Close stops every guild actor. Renders are not stopped.
func (e *Engine) Close() {
	e.cancel()
}

// advance must run on g's actor goroutine.
func (e *Engine) advance(ctx context.Context, g *guild) error {
	for len(g.queue) > 0 {
		next := g.queue[0]
		if err := e.store.SaveCurrent(ctx, g.id, next); err != nil {
			return errors.Wrapf(err, "failed to persist current track %s", next.ID)
		}
		e.stopIdle(g)

		if g.current != nil {
			g.renderSeq++
			e.output.Stop(g.id)
			g.current = nil
		}

		g.queue = g.queue[1:]
		g.renderSeq++

		if err := e.output.Play(e.ctx, g.id, next, e.completion(g, g.renderSeq)); err != nil {
			zlog.Warn().Err(err).Msgf("playback: render failed, advancing guild=%s track=%s", g.id, next.ID)
			continue
		}

		g.current = &next
		g.startedAt = time.Now()
		g.state = StatePlaying

		zlog.Info().Msgf("playback: now playing guild=%s track=%s title=%q", g.id, next.ID, next.Title)
		e.publish(playEvent(g.id, next, g.startedAt))
		e.publish(queueUpdateEvent(g.id, g.queue))
		return nil
	}

	e.goIdle(ctx, g)
	return nil
}

// goIdle leaves voice and schedules cleanup. Whatever is still queued is
// kept. goIdle must run on g's actor goroutine.
func (e *Engine) goIdle(ctx context.Context, g *guild) {
	if g.current != nil {
		g.renderSeq++
		e.output.Stop(g.id)
	}
	g.current = nil
	g.state = StateIdle
	g.startedAt = time.Time{}

	if err := e.store.ClearCurrent(ctx, g.id); err != nil {
		zlog.Warn().Err(err).Msgf("playback: failed to clear current guild=%s", g.id)
	}
	if err := e.output.Disconnect(ctx, g.id); err != nil {
		zlog.Warn().Err(err).Msgf("playback: disconnect failed guild=%s", g.id)
	}

	zlog.Info().Msgf("playback: idle guild=%s queue=%d", g.id, len(g.queue))
	e.publish(stoppedEvent(g.id))
	e.publish(queueUpdateEvent(g.id, g.queue))
	e.scheduleIdle(g)
}

// completion returns the done callback for the render numbered seq.
// The callback hands off to the actor; stale or repeated calls are ignored.
func (e *Engine) completion(g *guild, seq uint64) func(error) {
	var once sync.Once
	return func(renderErr error) {
		once.Do(func() {
			go e.post(g, func() {
				if g.renderSeq != seq || g.current == nil {
					return
				}
				if renderErr != nil {
					zlog.Warn().Err(renderErr).Msgf("playback: render ended with error guild=%s track=%s", g.id, g.current.ID)
				}
				g.current = nil
				g.state = StateIdle
				if err := e.advance(e.ctx, g); err != nil {
					zlog.Error().Err(err).Msgf("playback: advance after completion failed guild=%s queue=%d", g.id, len(g.queue))
					e.goIdle(e.ctx, g)
				}
			})
		})
	}
}

func (e *Engine) scheduleIdle(g *guild) {
	e.stopIdle(g)
	g.idleSeq++
	seq := g.idleSeq
	g.idleTimer = time.AfterFunc(e.config.IdleGrace, func() {
		e.post(g, func() { e.retire(g, seq) })
	})
}

func (e *Engine) stopIdle(g *guild) {
	if g.idleTimer != nil {
		g.idleTimer.Stop()
		g.idleTimer = nil
	}
	g.idleSeq++
}

// retire drops the guild entry if it is still idle and asks the cleaner to
// release leftover resources. Tracks left queued by a failed advance stay
// in the store and come back with the next restore.
func (e *Engine) retire(g *guild, seq uint64) {
	if seq != g.idleSeq || g.state != StateIdle {
		return
	}
	if len(g.queue) > 0 {
		zlog.Warn().Msgf("playback: retiring guild with queued tracks guild=%s queue=%d", g.id, len(g.queue))
	}

	e.mu.Lock()
	if cur, ok := e.guilds[g.id]; ok && cur == g {
		delete(e.guilds, g.id)
	}
	e.mu.Unlock()

	g.retired = true
	close(g.done)
	zlog.Debug().Msgf("playback: guild retired guild=%s", g.id)

	if e.cleaner != nil {
		go e.cleaner.CleanupIdle(e.ctx, g.id)
	}
}

func (e *Engine) publish(evt events.Event) {
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(evt)
}

// do runs fn on the guild's actor and waits for it to finish.
// Without create, an unknown guild is left alone and fn is not run.
func (e *Engine) do(ctx context.Context, guildID string, create bool, fn func(g *guild)) error {
	for {
		g := e.lookup(guildID, create)
		if g == nil {
			return nil
		}

		finished := make(chan struct{})
		select {
		case g.mailbox <- func() { fn(g); close(finished) }:
			<-finished
			return nil
		case <-g.done:
			// Retired while we were waiting; retry against a fresh actor.
		case <-ctx.Done():
			return ctx.Err()
		case <-e.ctx.Done():
			return ErrClosed
		}
	}
}

// post delivers fn to the actor without waiting. Dropped if the guild is gone.
func (e *Engine) post(g *guild, fn func()) {
	select {
	case g.mailbox <- fn:
	case <-g.done:
	case <-e.ctx.Done():
	}
}

func (e *Engine) lookup(guildID string, create bool) *guild {
	e.mu.Lock()
	defer e.mu.Unlock()

	if g, ok := e.guilds[guildID]; ok {
		return g
	}
	if !create {
		return nil
	}
	g := &guild{
		id:      guildID,
		mailbox: make(chan func()),
		done:    make(chan struct{}),
		state:   StateIdle,
	}
	e.guilds[guildID] = g
	go e.loop(g)
	return g
}

func (e *Engine) loop(g *guild) {
	defer func() {
		if g.idleTimer != nil {
			g.idleTimer.Stop()
		}
	}()
	for {
		select {
		case fn := <-g.mailbox:
			fn()
			if g.retired {
				return
			}
		case <-g.done:
			return
		case <-e.ctx.Done():
			return
		}
	}
}
