// Package streaming fans a single upstream media fetch out to many subscribers.
package streaming

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrStreamUnavailable is returned when a track cannot be resolved to a playable URL.
var ErrStreamUnavailable = errors.New("stream unavailable")

const (
	DefaultChunkSize      = 8 * 1024
	DefaultQueueSize      = 10
	DefaultResolveTimeout = 30 * time.Second
)

// Resolver turns a source URL into a direct media URL.
type Resolver interface {
	StreamURL(ctx context.Context, sourceURL string) (string, error)
}

// Config represents stream manager configuration.
type Config struct {
	ChunkSize      int           // bytes per upstream read
	QueueSize      int           // chunks buffered per subscriber
	ResolveTimeout time.Duration // upper bound for one shared resolution
}

// Subscriber receives chunks of one track's upstream stream.
type Subscriber struct {
	ch chan []byte
}

// C yields chunks in upstream order. It is closed when the upstream ends.
// After Unsubscribe the channel is abandoned and may never be closed.
func (s *Subscriber) C() <-chan []byte { return s.ch }

// session is one upstream fetch shared by all subscribers of a track.
type session struct {
	trackID string
	url     string

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	active bool

	cancel context.CancelFunc
}

// Manager owns the stream sessions, keyed by track ID.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session
	sf       singleflight.Group

	resolver Resolver
	fetcher  Fetcher
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new stream manager.
func NewManager(resolver Resolver, fetcher Fetcher, cfg Config) *Manager {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	if fetcher == nil {
		fetcher = HTTPFetcher{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions: make(map[string]*session),
		resolver: resolver,
		fetcher:  fetcher,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe attaches to the session for trackID, creating it on first use.
// Resolution failures are reported as ErrStreamUnavailable.
// The resolution is shared by every caller waiting on the same track and
// does not depend on any one caller's ctx; ctx only bounds this caller's wait.
func (m *Manager) Subscribe(ctx context.Context, trackID, sourceURL string) (*Subscriber, error) {
	m.mu.Lock()
	sub := m.attachLocked(trackID)
	m.mu.Unlock()
	if sub != nil {
		return sub, nil
	}

	ch := m.sf.DoChan(trackID, func() (any, error) {
		rctx, cancel := context.WithTimeout(m.ctx, m.cfg.ResolveTimeout)
		defer cancel()
		return m.resolver.StreamURL(rctx, sourceURL)
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, errors.Mark(errors.Wrapf(res.Err, "failed to resolve track %s", trackID), ErrStreamUnavailable)
	}
	url, _ := res.Val.(string)
	if url == "" {
		return nil, errors.Wrapf(ErrStreamUnavailable, "no playable url for track %s", trackID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have started the session while we were resolving.
	if sub := m.attachLocked(trackID); sub != nil {
		return sub, nil
	}

	fetchCtx, cancel := context.WithCancel(m.ctx)
	s := &session{
		trackID: trackID,
		url:     url,
		subs:    make(map[*Subscriber]struct{}),
		active:  true,
		cancel:  cancel,
	}
	sub = m.newSubscriber()
	s.subs[sub] = struct{}{}
	m.sessions[trackID] = s

	zlog.Debug().Msgf("streaming: session started track=%s", trackID)
	go m.run(fetchCtx, s)

	return sub, nil
}

// attachLocked adds a subscriber to a live session. Returns nil if none exists.
func (m *Manager) attachLocked(trackID string) *Subscriber {
	s, ok := m.sessions[trackID]
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return nil
	}
	sub := m.newSubscriber()
	s.subs[sub] = struct{}{}
	return sub
}

func (m *Manager) newSubscriber() *Subscriber {
	return &Subscriber{ch: make(chan []byte, m.cfg.QueueSize)}
}

// Unsubscribe detaches sub. The upstream fetch is cancelled when the last subscriber leaves.
func (m *Manager) Unsubscribe(trackID string, sub *Subscriber) {
	if sub == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[trackID]
	if !ok {
		return
	}

	s.mu.Lock()
	if _, ok := s.subs[sub]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.subs, sub)
	empty := len(s.subs) == 0
	if empty {
		s.active = false
	}
	s.mu.Unlock()

	if empty {
		delete(m.sessions, trackID)
		s.cancel()
		zlog.Debug().Msgf("streaming: last subscriber left, fetch cancelled track=%s", trackID)
	}
}

// run is the session's single upstream fetch loop. It is the only sender on,
// and the only closer of, subscriber channels.
func (m *Manager) run(ctx context.Context, s *session) {
	defer m.finish(s)

	body, err := m.fetcher.Open(ctx, s.url)
	if err != nil {
		if ctx.Err() == nil {
			zlog.Warn().Err(err).Msgf("streaming: failed to open upstream track=%s", s.trackID)
		}
		return
	}
	defer body.Close()

	for {
		chunk := make([]byte, m.cfg.ChunkSize)
		n, err := io.ReadFull(body, chunk)
		if n > 0 {
			m.deliver(s, chunk[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
				zlog.Warn().Err(err).Msgf("streaming: upstream read failed track=%s", s.trackID)
			}
			return
		}
	}
}

// deliver sends a chunk to a snapshot of the current subscribers.
func (m *Manager) deliver(s *session, chunk []byte) {
	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- chunk:
		default:
			zlog.Debug().Msgf("streaming: dropped chunk for slow subscriber track=%s", s.trackID)
		}
	}
}

// finish ends the stream for every attached subscriber and evicts the session.
func (m *Manager) finish(s *session) {
	m.mu.Lock()
	if cur, ok := m.sessions[s.trackID]; ok && cur == s {
		delete(m.sessions, s.trackID)
	}
	s.mu.Lock()
	s.active = false
	subs := s.subs
	s.subs = make(map[*Subscriber]struct{})
	s.mu.Unlock()
	m.mu.Unlock()

	s.cancel()
	for sub := range subs {
		close(sub.ch)
	}
	zlog.Debug().Msgf("streaming: session ended track=%s", s.trackID)
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close cancels every upstream fetch.
func (m *Manager) Close() {
	m.cancel()
}
