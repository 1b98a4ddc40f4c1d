// Package ytdlp resolves search queries and page URLs into playable audio via yt-dlp.
package ytdlp

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lrstanley/go-ytdlp"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/discobox/internal/domain/track"
)

const (
	audioFormat = "bestaudio[ext=webm]/bestaudio[ext=m4a]/bestaudio/best"
	infoFormat  = "%(webpage_url)s\t%(title)s\t%(duration)s\t%(thumbnail)s\t%(url)s"
)

// Config holds yt-dlp settings.
type Config struct {
	Path    string // executable; empty uses PATH
	Proxy   string
	Timeout time.Duration
}

// runFunc executes yt-dlp with args and returns stdout.
type runFunc func(ctx context.Context, args ...string) (string, error)

// Resolver turns queries into track info.
type Resolver struct {
	timeout time.Duration
	run     runFunc
}

// New creates a Resolver backed by the yt-dlp binary.
func New(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Resolver{
		timeout: cfg.Timeout,
		run: func(ctx context.Context, args ...string) (string, error) {
			cmd := ytdlp.New().
				Quiet().
				NoWarnings().
				IgnoreConfig().
				NoPlaylist().
				Format(audioFormat)
			if cfg.Path != "" {
				cmd.SetExecutable(cfg.Path)
			}
			if cfg.Proxy != "" {
				cmd.Proxy(cfg.Proxy)
			}
			res, err := cmd.Run(ctx, args...)
			if err != nil {
				if res != nil && res.Stderr != "" {
					return "", errors.Wrapf(err, "yt-dlp: %s", strings.TrimSpace(res.Stderr))
				}
				return "", errors.Wrap(err, "yt-dlp")
			}
			return res.Stdout, nil
		},
	}
}

// Resolve looks up query, which may be a page URL or free text.
// Free text is searched on YouTube and the first hit is used.
func (r *Resolver) Resolve(ctx context.Context, query string) (track.Info, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return track.Info{}, errors.Wrap(track.ErrNotFound, "empty query")
	}

	target := query
	if !IsURL(query) {
		target = "ytsearch1:" + query
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.run(ctx, "--skip-download", "--print", infoFormat, target)
	if err != nil {
		zlog.Warn().Err(err).Msgf("ytdlp: resolve failed: %s", query)
		return track.Info{}, errors.Mark(errors.Wrapf(err, "failed to resolve %q", query), track.ErrNotFound)
	}

	info, ok := parseInfo(out)
	if !ok {
		return track.Info{}, errors.Wrapf(track.ErrNotFound, "no result for %q", query)
	}
	zlog.Debug().Msgf("ytdlp: resolved %q -> %s", query, info.Title)
	return info, nil
}

// StreamURL returns a fresh direct audio URL for sourceURL.
func (r *Resolver) StreamURL(ctx context.Context, sourceURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.run(ctx, "--skip-download", "--print", "%(url)s", sourceURL)
	if err != nil {
		return "", errors.Wrapf(err, "failed to get stream url for %s", sourceURL)
	}
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		if l = strings.TrimSpace(l); IsURL(l) {
			return l, nil
		}
	}
	return "", errors.Newf("no stream url for %s", sourceURL)
}

// parseInfo reads the first complete line printed with infoFormat.
func parseInfo(out string) (track.Info, bool) {
	for _, l := range strings.Split(strings.TrimSpace(out), "\n") {
		ps := strings.Split(l, "\t")
		if len(ps) < 5 || ps[0] == "" || ps[0] == "NA" {
			continue
		}
		info := track.Info{
			SourceURL: ps[0],
			Title:     ps[1],
			Duration:  parseDuration(ps[2]),
			Thumbnail: naToEmpty(ps[3]),
			StreamURL: naToEmpty(ps[4]),
		}
		if info.Title == "NA" || info.Title == "" {
			info.Title = info.SourceURL
		}
		return info, true
	}
	return track.Info{}, false
}

// parseDuration accepts yt-dlp's seconds field, which may be fractional or NA.
func parseDuration(s string) time.Duration {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func naToEmpty(s string) string {
	if s == "NA" {
		return ""
	}
	return s
}

// IsURL reports whether s looks like an http(s) URL.
func IsURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
