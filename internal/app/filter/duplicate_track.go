package filter

import (
	"context"
	"regexp"
	"strings"

	"github.com/osa030/discobox/internal/domain/track"
)

var (
	remasterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*-?\s*\d{4}\s+remaster(ed)?`),      // "- 2011 Remaster"
		regexp.MustCompile(`\s*\(remaster(ed)?\s*\d{0,4}\)`),     // "(Remastered 2023)"
		regexp.MustCompile(`\s*\[remaster(ed)?\s*\d{0,4}\]`),     // "[Remastered]"
		regexp.MustCompile(`\s*-?\s*remaster(ed)?(\s+version)?`), // "- Remastered"
		regexp.MustCompile(`\s*\(.*?remaster.*?\)`),
		regexp.MustCompile(`\s*\[.*?remaster.*?\]`),
	}
	versionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\s*\(.*?version\)`), // "(Single Version)"
		regexp.MustCompile(`\s*\(.*?edit\)`),    // "(Radio Edit)"
		regexp.MustCompile(`\s*[\(\[](official\s+)?(music\s+)?(video|audio|mv|lyrics?)[\)\]]`),
		regexp.MustCompile(`\s*-?\s*radio\s+edit`),
		regexp.MustCompile(`\s*-?\s*single\s+version`),
	}
	spaces = regexp.MustCompile(`\s+`)
)

// DuplicateTrackFilter rejects tracks already held by the guild, either the
// same page or the same normalized title.
type DuplicateTrackFilter struct {
	queue Queue
}

// NewDuplicateTrackFilter creates a new duplicate track filter.
func NewDuplicateTrackFilter(q Queue) *DuplicateTrackFilter {
	return &DuplicateTrackFilter{queue: q}
}

func (f *DuplicateTrackFilter) Name() string {
	return "duplicate_track_filter"
}

func (f *DuplicateTrackFilter) Description() string {
	return "既にキュー内にある楽曲（リマスター版・MV版含む）の重複リクエストを拒否"
}

func (f *DuplicateTrackFilter) ReturnCodes() []string {
	return []string{"duplicate_track"}
}

func (f *DuplicateTrackFilter) AppliesTo(requesterType track.RequesterType) bool {
	return requesterType == track.RequesterTypeUser
}

func (f *DuplicateTrackFilter) ValidateConfig(settings map[string]any) error {
	return nil
}

func (f *DuplicateTrackFilter) Check(ctx context.Context, req Request, requested track.Track) Result {
	name := normalizeTrackName(requested.Title)
	for _, held := range f.queue.Tracks(ctx, req.GuildID) {
		if held.SourceURL != "" && held.SourceURL == requested.SourceURL {
			return Reject("duplicate_track")
		}
		if name != "" && normalizeTrackName(held.Title) == name {
			return Reject("duplicate_track")
		}
	}
	return Accept()
}

// normalizeTrackName removes remaster and version decorations.
func normalizeTrackName(name string) string {
	normalized := strings.ToLower(name)

	for _, pattern := range remasterPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}
	for _, pattern := range versionPatterns {
		normalized = pattern.ReplaceAllString(normalized, "")
	}

	normalized = strings.TrimSpace(normalized)
	normalized = spaces.ReplaceAllString(normalized, " ")
	return strings.TrimRight(normalized, " -")
}

func init() {
	Register("duplicate_track_filter", func(q Queue) Filter {
		return NewDuplicateTrackFilter(q)
	})
}
