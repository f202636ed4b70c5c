package ocp

import (
	"context"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
)

// Request is one play search.
type Request struct {
	Query     string
	MediaType MediaType
	AudioOnly bool
	VideoOnly bool
	Skills    []string
}

// search tracks the replies of one query broadcast.
type search struct {
	id        string
	phrase    string
	minAt     time.Time
	softAt    time.Time
	maxAt     time.Time
	extension time.Duration

	mu        sync.Mutex
	searching map[string]bool
	results   []MediaEntry
	changed   chan struct{}
}

func newSearch(phrase string, now time.Time, minWait, maxWait, extension time.Duration) *search {
	return &search{
		id:        uuid.NewString(),
		phrase:    phrase,
		minAt:     now.Add(minWait),
		softAt:    now.Add(minWait),
		maxAt:     now.Add(maxWait),
		extension: extension,
		searching: make(map[string]bool),
		changed:   make(chan struct{}, 1),
	}
}

func (q *search) record(skillID string, searching bool, results []MediaEntry, now time.Time) {
	q.mu.Lock()
	if searching {
		q.searching[skillID] = true
		ext := now.Add(q.extension)
		if ext.After(q.maxAt) {
			ext = q.maxAt
		}
		if ext.After(q.softAt) {
			q.softAt = ext
		}
	} else {
		delete(q.searching, skillID)
		q.results = append(q.results, results...)
	}
	q.mu.Unlock()
	select {
	case q.changed <- struct{}{}:
	default:
	}
}

// due reports whether collection is over. It ends at the minimum wait
// unless a skill is still searching, and never later than the maximum.
func (q *search) due(now time.Time) (bool, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !now.Before(q.maxAt) {
		return true, 0
	}
	if now.Before(q.minAt) {
		return false, q.minAt.Sub(now)
	}
	if len(q.searching) == 0 {
		return true, 0
	}
	if !now.Before(q.softAt) {
		return true, 0
	}
	return false, q.softAt.Sub(now)
}

func (q *search) collected() []MediaEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.results)
}

// namedSkills returns the announced media skills whose name appears in
// query.
func (s *Service) namedSkills(query string) []string {
	utt := locale.Normalize(query)
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, sk := range s.skills {
		for _, alias := range sk.aliases {
			if alias != "" && containsPhrase(utt, alias) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Search queries the media skills and returns the usable results, best
// first.
func (s *Service) Search(ctx context.Context, req Request, player *Player, msg bus.Message) []MediaEntry {
	q := newSearch(req.Query, time.Now(), s.settings.MinTimeout, s.settings.MaxTimeout, s.settings.SearchExtension)
	unsubscribe := s.bus.OnSync("ovos.common_play.query.response", func(m bus.Message) {
		if m.String("phrase") != q.phrase {
			return
		}
		if id := m.String("search_id"); id != "" && id != q.id {
			return
		}
		skillID := m.String("skill_id")
		var results []MediaEntry
		if raw, ok := m.Data["results"].([]any); ok {
			for _, r := range raw {
				e, err := decodeEntry(r)
				if err != nil {
					s.log.Debug("ocp_bad_result", "skill_id", skillID, "error", err)
					continue
				}
				if e.SkillID == "" {
					e.SkillID = skillID
				}
				results = append(results, e)
			}
		}
		q.record(skillID, m.Bool("searching", false), results, time.Now())
	})
	defer unsubscribe()

	s.bus.Emit(msg.Forward("ovos.common_play.search.start", map[string]any{"search_id": q.id}))
	data := map[string]any{
		"phrase":        req.Query,
		"question_type": int(req.MediaType),
		"search_id":     q.id,
	}
	if len(req.Skills) > 0 {
		for _, skillID := range req.Skills {
			s.bus.Emit(msg.Forward("ovos.common_play.query."+skillID, data))
		}
	} else {
		s.bus.Emit(msg.Forward("ovos.common_play.query", data))
	}
	s.log.Debug("ocp_search_start", "query", req.Query, "media_type", int(req.MediaType), "skills", req.Skills)

	for {
		done, wait := q.due(time.Now())
		if done {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			done = true
		case <-q.changed:
			timer.Stop()
		case <-timer.C:
		}
		if done {
			break
		}
	}
	s.bus.Emit(msg.Forward("ovos.common_play.search.end", map[string]any{"search_id": q.id}))

	results := s.filter(q.collected(), req, player)
	s.log.Info("ocp_search_done", "query", req.Query, "results", len(results))
	return rank(results)
}

func (s *Service) filter(in []MediaEntry, req Request, player *Player) []MediaEntry {
	out := make([]MediaEntry, 0, len(in))
	for _, e := range in {
		switch {
		case e.MatchConfidence < s.settings.MinScore:
		case req.MediaType != MediaGeneric && e.MediaType != req.MediaType:
		case !player.Supports(e):
		case req.AudioOnly && e.PlaybackType == PlaybackVideo:
		case req.VideoOnly && e.PlaybackType != PlaybackVideo:
		default:
			out = append(out, e)
		}
	}
	return out
}

// rank orders entries by confidence. The first place is drawn at random
// among entries sharing the top score.
func rank(entries []MediaEntry) []MediaEntry {
	if len(entries) == 0 {
		return entries
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].MatchConfidence > entries[j].MatchConfidence
	})
	ties := 1
	for ties < len(entries) && entries[ties].MatchConfidence == entries[0].MatchConfidence {
		ties++
	}
	if ties > 1 {
		pick := rand.IntN(ties)
		entries[0], entries[pick] = entries[pick], entries[0]
	}
	return entries
}

// legacyTracks converts a playlist to URIs a plain audio service plays.
func legacyTracks(entries []MediaEntry) []any {
	tracks := make([]any, 0, len(entries))
	for _, e := range entries {
		uri := e.StreamURI()
		if strings.TrimSpace(uri) != "" {
			tracks = append(tracks, uri)
		}
	}
	return tracks
}
