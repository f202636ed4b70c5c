// Package ocp recognises media playback requests, searches media skills
// for something to play and drives the media player on behalf of each
// session.
package ocp

import (
	"strings"

	"github.com/mitchellh/mapstructure"
)

// SkillID is the skill id OCP matches and activations are reported under.
const SkillID = "ovos.common_play"

type PlayerState int

const (
	PlayerStopped PlayerState = 0
	PlayerPlaying PlayerState = 1
	PlayerPaused  PlayerState = 2
)

func (s PlayerState) String() string {
	switch s {
	case PlayerStopped:
		return "STOPPED"
	case PlayerPlaying:
		return "PLAYING"
	case PlayerPaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}

type MediaState int

const (
	MediaUnknown   MediaState = 0
	MediaNone      MediaState = 1
	MediaLoading   MediaState = 2
	MediaLoaded    MediaState = 3
	MediaStalled   MediaState = 4
	MediaBuffering MediaState = 5
	MediaBuffered  MediaState = 6
	MediaEnd       MediaState = 7
	MediaInvalid   MediaState = 8
)

// Track states between these bounds mean something is playing.
const (
	trackPlayingMin = 20
	trackPlayingMax = 29
)

type MediaType int

const (
	MediaGeneric   MediaType = 0
	MediaAudio     MediaType = 1
	MediaMusic     MediaType = 2
	MediaVideo     MediaType = 3
	MediaAudiobook MediaType = 4
	MediaGame      MediaType = 5
	MediaPodcast   MediaType = 6
	MediaRadio     MediaType = 7
	MediaNews      MediaType = 8
	MediaTV        MediaType = 9
	MediaMovie     MediaType = 10
)

var mediaTypeNames = map[string]MediaType{
	"generic":   MediaGeneric,
	"audio":     MediaAudio,
	"music":     MediaMusic,
	"video":     MediaVideo,
	"audiobook": MediaAudiobook,
	"game":      MediaGame,
	"podcast":   MediaPodcast,
	"radio":     MediaRadio,
	"news":      MediaNews,
	"tv":        MediaTV,
	"movie":     MediaMovie,
}

// ParseMediaType maps a resource label onto a media type.
func ParseMediaType(name string) (MediaType, bool) {
	t, ok := mediaTypeNames[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

type PlaybackType int

const (
	PlaybackSkill        PlaybackType = 0
	PlaybackVideo        PlaybackType = 1
	PlaybackAudio        PlaybackType = 2
	PlaybackAudioService PlaybackType = 3
	PlaybackMPRIS        PlaybackType = 4
	PlaybackWebview      PlaybackType = 5
	PlaybackUndefined    PlaybackType = 100
)

// MediaEntry is one search result returned by a media skill.
type MediaEntry struct {
	URI             string       `mapstructure:"uri"`
	Title           string       `mapstructure:"title"`
	Artist          string       `mapstructure:"artist"`
	Image           string       `mapstructure:"image"`
	Length          float64      `mapstructure:"length"`
	SkillID         string       `mapstructure:"skill_id"`
	MediaType       MediaType    `mapstructure:"media_type"`
	PlaybackType    PlaybackType `mapstructure:"playback"`
	MatchConfidence float64      `mapstructure:"match_confidence"`
}

func decodeEntry(raw any) (MediaEntry, error) {
	var e MediaEntry
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &e,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return e, err
	}
	err = dec.Decode(raw)
	return e, err
}

// Map renders the entry in wire form.
func (e MediaEntry) Map() map[string]any {
	return map[string]any{
		"uri":              e.URI,
		"title":            e.Title,
		"artist":           e.Artist,
		"image":            e.Image,
		"length":           e.Length,
		"skill_id":         e.SkillID,
		"media_type":       int(e.MediaType),
		"playback":         int(e.PlaybackType),
		"match_confidence": e.MatchConfidence,
	}
}

// SEI returns the stream extractor prefix of the entry URI:
// "youtube//https://..." yields "youtube", "https://..." yields "https".
func (e MediaEntry) SEI() string {
	head, _, found := strings.Cut(e.URI, "//")
	if !found {
		return ""
	}
	return strings.TrimSuffix(head, ":")
}

// StreamURI drops any extractor prefix, leaving a URI a plain audio
// service can open.
func (e MediaEntry) StreamURI() string {
	head, rest, found := strings.Cut(e.URI, "//")
	if !found || strings.HasSuffix(head, ":") {
		return e.URI
	}
	return rest
}
