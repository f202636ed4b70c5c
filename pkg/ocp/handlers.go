package ocp

import (
	"context"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/pipeline"
)

// control maps a playback verb onto the player commands.
type control struct {
	modern string
	legacy string
	to     PlayerState
	moves  bool
}

var controls = map[string]control{
	"pause":          {modern: "ovos.common_play.pause", legacy: "mycroft.audio.service.pause", to: PlayerPaused, moves: true},
	"resume":         {modern: "ovos.common_play.resume", legacy: "mycroft.audio.service.resume", to: PlayerPlaying, moves: true},
	"next":           {modern: "ovos.common_play.next", legacy: "mycroft.audio.service.next"},
	"prev":           {modern: "ovos.common_play.previous", legacy: "mycroft.audio.service.prev"},
	"open":           {modern: "ovos.common_play.home"},
	"like_song":      {modern: "ovos.common_play.like"},
	"play_favorites": {modern: "ovos.common_play.play_favorites", to: PlayerPlaying, moves: true},
}

func (s *Service) subscribe() {
	ctx, cancel := context.WithCancel(context.Background())
	s.subs = []func(){
		cancel,
		s.bus.OnSync("ovos.common_play.player.state", s.handlePlayerState),
		s.bus.OnSync("ovos.common_play.track.state", s.handleTrackState),
		s.bus.OnSync("ovos.common_play.media.state", s.handleMediaState),
		s.bus.OnSync("mycroft.audio.queue_end", s.handleQueueEnd),
		s.bus.OnSync("ovos.common_play.announce", s.handleAnnounce),
		s.bus.OnSync("ovos.common_play.skills.detach", s.handleDetach),
		s.bus.OnSync("detach_skill", s.handleDetach),
		s.bus.OnSync("ocp:register_keyword", s.handleRegisterKeyword),
		s.bus.OnSync("ocp:deregister_keyword", s.handleDeregisterKeyword),
		s.bus.OnSync("ovos.common_play.stop.ping", s.handleStopPing),
		s.bus.OnSync("ovos.common_play.stop", s.handleStop),
		s.bus.OnSync("mycroft.stop", s.handleGlobalStop),
		s.bus.On("ocp:play", func(msg bus.Message) { s.handlePlay(ctx, msg) }),
		s.bus.On("ocp:media_stop", func(msg bus.Message) { s.handleMediaStop(ctx, msg) }),
	}
	for verb := range controls {
		s.subs = append(s.subs, s.bus.On("ocp:"+verb, func(msg bus.Message) { s.handleControl(ctx, verb, msg) }))
	}
}

func (s *Service) discover(ctx context.Context, p *Player, msg bus.Message) {
	if s.settings.Legacy {
		return
	}
	s.players.Discover(ctx, p, msg)
}

func (s *Service) handled(msg bus.Message) {
	s.bus.Emit(msg.Forward("ovos.utterance.handled", map[string]any{"skill_id": SkillID}))
}

func (s *Service) speakDialog(msg bus.Message, name string, data map[string]string) {
	l := msg.String("lang")
	if l == "" {
		l = pipeline.SessionOf(msg).Lang
	}
	s.bus.Emit(msg.Forward("speak", map[string]any{
		"utterance":       s.res.Dialog(l, name, data),
		"lang":            l,
		"expect_response": false,
		"meta":            map[string]any{"skill": SkillID, "dialog": name},
	}))
}

func (s *Service) move(p *Player, to PlayerState, reason string) {
	if err := p.fsm.Transition(to, reason); err != nil {
		s.log.Warn("ocp_transition_rejected", "session_id", p.SessionID, "error", err)
	}
}

func mediaTypeOf(msg bus.Message) MediaType {
	if f, ok := msg.Float("media_type"); ok {
		return MediaType(int(f))
	}
	mt, _ := ParseMediaType(msg.String("media_type"))
	return mt
}

func (s *Service) handlePlay(ctx context.Context, msg bus.Message) {
	defer s.handled(msg)
	p := s.playerFor(msg)
	s.discover(ctx, p, msg)

	query := msg.String("query")
	if query == "" {
		s.speakDialog(msg, "play.what", nil)
		return
	}
	req := Request{
		Query:     query,
		MediaType: mediaTypeOf(msg),
		AudioOnly: msg.Bool("audio_only", false),
		VideoOnly: msg.Bool("video_only", false),
		Skills:    s.namedSkills(query),
	}
	results := s.Search(ctx, req, p, msg)
	if len(results) == 0 {
		s.speakDialog(msg, "cant.play", map[string]string{"query": query})
		return
	}
	s.dispatch(p, results, msg)
}

// dispatch hands the best result and the playlist to the player.
func (s *Service) dispatch(p *Player, results []MediaEntry, msg bus.Message) {
	best := results[0]
	utterance := msg.String("utterance")
	if p.Available() {
		playlist := make([]any, 0, len(results))
		for _, e := range results {
			playlist = append(playlist, e.Map())
		}
		s.bus.Emit(msg.Forward("ovos.common_play.play", map[string]any{
			"media":     best.Map(),
			"playlist":  playlist,
			"utterance": utterance,
		}))
	} else {
		s.bus.Emit(msg.Forward("mycroft.audio.service.play", map[string]any{
			"tracks":    legacyTracks(results),
			"utterance": utterance,
			"repeat":    false,
		}))
	}
	s.log.Info("ocp_play", "session_id", p.SessionID, "uri", best.URI, "skill_id", best.SkillID, "legacy", !p.Available())
	s.move(p, PlayerPlaying, "play")
}

func (s *Service) handleControl(ctx context.Context, verb string, msg bus.Message) {
	defer s.handled(msg)
	c := controls[verb]
	p := s.playerFor(msg)
	s.discover(ctx, p, msg)
	switch {
	case p.Available():
		s.bus.Emit(msg.Forward(c.modern, nil))
	case c.legacy != "":
		s.bus.Emit(msg.Forward(c.legacy, nil))
	default:
		s.log.Info("ocp_unsupported_legacy", "verb", verb, "session_id", p.SessionID)
		return
	}
	if c.moves {
		s.move(p, c.to, verb)
	}
}

func (s *Service) handleMediaStop(ctx context.Context, msg bus.Message) {
	defer s.handled(msg)
	p := s.playerFor(msg)
	s.discover(ctx, p, msg)
	s.bus.Emit(msg.Forward("ovos.common_play.stop", nil))
}

// handleStop serves both the player command and stop negotiation.
func (s *Service) handleStop(msg bus.Message) {
	p := s.playerFor(msg)
	playing := p.State() != PlayerStopped
	if playing && !p.Available() {
		s.bus.Emit(msg.Forward("mycroft.audio.service.stop", nil))
	}
	s.move(p, PlayerStopped, "stop")
	s.bus.Emit(msg.Response(map[string]any{"skill_id": SkillID, "result": playing}))
}

func (s *Service) handleStopPing(msg bus.Message) {
	p := s.playerFor(msg)
	s.bus.Emit(msg.Reply("skill.stop.pong", map[string]any{
		"skill_id":   SkillID,
		"can_handle": p.State() != PlayerStopped,
	}))
}

func (s *Service) handleGlobalStop(msg bus.Message) {
	if s.playerFor(msg).State() != PlayerStopped {
		s.bus.Emit(msg.Forward("ovos.common_play.stop", nil))
	}
}

func (s *Service) handlePlayerState(msg bus.Message) {
	f, ok := msg.Float("state")
	if !ok {
		return
	}
	state := PlayerState(int(f))
	if state.String() == "UNKNOWN" {
		return
	}
	s.playerFor(msg).fsm.Sync(state, "player.state")
}

func (s *Service) handleTrackState(msg bus.Message) {
	f, ok := msg.Float("state")
	if !ok {
		return
	}
	if st := int(f); st >= trackPlayingMin && st <= trackPlayingMax {
		s.playerFor(msg).fsm.Sync(PlayerPlaying, "track.state")
	}
}

func (s *Service) handleMediaState(msg bus.Message) {
	if f, ok := msg.Float("state"); ok {
		s.playerFor(msg).setMediaState(MediaState(int(f)))
	}
}

func (s *Service) handleQueueEnd(msg bus.Message) {
	p := s.playerFor(msg)
	p.setMediaState(MediaEnd)
	p.fsm.Sync(PlayerStopped, "queue_end")
}

func (s *Service) handleAnnounce(msg bus.Message) {
	skillID := msg.String("skill_id")
	if skillID == "" {
		return
	}
	var aliases []string
	for _, a := range append([]string{msg.String("skill_name")}, msg.Strings("aliases")...) {
		if a = locale.Normalize(a); a != "" {
			aliases = append(aliases, a)
		}
	}
	s.mu.Lock()
	s.skills[skillID] = mediaSkill{id: skillID, aliases: aliases}
	s.mu.Unlock()
	s.log.Debug("ocp_skill_announced", "skill_id", skillID, "aliases", aliases)
}

func (s *Service) handleDetach(msg bus.Message) {
	skillID := msg.String("skill_id")
	if skillID == "" {
		return
	}
	s.mu.Lock()
	delete(s.skills, skillID)
	s.mu.Unlock()
	s.keywords.DetachSkill(skillID)
}

func (s *Service) handleRegisterKeyword(msg bus.Message) {
	label := msg.String("label")
	if label == "" {
		return
	}
	s.keywords.Register(msg.String("skill_id"), label, mediaTypeOf(msg), msg.Strings("samples"))
}

func (s *Service) handleDeregisterKeyword(msg bus.Message) {
	s.keywords.Deregister(msg.String("skill_id"), msg.String("label"))
}
