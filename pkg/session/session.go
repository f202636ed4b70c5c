package session

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/bus"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/errorsx"
)

// DefaultID identifies the process-wide session shared by local clients.
const DefaultID = "default"

// DefaultMaxActiveSkills bounds the active-skill list.
const DefaultMaxActiveSkills = 10

// UtteranceState tells whether a skill expects a normal intent or a
// follow-up answer for the next utterance.
type UtteranceState string

const (
	StateIntent   UtteranceState = "intent"
	StateResponse UtteranceState = "response"
)

var now = func() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// ActiveSkill is one entry of the active list, encoded as [skill_id, ts].
type ActiveSkill struct {
	SkillID   string
	Timestamp float64
}

func (a ActiveSkill) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{a.SkillID, a.Timestamp})
}

func (a *ActiveSkill) UnmarshalJSON(raw []byte) error {
	var pair []any
	if err := json.Unmarshal(raw, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("active skill: expected [skill_id, timestamp], got %d items", len(pair))
	}
	id, ok := pair[0].(string)
	if !ok {
		return fmt.Errorf("active skill: skill_id must be a string")
	}
	ts, ok := bus.FloatValue(pair[1])
	if !ok {
		return fmt.Errorf("active skill: timestamp must be a number")
	}
	a.SkillID = id
	a.Timestamp = ts
	return nil
}

// Session is per-conversation state. Matchers read it; only the intent
// service mutates the copy it owns for an utterance.
type Session struct {
	SessionID          string                    `json:"session_id"`
	Lang               string                    `json:"lang"`
	Pipeline           []string                  `json:"pipeline"`
	ActiveSkills       []ActiveSkill             `json:"active_skills"`
	UtteranceStates    map[string]UtteranceState `json:"utterance_states"`
	BlacklistedSkills  []string                  `json:"blacklisted_skills"`
	BlacklistedIntents []string                  `json:"blacklisted_intents"`
	Context            *ContextManager           `json:"context"`
	SiteID             string                    `json:"site_id"`
	TouchTime          float64                   `json:"touch_time"`
	ExpirationSeconds  float64                   `json:"expiration_seconds"`

	MaxActiveSkills int `json:"-"`
}

// New returns an empty session. An empty id gets a random one.
func New(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	s := &Session{
		SessionID:         id,
		SiteID:            "unknown",
		TouchTime:         now(),
		ExpirationSeconds: -1,
	}
	s.normalize()
	return s
}

func (s *Session) normalize() {
	if s.Pipeline == nil {
		s.Pipeline = []string{}
	}
	if s.ActiveSkills == nil {
		s.ActiveSkills = []ActiveSkill{}
	}
	if s.UtteranceStates == nil {
		s.UtteranceStates = map[string]UtteranceState{}
	}
	if s.BlacklistedSkills == nil {
		s.BlacklistedSkills = []string{}
	}
	if s.BlacklistedIntents == nil {
		s.BlacklistedIntents = []string{}
	}
	if s.Context == nil {
		s.Context = NewContextManager(DefaultContextTimeout)
	}
	s.Context.normalize()
}

// IsDefault reports whether this is the process-wide session.
func (s *Session) IsDefault() bool { return s.SessionID == DefaultID }

// Touch refreshes the last-used timestamp.
func (s *Session) Touch() { s.TouchTime = now() }

// Expired reports whether the session outlived its expiration window.
func (s *Session) Expired() bool {
	if s.ExpirationSeconds <= 0 {
		return false
	}
	return now()-s.TouchTime > s.ExpirationSeconds
}

// Activate moves skillID to the head of the active list with a fresh
// timestamp.
func (s *Session) Activate(skillID string) {
	if skillID == "" {
		return
	}
	s.removeActive(skillID)
	s.ActiveSkills = append([]ActiveSkill{{SkillID: skillID, Timestamp: now()}}, s.ActiveSkills...)
	limit := s.MaxActiveSkills
	if limit <= 0 {
		limit = DefaultMaxActiveSkills
	}
	if len(s.ActiveSkills) > limit {
		s.ActiveSkills = s.ActiveSkills[:limit]
	}
}

// Deactivate removes skillID from the active list and clears its
// response mode.
func (s *Session) Deactivate(skillID string) {
	s.removeActive(skillID)
	delete(s.UtteranceStates, skillID)
}

func (s *Session) removeActive(skillID string) {
	s.ActiveSkills = slices.DeleteFunc(s.ActiveSkills, func(a ActiveSkill) bool {
		return a.SkillID == skillID
	})
}

// IsActive reports whether skillID is in the active list.
func (s *Session) IsActive(skillID string) bool {
	return slices.ContainsFunc(s.ActiveSkills, func(a ActiveSkill) bool {
		return a.SkillID == skillID
	})
}

// ActiveSkillIDs lists active skills, most recent first.
func (s *Session) ActiveSkillIDs() []string {
	out := make([]string, len(s.ActiveSkills))
	for i, a := range s.ActiveSkills {
		out[i] = a.SkillID
	}
	return out
}

// PruneActive drops skills activated more than maxAge ago.
func (s *Session) PruneActive(maxAge time.Duration) []string {
	if maxAge <= 0 {
		return nil
	}
	cutoff := now() - maxAge.Seconds()
	var dropped []string
	s.ActiveSkills = slices.DeleteFunc(s.ActiveSkills, func(a ActiveSkill) bool {
		if a.Timestamp < cutoff {
			dropped = append(dropped, a.SkillID)
			return true
		}
		return false
	})
	return dropped
}

// State returns the utterance state for skillID.
func (s *Session) State(skillID string) UtteranceState {
	if st, ok := s.UtteranceStates[skillID]; ok {
		return st
	}
	return StateIntent
}

func (s *Session) EnableResponseMode(skillID string) {
	s.UtteranceStates[skillID] = StateResponse
}

func (s *Session) DisableResponseMode(skillID string) {
	s.UtteranceStates[skillID] = StateIntent
}

// ResponseModeSkills lists skills waiting for a follow-up, in active order
// first and then any remaining ones sorted by id.
func (s *Session) ResponseModeSkills() []string {
	var out []string
	for _, id := range s.ActiveSkillIDs() {
		if s.State(id) == StateResponse {
			out = append(out, id)
		}
	}
	var rest []string
	for id, st := range s.UtteranceStates {
		if st == StateResponse && !slices.Contains(out, id) {
			rest = append(rest, id)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}

func (s *Session) IsSkillBlacklisted(skillID string) bool {
	return skillID != "" && slices.Contains(s.BlacklistedSkills, skillID)
}

func (s *Session) IsIntentBlacklisted(intent string) bool {
	return intent != "" && slices.Contains(s.BlacklistedIntents, intent)
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("session: marshal clone: %v", err))
	}
	var out Session
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("session: unmarshal clone: %v", err))
	}
	out.MaxActiveSkills = s.MaxActiveSkills
	out.normalize()
	return &out
}

// Serialize encodes the session. Map keys come out sorted, so equal
// sessions always encode to the same bytes.
func (s *Session) Serialize() ([]byte, error) {
	s.normalize()
	return json.Marshal(s)
}

// Deserialize decodes a session produced by Serialize.
func Deserialize(raw []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("decode session: %w", err), errorsx.ReasonSessionDecode)
	}
	if s.SessionID == "" {
		return nil, errorsx.New(errorsx.ReasonSessionDecode, "decode session: missing session_id")
	}
	if math.IsNaN(s.TouchTime) {
		s.TouchTime = now()
	}
	s.normalize()
	return &s, nil
}

// ToMap renders the session as a JSON-shaped map for message contexts.
func (s *Session) ToMap() map[string]any {
	raw, err := s.Serialize()
	if err != nil {
		return map[string]any{"session_id": s.SessionID}
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// FromMap decodes a session carried in a message context.
func FromMap(in map[string]any) (*Session, error) {
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("encode session map: %w", err), errorsx.ReasonSessionDecode)
	}
	return Deserialize(raw)
}

// FromMessage decodes the session attached to msg, if any.
func FromMessage(msg bus.Message) (*Session, bool) {
	raw, ok := msg.Context["session"].(map[string]any)
	if !ok {
		return nil, false
	}
	s, err := FromMap(raw)
	if err != nil {
		return nil, false
	}
	return s, true
}

// Attach writes the session into msg's context.
func (s *Session) Attach(msg bus.Message) bus.Message {
	if msg.Context == nil {
		msg.Context = map[string]any{}
	}
	msg.Context["session"] = s.ToMap()
	return msg
}
