package config

import (
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/errorsx"
)

// DefaultPipeline is the matcher order used when neither the session nor
// the configuration names one.
var DefaultPipeline = []string{
	"converse",
	"ocp_high",
	"stop_high",
	"padatious_high",
	"adapt_high",
	"common_qa",
	"ocp_medium",
	"fallback_high",
	"stop_medium",
	"adapt_medium",
	"padatious_medium",
	"adapt_low",
	"padatious_low",
	"ocp_fallback",
	"fallback_medium",
	"stop_low",
	"fallback_low",
}

type Config struct {
	Lang           string   `mapstructure:"lang"`
	SecondaryLangs []string `mapstructure:"secondary_langs"`
	LogLevel       string   `mapstructure:"log_level"`
	LogFormat      string   `mapstructure:"log_format"`

	Websocket     WebsocketConfig     `mapstructure:"websocket"`
	Intents       IntentsConfig       `mapstructure:"intents"`
	Session       SessionConfig       `mapstructure:"session"`
	Skills        SkillsConfig        `mapstructure:"skills"`
	Sounds        SoundsConfig        `mapstructure:"sounds"`
	OpenData      OpenDataConfig      `mapstructure:"open_data"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	NetworkTests  NetworkTestsConfig  `mapstructure:"network_tests"`
	Observability ObservabilityConfig `mapstructure:"observability"`

	UtteranceTransformers map[string]map[string]any `mapstructure:"utterance_transformers"`
	MetadataTransformers  map[string]map[string]any `mapstructure:"metadata_transformers"`
	IntentTransformers    map[string]map[string]any `mapstructure:"intent_transformers"`
}

type WebsocketConfig struct {
	Host  string `mapstructure:"host"`
	Port  int    `mapstructure:"port"`
	Route string `mapstructure:"route"`
	SSL   bool   `mapstructure:"ssl"`
}

// IntentsConfig holds the pipeline order plus free-form per-plugin
// settings keyed by plugin id (intents.<plugin_id>.*).
type IntentsConfig struct {
	Pipeline             []string       `mapstructure:"pipeline"`
	MultilingualMatching bool           `mapstructure:"multilingual_matching"`
	Plugins              map[string]any `mapstructure:",remain"`
}

// Settings returns the settings map of a matcher plugin, or nil.
func (c IntentsConfig) Settings(pluginID string) map[string]any {
	raw, ok := c.Plugins[pluginID]
	if !ok {
		return nil
	}
	switch val := raw.(type) {
	case map[string]any:
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			if ks, ok := k.(string); ok {
				out[ks] = v
			}
		}
		return out
	}
	return nil
}

type SessionConfig struct {
	TTLSeconds      float64 `mapstructure:"ttl_seconds"`
	MaxActiveSkills int     `mapstructure:"max_active_skills"`
}

// TTL returns the default-session lifetime; zero means never expire.
func (c SessionConfig) TTL() time.Duration {
	if c.TTLSeconds <= 0 {
		return 0
	}
	return Seconds(c.TTLSeconds)
}

type SkillsConfig struct {
	BlacklistedSkills   []string          `mapstructure:"blacklisted_skills"`
	Directory           string            `mapstructure:"directory"`
	SettingsDir         string            `mapstructure:"settings_dir"`
	ScanIntervalSeconds float64           `mapstructure:"scan_interval_seconds"`
	ReadyTimeoutSeconds float64           `mapstructure:"ready_timeout_seconds"`
	LoadConcurrency     int               `mapstructure:"load_concurrency"`
	Fallbacks           FallbackConfig    `mapstructure:"fallbacks"`
	Converse            ConverseConfig    `mapstructure:"converse"`
	CommonQuery         CommonQueryConfig `mapstructure:"common_query"`
}

type FallbackConfig struct {
	FallbackMode       string         `mapstructure:"fallback_mode"`
	FallbackWhitelist  []string       `mapstructure:"fallback_whitelist"`
	FallbackBlacklist  []string       `mapstructure:"fallback_blacklist"`
	FallbackPriorities map[string]int `mapstructure:"fallback_priorities"`
	MaxSkillRuntime    float64        `mapstructure:"max_skill_runtime"`
}

type ConverseConfig struct {
	Timeout           float64  `mapstructure:"timeout"`
	MaxSkillRuntime   float64  `mapstructure:"max_skill_runtime"`
	ConverseMode      string   `mapstructure:"converse_mode"`
	ConverseWhitelist []string `mapstructure:"converse_whitelist"`
	ConverseBlacklist []string `mapstructure:"converse_blacklist"`
}

type CommonQueryConfig struct {
	MinResponseWait float64 `mapstructure:"min_response_wait"`
	MaxResponseWait float64 `mapstructure:"max_response_wait"`
	ExtensionTime   float64 `mapstructure:"extension_time"`
}

type SoundsConfig struct {
	Error  string `mapstructure:"error"`
	Cancel string `mapstructure:"cancel"`
}

type OpenDataConfig struct {
	IntentURLs     []string `mapstructure:"intent_urls"`
	SampleRate     float64  `mapstructure:"sample_rate"`
	TimeoutSeconds float64  `mapstructure:"timeout_seconds"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type NetworkTestsConfig struct {
	WebURL         string  `mapstructure:"web_url"`
	TimeoutSeconds float64 `mapstructure:"timeout_seconds"`
}

// ObservabilityConfig controls local outcome traces. An empty
// artifacts_dir disables them.
type ObservabilityConfig struct {
	ArtifactsDir         string  `mapstructure:"artifacts_dir"`
	RetentionDays        int     `mapstructure:"retention_days"`
	SlowUtteranceSeconds float64 `mapstructure:"slow_utterance_seconds"`
}

// Selection modes shared by the converse and fallback stages.
const (
	ModeAcceptAll = "accept_all"
	ModeWhitelist = "whitelist"
	ModeBlacklist = "blacklist"
)

// Allowed applies a selection mode to skillID.
func Allowed(mode string, whitelist, blacklist []string, skillID string) bool {
	switch mode {
	case ModeWhitelist:
		return slices.Contains(whitelist, skillID)
	case ModeBlacklist:
		return !slices.Contains(blacklist, skillID)
	default:
		return true
	}
}

// Seconds converts a float seconds setting to a duration.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

const keyDelimiter = "::"

func setDefaults(v *viper.Viper) {
	v.SetDefault("lang", "en-US")
	v.SetDefault("secondary_langs", []string{})
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("websocket::host", "127.0.0.1")
	v.SetDefault("websocket::port", 8181)
	v.SetDefault("websocket::route", "/core")
	v.SetDefault("websocket::ssl", false)
	v.SetDefault("intents::pipeline", DefaultPipeline)
	v.SetDefault("intents::multilingual_matching", false)
	v.SetDefault("session::ttl_seconds", -1)
	v.SetDefault("session::max_active_skills", 10)
	v.SetDefault("skills::blacklisted_skills", []string{})
	v.SetDefault("skills::directory", "skills")
	v.SetDefault("skills::settings_dir", "")
	v.SetDefault("skills::scan_interval_seconds", 0)
	v.SetDefault("skills::ready_timeout_seconds", 60)
	v.SetDefault("skills::load_concurrency", 4)
	v.SetDefault("skills::fallbacks::fallback_mode", ModeAcceptAll)
	v.SetDefault("skills::fallbacks::fallback_whitelist", []string{})
	v.SetDefault("skills::fallbacks::fallback_blacklist", []string{})
	v.SetDefault("skills::fallbacks::max_skill_runtime", 10)
	v.SetDefault("skills::converse::timeout", 300)
	v.SetDefault("skills::converse::max_skill_runtime", 10)
	v.SetDefault("skills::converse::converse_mode", ModeAcceptAll)
	v.SetDefault("skills::converse::converse_whitelist", []string{})
	v.SetDefault("skills::converse::converse_blacklist", []string{})
	v.SetDefault("skills::common_query::min_response_wait", 2)
	v.SetDefault("skills::common_query::max_response_wait", 6)
	v.SetDefault("skills::common_query::extension_time", 3)
	v.SetDefault("sounds::error", "snd/error.mp3")
	v.SetDefault("sounds::cancel", "snd/cancel.mp3")
	v.SetDefault("open_data::intent_urls", []string{})
	v.SetDefault("open_data::sample_rate", 1.0)
	v.SetDefault("open_data::timeout_seconds", 3)
	v.SetDefault("privacy::redact_pii", true)
	v.SetDefault("network_tests::web_url", "https://www.google.com")
	v.SetDefault("network_tests::timeout_seconds", 3)
	v.SetDefault("observability::artifacts_dir", "")
	v.SetDefault("observability::retention_days", 7)
	v.SetDefault("observability::slow_utterance_seconds", 5)
	v.SetDefault("utterance_transformers::cancel::active", true)
	v.SetDefault("utterance_transformers::cancel::priority", 15)
	v.SetDefault("utterance_transformers::normalizer::active", true)
	v.SetDefault("utterance_transformers::normalizer::priority", 10)
	v.SetDefault("utterance_transformers::langdetect::active", false)
	v.SetDefault("utterance_transformers::langdetect::priority", 50)
}

// Load reads the configuration at path on top of the defaults. An empty
// path yields the defaults alone.
func Load(path string) (Config, error) {
	// Skill ids contain dots, so keys are split on "::" instead.
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setDefaults(v)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Lang) == "" {
		return errorsx.New(errorsx.ReasonConfigInvalid, "lang is required")
	}
	if len(c.Intents.Pipeline) == 0 {
		return errorsx.New(errorsx.ReasonConfigInvalid, "intents.pipeline must not be empty")
	}
	if c.Websocket.Port <= 0 || c.Websocket.Port > 65535 {
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "websocket.port out of range: %d", c.Websocket.Port)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json", "console":
	default:
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "log_format must be text, json or console: %q", c.LogFormat)
	}
	modes := []string{ModeAcceptAll, ModeWhitelist, ModeBlacklist}
	if !slices.Contains(modes, c.Skills.Fallbacks.FallbackMode) {
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "skills.fallbacks.fallback_mode invalid: %q", c.Skills.Fallbacks.FallbackMode)
	}
	if !slices.Contains(modes, c.Skills.Converse.ConverseMode) {
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "skills.converse.converse_mode invalid: %q", c.Skills.Converse.ConverseMode)
	}
	for id, p := range c.Skills.Fallbacks.FallbackPriorities {
		if p < 0 || p > 101 {
			return errorsx.Errorf(errorsx.ReasonConfigInvalid, "skills.fallbacks.fallback_priorities.%s out of range: %d", id, p)
		}
	}
	cq := c.Skills.CommonQuery
	if cq.MinResponseWait < 0 || cq.MaxResponseWait < cq.MinResponseWait {
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "skills.common_query waits invalid: min=%v max=%v", cq.MinResponseWait, cq.MaxResponseWait)
	}
	if c.OpenData.SampleRate < 0 || c.OpenData.SampleRate > 1 {
		return errorsx.Errorf(errorsx.ReasonConfigInvalid, "open_data.sample_rate must be within [0,1]: %v", c.OpenData.SampleRate)
	}
	return nil
}

// EnabledLangs returns the primary language followed by the secondaries.
func (c Config) EnabledLangs() []string {
	out := []string{c.Lang}
	return append(out, c.SecondaryLangs...)
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	for k, v := range cfg.Intents.Plugins {
		cfg.Intents.Plugins[k] = expandAny(v)
	}
	for _, group := range []map[string]map[string]any{cfg.UtteranceTransformers, cfg.MetadataTransformers, cfg.IntentTransformers} {
		for id, settings := range group {
			group[id] = expandSettings(settings)
		}
	}
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
