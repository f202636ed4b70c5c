package transformers

import (
	"log/slog"
	"sort"

	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/configutil"
	"github.com/OpenVoiceOS/ovos-core-sub000/pkg/locale"
)

// PluginSettings are the keys every transformer entry carries.
type PluginSettings struct {
	Active   bool `mapstructure:"active"`
	Priority int  `mapstructure:"priority"`
}

type langDetectSettings struct {
	MinConfidence float64             `mapstructure:"min_confidence"`
	Stopwords     map[string][]string `mapstructure:"stopwords"`
}

// BuildUtterance assembles the utterance chain from the
// utterance_transformers config section. extra supplies transformers the
// caller built itself; they are always active.
func BuildUtterance(cfg map[string]map[string]any, res *locale.Resources, log *slog.Logger, extra ...UtteranceTransformer) *UtteranceService {
	if log == nil {
		log = slog.Default()
	}
	svc := NewUtteranceService(log, extra...)
	for _, name := range sortedKeys(cfg) {
		raw := cfg[name]
		var ps PluginSettings
		if err := configutil.DecodeSettings(raw, &ps); err != nil {
			log.Warn("transformer_settings_invalid", "transformer", name, "error", err)
			continue
		}
		if !ps.Active {
			continue
		}
		switch name {
		case "cancel":
			svc.Add(NewCancel(res, ps.Priority))
		case "normalizer":
			ns := NormalizerSettings{StripPunctuation: true}
			if err := configutil.DecodeSettings(raw, &ns); err != nil {
				log.Warn("transformer_settings_invalid", "transformer", name, "error", err)
				continue
			}
			svc.Add(NewNormalizer(ns, ps.Priority))
		case "langdetect":
			ls := langDetectSettings{MinConfidence: 0.5}
			if err := configutil.DecodeSettings(raw, &ls); err != nil {
				log.Warn("transformer_settings_invalid", "transformer", name, "error", err)
				continue
			}
			svc.Add(NewLangDetect(NewStopwordDetector(ls.Stopwords), ls.MinConfidence, ps.Priority))
		default:
			log.Warn("transformer_unknown", "transformer", name)
		}
	}
	log.Debug("utterance_transformers_loaded", "transformers", svc.Names())
	return svc
}

func sortedKeys(m map[string]map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
