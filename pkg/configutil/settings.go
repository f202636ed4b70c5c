// Package configutil decodes the free-form settings maps handed to matcher
// and transformer plugins.
package configutil

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

var durationType = reflect.TypeOf(time.Duration(0))

// secondsHook lets plain numbers fill time.Duration fields as seconds;
// strings go through time.ParseDuration.
func secondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch v := data.(type) {
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("parse duration %q: %w", v, err)
		}
		return d, nil
	}
	return data, nil
}

// DecodeSettings decodes input onto out. Fields already set on out act as
// defaults; keys match case, underscore and hyphen insensitively.
func DecodeSettings(input map[string]any, out any) error {
	if len(input) == 0 {
		return nil
	}
	cfg := &mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       secondsHook,
		MatchName: func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		},
	}
	decoder, err := mapstructure.NewDecoder(cfg)
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// Load validates input against schema and decodes it onto out.
func Load(input map[string]any, schema Schema, out any) error {
	if err := ValidateSettings(input, schema); err != nil {
		return err
	}
	return DecodeSettings(input, out)
}

func normalizeKey(value string) string {
	value = strings.ToLower(value)
	value = strings.ReplaceAll(value, "_", "")
	value = strings.ReplaceAll(value, "-", "")
	return value
}
