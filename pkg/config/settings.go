package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Recognised application setting keys.
const (
	KeyCacheSize             = "DataCollectorCacheSize"
	KeyDataGranularity       = "DataGranularity"
	KeyTradeFrame            = "TradeFrame"
	KeyWorkingInstrument     = "WorkingInstrument"
	KeyInstantPollInterval   = "InstantPollIntervalMs"
	KeyAlignmentCompensation = "AlignmentCompensationMs"
	KeyRetryBackoff          = "RetryBackoffMs"
	KeyHistoricalRetryLimit  = "HistoricalRetryLimit"
)

// ErrSettingType is returned when a setting holds a different scalar type
// than the one asked for.
var ErrSettingType = errors.New("setting type mismatch")

// Settings is the opaque key/value application configuration. Values are
// the scalars YAML decodes to: int, float64, bool or string.
type Settings struct {
	values map[string]any
}

// NewSettings wraps an already decoded map.
func NewSettings(values map[string]any) *Settings {
	if values == nil {
		values = map[string]any{}
	}
	return &Settings{values: values}
}

// LoadSettings reads a flat YAML mapping from path. A missing file yields
// empty settings and found=false so the caller can warn.
func LoadSettings(path string) (s *Settings, found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return NewSettings(nil), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read settings: %w", err)
	}

	s, err = ParseSettings(data)
	if err != nil {
		return nil, true, err
	}
	return s, true, nil
}

// ParseSettings decodes YAML settings. Nested mappings are rejected.
func ParseSettings(data []byte) (*Settings, error) {
	values := map[string]any{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	for k, v := range values {
		switch v.(type) {
		case int, float64, bool, string:
		default:
			return nil, fmt.Errorf("setting %s: unsupported value %T", k, v)
		}
	}
	return NewSettings(values), nil
}

// Has reports whether name is set.
func (s *Settings) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Int returns the integer setting name, or def when unset.
func (s *Settings) Int(name string, def int) (int, error) {
	v, ok := s.values[name]
	if !ok {
		return def, nil
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T, want int", ErrSettingType, name, v)
	}
	return n, nil
}

// Float accepts integer values as well.
func (s *Settings) Float(name string, def float64) (float64, error) {
	v, ok := s.values[name]
	if !ok {
		return def, nil
	}
	switch f := v.(type) {
	case float64:
		return f, nil
	case int:
		return float64(f), nil
	default:
		return 0, fmt.Errorf("%w: %s is %T, want number", ErrSettingType, name, v)
	}
}

func (s *Settings) Bool(name string, def bool) (bool, error) {
	v, ok := s.values[name]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s is %T, want bool", ErrSettingType, name, v)
	}
	return b, nil
}

func (s *Settings) String(name, def string) (string, error) {
	v, ok := s.values[name]
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s is %T, want string", ErrSettingType, name, v)
	}
	return str, nil
}

// Duration reads an integer setting expressed in unit.
func (s *Settings) Duration(name string, unit, def time.Duration) (time.Duration, error) {
	if !s.Has(name) {
		return def, nil
	}
	n, err := s.Int(name, 0)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * unit, nil
}
