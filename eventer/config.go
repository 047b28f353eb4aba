package eventer

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the [eventer] table of a TOML configuration file. Values are
// applied with Reactor.Propset, so the keys are the same.
//
//	[eventer]
//	implementation = "epoll"
//	default_queue_threads = 8
//	max_sleep = "50ms"
type Config struct {
	Eventer map[string]any `toml:"eventer"`
}

// LoadConfig reads a TOML configuration file. Tables other than [eventer]
// are ignored.
func LoadConfig(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf(`eventer: config %s: %w`, path, err)
	}
	return &c, nil
}

// DecodeConfig parses TOML configuration from a string.
func DecodeConfig(data string) (*Config, error) {
	var c Config
	if _, err := toml.Decode(data, &c); err != nil {
		return nil, fmt.Errorf(`eventer: config: %w`, err)
	}
	return &c, nil
}

// Apply sets every property on r. The implementation is applied first,
// since backend-local properties are only accepted by the backend that
// defines them, then the rest in key order.
func (c *Config) Apply(r *Reactor) error {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Eventer))
	for k := range c.Eventer {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case a == `implementation`:
			return -1
		case b == `implementation`:
			return 1
		case a < b:
			return -1
		default:
			return 1
		}
	})
	for _, k := range keys {
		v, err := propertyString(c.Eventer[k])
		if err != nil {
			return fmt.Errorf(`eventer: config key %s: %w`, k, err)
		}
		if err := r.Propset(k, v); err != nil {
			return fmt.Errorf(`eventer: config key %s: %w`, k, err)
		}
	}
	return nil
}

func propertyString(v any) (string, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	case time.Duration:
		return v.String(), nil
	default:
		return ``, fmt.Errorf(`unsupported value type %T`, v)
	}
}
