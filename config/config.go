package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Load reads a JSON config file and returns it as a map.
func Load(path string) (map[string]interface{}, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	var cfg map[string]interface{}
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "decode config %s", path)
	}
	return cfg, nil
}

// ApplyToFlags overrides flag values in fs from cfg for any flag not set
// explicitly on the command line. Call it after fs.Parse.
// Keys may use hyphens or underscores: "log-level" and "log_level" both set
// -log-level.
func ApplyToFlags(fs *flag.FlagSet, cfg map[string]interface{}) error {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicit[f.Name] = true
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if explicit[f.Name] || firstErr != nil {
			return
		}
		val, ok := cfg[f.Name]
		if !ok {
			val, ok = cfg[strings.ReplaceAll(f.Name, "-", "_")]
		}
		if !ok {
			return
		}
		var s string
		switch v := val.(type) {
		case string:
			s = v
		case float64, bool:
			s = fmt.Sprintf("%v", v)
		default:
			firstErr = errors.Errorf("config key %q: unsupported value %v", f.Name, val)
			return
		}
		if err := f.Value.Set(s); err != nil {
			firstErr = errors.Wrapf(err, "config key %q", f.Name)
		}
	})
	return firstErr
}
