// Package config loads the collector configuration file.
//
// The file is JSON. Top-level keys hold defaults shared by every data type;
// the "pipelines" object holds per-datatype overrides that replace the
// top-level key of the same name for a run of that datatype:
//
//	{
//	  "file_watcher": {"path": "/data/incoming", "supported_files": ["nfcapd.*"]},
//	  "interval": 5,
//	  "local_staging": "/var/tmp",
//	  "processes": 4,
//	  "producer": {"brokers": "kafka-1:9092,kafka-2:9092"},
//	  "pipelines": {
//	    "flow": {"converter": "command", "process_opts": "nfdump -r {input} -o csv"}
//	  }
//	}
//
// String values that are blank are ignored, so an empty override never
// clears a default. A few DC_* environment variables are applied after the
// file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// DefaultFileName is the configuration file looked up in the home directory.
const DefaultFileName = ".d-collector.json"

// DefaultInterval is the poll cadence when the file does not set one.
const DefaultInterval = 5 * time.Second

// ErrUnknownPipeline is returned by Load when the file has no entry for the
// requested datatype.
var ErrUnknownPipeline = errors.New("no pipeline configured for datatype")

// WatcherConfig configures the discovery source.
type WatcherConfig struct {
	Path           string   `json:"path"`
	Recursive      bool     `json:"recursive"`
	SupportedFiles []string `json:"supported_files"`
	Settle         Seconds  `json:"settle"`
	ScanExisting   bool     `json:"scan_existing"`
}

// Config is the merged configuration for one datatype.
type Config struct {
	Datatype string `json:"-"`

	// Converter names the registered pipeline used for conversion. It
	// defaults to the datatype itself.
	Converter string `json:"converter"`

	FileWatcher       WatcherConfig     `json:"file_watcher"`
	Interval          Seconds           `json:"interval"`
	LocalStaging      string            `json:"local_staging"`
	Processes         int               `json:"processes"`
	ProcessOpts       string            `json:"process_opts"`
	Producer          map[string]string `json:"-"`
	ConversionTimeout Seconds           `json:"conversion_timeout"`
	RetainStaged      bool              `json:"retain_staged"`
}

// Seconds is a duration written in the file as a number of seconds.
type Seconds time.Duration

// Duration returns s as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// UnmarshalJSON accepts a number of seconds or a Go duration string.
func (s *Seconds) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Seconds(n * float64(time.Second))
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("expected seconds or duration, got %s", data)
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return err
	}
	*s = Seconds(d)
	return nil
}

// overrides are the environment variables applied after the file.
type overrides struct {
	Brokers      string `env:"DC_BROKERS"`
	Processes    int    `env:"DC_PROCESSES"`
	LocalStaging string `env:"DC_LOCAL_STAGING"`
}

// DefaultPath returns ~/.d-collector.json.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determine home directory: %w", err)
	}
	return filepath.Join(home, DefaultFileName), nil
}

// Load reads the file at path and returns the configuration for datatype.
func Load(path, datatype string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	cfg, err := Parse(data, datatype)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse merges the JSON document for datatype, applies defaults and
// environment overrides. It does not validate the result.
func Parse(data []byte, datatype string) (Config, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	var pipelines map[string]map[string]json.RawMessage
	if raw, ok := top["pipelines"]; ok {
		if err := json.Unmarshal(raw, &pipelines); err != nil {
			return Config{}, fmt.Errorf("parse pipelines: %w", err)
		}
	}
	pipeline, ok := pipelines[datatype]
	if !ok {
		return Config{}, fmt.Errorf("%w %q", ErrUnknownPipeline, datatype)
	}

	merged := make(map[string]json.RawMessage, len(top)+len(pipeline))
	for k, v := range top {
		if k != "pipelines" && !isBlankString(v) {
			merged[k] = v
		}
	}
	for k, v := range pipeline {
		if !isBlankString(v) {
			merged[k] = v
		}
	}

	cfg := Config{
		Datatype:     datatype,
		Interval:     Seconds(DefaultInterval),
		LocalStaging: os.TempDir(),
		Processes:    runtime.NumCPU(),
	}

	mergedJSON, err := json.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("merge config: %w", err)
	}
	if err := json.Unmarshal(mergedJSON, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.Producer = map[string]string{}
	if raw, ok := merged["producer"]; ok {
		if cfg.Producer, err = producerParams(raw); err != nil {
			return Config{}, fmt.Errorf("parse producer: %w", err)
		}
	}

	if cfg.Converter == "" {
		cfg.Converter = datatype
	}

	var ov overrides
	if err := env.Parse(&ov); err != nil {
		return Config{}, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.applyOverrides(ov)

	return cfg, nil
}

func (c *Config) applyOverrides(o overrides) {
	if o.Brokers != "" {
		c.Producer["brokers"] = o.Brokers
	}
	if o.Processes > 0 {
		c.Processes = o.Processes
	}
	if o.LocalStaging != "" {
		c.LocalStaging = o.LocalStaging
	}
}

// Validate checks the merged configuration.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.FileWatcher.Path) == "" {
		errs = append(errs, errors.New("file_watcher.path is required"))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %v", c.Interval.Duration()))
	}
	if c.Processes < 1 {
		errs = append(errs, fmt.Errorf("processes must be at least 1, got %d", c.Processes))
	}
	if c.LocalStaging == "" {
		errs = append(errs, errors.New("local_staging is required"))
	}
	if c.ConversionTimeout < 0 {
		errs = append(errs, errors.New("conversion_timeout must not be negative"))
	}
	if c.FileWatcher.Settle < 0 {
		errs = append(errs, errors.New("file_watcher.settle must not be negative"))
	}
	if c.Producer["brokers"] == "" {
		errs = append(errs, errors.New("producer.brokers is required"))
	}
	return errors.Join(errs...)
}

// producerParams flattens the producer object into factory params. Numbers
// and booleans are formatted, lists are joined with commas, and the
// bootstrap_servers key is accepted as an alias for brokers.
func producerParams(raw json.RawMessage) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}

	params := make(map[string]string, len(obj))
	for k, v := range obj {
		s, err := paramString(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if strings.TrimSpace(s) == "" {
			continue
		}
		params[k] = s
	}
	if params["brokers"] == "" && params["bootstrap_servers"] != "" {
		params["brokers"] = params["bootstrap_servers"]
	}
	delete(params, "bootstrap_servers")
	return params, nil
}

func paramString(v any) (string, error) {
	switch v := v.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case bool:
		return strconv.FormatBool(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := paramString(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value %v", v)
	}
}

func isBlankString(raw json.RawMessage) bool {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false
	}
	return strings.TrimSpace(s) == ""
}
