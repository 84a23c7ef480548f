package producer

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxRequestSize matches the Kafka broker default for message.max.bytes.
const DefaultMaxRequestSize = 1048576

// DefaultDeliveryTimeout bounds how long one segment may wait for an
// acknowledgement before it is staged instead.
const DefaultDeliveryTimeout = 2 * time.Minute

// ParamDefaults returns the default parameter values for a producer.
func ParamDefaults() map[string]string {
	return map[string]string{
		"max_request_size": strconv.Itoa(DefaultMaxRequestSize),
		"acks":             "all",
		"delivery_timeout": DefaultDeliveryTimeout.String(),
	}
}

// NewFactory returns a Factory for franz-go backed producers.
func NewFactory() Factory {
	return func(params map[string]string, logger *slog.Logger) (Client, error) {
		cfg, err := ParseConfig(params)
		if err != nil {
			return nil, err
		}
		cfg.Logger = logger
		return New(cfg)
	}
}

// ParseConfig validates producer params and applies defaults.
func ParseConfig(params map[string]string) (Config, error) {
	brokers := params["brokers"]
	if brokers == "" {
		return Config{}, fmt.Errorf("producer: brokers param is required")
	}
	var brokerList []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokerList = append(brokerList, b)
		}
	}
	if len(brokerList) == 0 {
		return Config{}, fmt.Errorf("producer: brokers param is required")
	}

	cfg := Config{
		Brokers:         brokerList,
		ClientID:        params["client_id"],
		MaxRequestSize:  DefaultMaxRequestSize,
		TLS:             params["tls"] == "true",
		Acks:            strings.ToLower(params["acks"]),
		DeliveryTimeout: DefaultDeliveryTimeout,
	}

	if v := params["max_request_size"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("producer: invalid max_request_size %q: %w", v, err)
		}
		if n <= recordOverhead {
			return Config{}, fmt.Errorf("producer: max_request_size must exceed %d bytes", recordOverhead)
		}
		cfg.MaxRequestSize = int(n)
	}

	if v := params["partition"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("producer: invalid partition %q: %w", v, err)
		}
		if n < 0 {
			return Config{}, fmt.Errorf("producer: partition must be non-negative")
		}
		p := int32(n)
		cfg.Partition = &p
	}

	switch cfg.Acks {
	case "", "all", "leader", "none":
	default:
		return Config{}, fmt.Errorf("producer: unsupported acks %q (supported: all, leader, none)", params["acks"])
	}

	if v := params["compression"]; v != "" {
		v = strings.ToLower(v)
		if _, err := compressionCodec(v); err != nil {
			return Config{}, fmt.Errorf("producer: %w", err)
		}
		cfg.Compression = v
	}

	if v := params["delivery_timeout"]; v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("producer: invalid delivery_timeout %q: %w", v, err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("producer: delivery_timeout must be non-negative")
		}
		cfg.DeliveryTimeout = d
	}

	if mech := params["sasl_mechanism"]; mech != "" {
		switch strings.ToLower(mech) {
		case "plain", "scram-sha-256", "scram-sha-512":
		default:
			return Config{}, fmt.Errorf("producer: unsupported sasl_mechanism %q (supported: plain, scram-sha-256, scram-sha-512)", mech)
		}
		cfg.SASL = &SASLConfig{
			Mechanism: strings.ToLower(mech),
			User:      params["sasl_user"],
			Password:  params["sasl_password"],
		}
	}

	return cfg, nil
}

// parseDuration accepts a Go duration string or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}
