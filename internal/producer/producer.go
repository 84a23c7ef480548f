// Package producer delivers segments to Kafka using franz-go.
//
// Each publish invocation builds its own Client from the run's producer
// params and closes it when the file is done; clients are never shared
// between workers.
package producer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"dcollector/internal/logging"
)

// ErrDelivery wraps every failed produce request.
var ErrDelivery = errors.New("kafka delivery failed")

// recordOverhead is reserved out of the request size for record and batch
// framing plus the headers stamped on every record.
const recordOverhead = 1024

// Message is one record to produce.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string]string
}

// Metadata describes an acknowledged record.
type Metadata struct {
	Topic     string
	Partition int32
	Offset    int64
	Timestamp time.Time
}

// Client is the broker client used by publish workers.
type Client interface {
	// MaxRequestSize is the largest payload a single message may carry.
	MaxRequestSize() int
	// SendAsync produces msg and waits for the broker acknowledgement.
	SendAsync(ctx context.Context, msg Message) (Metadata, error)
	Close()
}

// Factory creates a Client from configuration parameters. Factories
// validate params and must not block on the network.
type Factory func(params map[string]string, logger *slog.Logger) (Client, error)

// SASLConfig holds SASL authentication parameters.
type SASLConfig struct {
	Mechanism string // "plain", "scram-sha-256", "scram-sha-512"
	User      string
	Password  string //nolint:gosec // G117: config field, not a hardcoded credential
}

// Config holds Kafka producer configuration.
type Config struct {
	Brokers         []string
	ClientID        string
	MaxRequestSize  int
	Partition       *int32 // nil lets the partitioner choose
	TLS             bool
	SASL            *SASLConfig
	Compression     string
	Acks            string
	DeliveryTimeout time.Duration
	Logger          *slog.Logger
}

// kafkaClient is the subset of *kgo.Client used here.
type kafkaClient interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Close()
}

// Producer is a Client backed by a franz-go client.
type Producer struct {
	cfg    Config
	client kafkaClient
	logger *slog.Logger
}

// New creates a Producer. The franz-go client connects lazily on first produce.
func New(cfg Config) (*Producer, error) {
	logger := logging.Default(cfg.Logger).With("component", "producer")

	opts, err := clientOptions(cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return newProducer(cfg, client, logger), nil
}

func newProducer(cfg Config, client kafkaClient, logger *slog.Logger) *Producer {
	return &Producer{cfg: cfg, client: client, logger: logging.Default(logger)}
}

func clientOptions(cfg Config, logger *slog.Logger) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchMaxBytes(int32(cfg.MaxRequestSize)), //nolint:gosec // G115: validated by the factory
		kgo.WithLogger(kgoLogger{logger: logger}),
	}

	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.Partition != nil {
		opts = append(opts, kgo.RecordPartitioner(kgo.ManualPartitioner()))
	}

	if cfg.TLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion: tls.VersionTLS12,
		}))
	}

	if cfg.SASL != nil {
		mech, err := buildSASLMechanism(cfg.SASL)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.SASL(mech))
	}

	if cfg.Compression != "" {
		codec, err := compressionCodec(cfg.Compression)
		if err != nil {
			return nil, err
		}
		opts = append(opts, kgo.ProducerBatchCompression(codec))
	}

	switch cfg.Acks {
	case "", "all":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	default:
		return nil, fmt.Errorf("unsupported acks %q", cfg.Acks)
	}

	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}

	return opts, nil
}

// MaxRequestSize implements Client.
func (p *Producer) MaxRequestSize() int {
	return max(p.cfg.MaxRequestSize-recordOverhead, 1)
}

// SendAsync implements Client. The record is handed to the client's
// asynchronous produce path; the call returns once the promise fires or
// ctx ends.
func (p *Producer) SendAsync(ctx context.Context, msg Message) (Metadata, error) {
	rec := &kgo.Record{
		Topic:     msg.Topic,
		Key:       msg.Key,
		Value:     msg.Value,
		Timestamp: msg.Timestamp,
	}
	if p.cfg.Partition != nil {
		rec.Partition = *p.cfg.Partition
	}
	for k, v := range msg.Headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	type result struct {
		rec *kgo.Record
		err error
	}
	done := make(chan result, 1)
	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		done <- result{rec: r, err: err}
	})

	select {
	case res := <-done:
		if res.err != nil {
			return Metadata{}, fmt.Errorf("%w: topic %s: %w", ErrDelivery, msg.Topic, res.err)
		}
		return Metadata{
			Topic:     res.rec.Topic,
			Partition: res.rec.Partition,
			Offset:    res.rec.Offset,
			Timestamp: res.rec.Timestamp,
		}, nil
	case <-ctx.Done():
		return Metadata{}, fmt.Errorf("%w: topic %s: %w", ErrDelivery, msg.Topic, ctx.Err())
	}
}

// Close flushes nothing; records not yet acknowledged are failed by the client.
func (p *Producer) Close() {
	p.client.Close()
	p.logger.Debug("producer closed", "brokers", p.cfg.Brokers)
}

// buildSASLMechanism constructs the appropriate SASL mechanism.
func buildSASLMechanism(cfg *SASLConfig) (sasl.Mechanism, error) {
	switch cfg.Mechanism {
	case "plain":
		return plain.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsMechanism(), nil
	case "scram-sha-256":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha256Mechanism(), nil
	case "scram-sha-512":
		return scram.Auth{
			User: cfg.User,
			Pass: cfg.Password,
		}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %q", cfg.Mechanism)
	}
}

func compressionCodec(name string) (kgo.CompressionCodec, error) {
	switch name {
	case "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.CompressionCodec{}, fmt.Errorf("unsupported compression %q", name)
	}
}

// kgoLogger routes franz-go client logs into slog.
type kgoLogger struct {
	logger *slog.Logger
}

func (l kgoLogger) Level() kgo.LogLevel {
	ctx := context.Background()
	switch {
	case l.logger.Enabled(ctx, slog.LevelDebug):
		return kgo.LogLevelDebug
	case l.logger.Enabled(ctx, slog.LevelInfo):
		return kgo.LogLevelInfo
	case l.logger.Enabled(ctx, slog.LevelWarn):
		return kgo.LogLevelWarn
	case l.logger.Enabled(ctx, slog.LevelError):
		return kgo.LogLevelError
	default:
		return kgo.LogLevelNone
	}
}

func (l kgoLogger) Log(level kgo.LogLevel, msg string, keyvals ...any) {
	var lvl slog.Level
	switch level {
	case kgo.LogLevelError:
		lvl = slog.LevelError
	case kgo.LogLevelWarn:
		lvl = slog.LevelWarn
	case kgo.LogLevelInfo:
		lvl = slog.LevelInfo
	default:
		lvl = slog.LevelDebug
	}
	l.logger.Log(context.Background(), lvl, msg, keyvals...)
}
