package producer

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// --- Factory Tests ---

func TestFactoryRequiresBrokers(t *testing.T) {
	factory := NewFactory()

	_, err := factory(map[string]string{}, nil)
	if err == nil {
		t.Fatal("expected error when brokers is missing")
	}

	_, err = factory(map[string]string{"brokers": " , "}, nil)
	if err == nil {
		t.Fatal("expected error when brokers is blank")
	}
}

func TestFactoryMinimalParams(t *testing.T) {
	factory := NewFactory()

	c, err := factory(map[string]string{"brokers": "localhost:9092"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer c.Close()

	p := c.(*Producer)
	if p.cfg.MaxRequestSize != DefaultMaxRequestSize {
		t.Errorf("max request size: expected %d, got %d", DefaultMaxRequestSize, p.cfg.MaxRequestSize)
	}
	if p.cfg.Partition != nil {
		t.Error("partition should be nil by default")
	}
	if p.cfg.TLS {
		t.Error("TLS should be false by default")
	}
	if p.cfg.SASL != nil {
		t.Error("SASL should be nil by default")
	}
	if p.cfg.DeliveryTimeout != DefaultDeliveryTimeout {
		t.Errorf("delivery timeout: expected %v, got %v", DefaultDeliveryTimeout, p.cfg.DeliveryTimeout)
	}
	if got := c.MaxRequestSize(); got != DefaultMaxRequestSize-recordOverhead {
		t.Errorf("MaxRequestSize = %d", got)
	}
}

func TestParseConfigMultipleBrokers(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{
		"brokers": "broker1:9092, broker2:9092 , broker3:9092",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := []string{"broker1:9092", "broker2:9092", "broker3:9092"}
	if !slices.Equal(cfg.Brokers, expected) {
		t.Errorf("brokers = %v, want %v", cfg.Brokers, expected)
	}
}

func TestParseConfigPartition(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{"brokers": "b:9092", "partition": "3"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Partition == nil || *cfg.Partition != 3 {
		t.Errorf("partition = %v, want 3", cfg.Partition)
	}

	for _, v := range []string{"-1", "x", "99999999999"} {
		if _, err := ParseConfig(map[string]string{"brokers": "b:9092", "partition": v}); err == nil {
			t.Errorf("expected error for partition %q", v)
		}
	}
}

func TestParseConfigMaxRequestSize(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{"brokers": "b:9092", "max_request_size": "4096"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxRequestSize != 4096 {
		t.Errorf("max request size = %d", cfg.MaxRequestSize)
	}

	for _, v := range []string{"abc", "100", "0"} {
		if _, err := ParseConfig(map[string]string{"brokers": "b:9092", "max_request_size": v}); err == nil {
			t.Errorf("expected error for max_request_size %q", v)
		}
	}
}

func TestParseConfigOptions(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{
		"brokers":          "b:9092",
		"tls":              "true",
		"acks":             "Leader",
		"compression":      "ZSTD",
		"delivery_timeout": "15s",
		"client_id":        "dc-flow",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.TLS {
		t.Error("TLS should be true")
	}
	if cfg.Acks != "leader" {
		t.Errorf("acks = %q", cfg.Acks)
	}
	if cfg.Compression != "zstd" {
		t.Errorf("compression = %q", cfg.Compression)
	}
	if cfg.DeliveryTimeout != 15*time.Second {
		t.Errorf("delivery timeout = %v", cfg.DeliveryTimeout)
	}
	if cfg.ClientID != "dc-flow" {
		t.Errorf("client id = %q", cfg.ClientID)
	}
}

func TestParseConfigDeliveryTimeoutSeconds(t *testing.T) {
	cfg, err := ParseConfig(map[string]string{"brokers": "b:9092", "delivery_timeout": "30"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeliveryTimeout != 30*time.Second {
		t.Errorf("delivery timeout = %v", cfg.DeliveryTimeout)
	}
}

func TestParseConfigInvalidOptions(t *testing.T) {
	bad := []map[string]string{
		{"acks": "some"},
		{"compression": "brotli"},
		{"delivery_timeout": "soon"},
		{"delivery_timeout": "-1s"},
		{"sasl_mechanism": "gssapi"},
	}
	for _, params := range bad {
		params["brokers"] = "b:9092"
		if _, err := ParseConfig(params); err == nil {
			t.Errorf("expected error for %v", params)
		}
	}
}

// --- SASL Tests ---

func TestParseConfigSASL(t *testing.T) {
	for _, mech := range []string{"plain", "SCRAM-SHA-256", "scram-sha-512"} {
		cfg, err := ParseConfig(map[string]string{
			"brokers":        "b:9092",
			"sasl_mechanism": mech,
			"sasl_user":      "alice",
			"sasl_password":  "secret",
		})
		if err != nil {
			t.Fatalf("%s: %v", mech, err)
		}
		if cfg.SASL == nil || cfg.SASL.User != "alice" || cfg.SASL.Password != "secret" {
			t.Fatalf("%s: SASL = %+v", mech, cfg.SASL)
		}
		if _, err := buildSASLMechanism(cfg.SASL); err != nil {
			t.Errorf("%s: build mechanism: %v", mech, err)
		}
	}
}

func TestBuildSASLMechanismUnsupported(t *testing.T) {
	if _, err := buildSASLMechanism(&SASLConfig{Mechanism: "kerberos"}); err == nil {
		t.Error("expected error for unsupported mechanism")
	}
}

func TestClientOptions(t *testing.T) {
	p := int32(2)
	opts, err := clientOptions(Config{
		Brokers:         []string{"b:9092"},
		MaxRequestSize:  DefaultMaxRequestSize,
		Partition:       &p,
		Compression:     "gzip",
		Acks:            "none",
		DeliveryTimeout: time.Second,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) < 6 {
		t.Errorf("expected partitioner, compression, acks and timeout options, got %d options", len(opts))
	}

	if _, err := clientOptions(Config{Brokers: []string{"b"}, Acks: "bogus"}, nil); err == nil {
		t.Error("expected error for bogus acks")
	}
}

// --- SendAsync Tests ---

// fakeKafka records produced records and answers promises synchronously
// or never, depending on hang.
type fakeKafka struct {
	records []*kgo.Record
	err     error
	hang    bool
	closed  bool
}

func (f *fakeKafka) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.records = append(f.records, r)
	if f.hang {
		return
	}
	if f.err != nil {
		promise(r, f.err)
		return
	}
	r.Partition = 1
	r.Offset = int64(len(f.records))
	promise(r, nil)
}

func (f *fakeKafka) Close() { f.closed = true }

func TestSendAsyncSuccess(t *testing.T) {
	fake := &fakeKafka{}
	p := newProducer(Config{MaxRequestSize: 4096}, fake, nil)

	ts := time.UnixMilli(1700000000000)
	md, err := p.SendAsync(context.Background(), Message{
		Topic:     "flow",
		Value:     []byte("a,b\n"),
		Timestamp: ts,
		Headers:   map[string]string{"file": "nfcapd.1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if md.Topic != "flow" || md.Partition != 1 || md.Offset != 1 {
		t.Errorf("metadata = %+v", md)
	}

	rec := fake.records[0]
	if string(rec.Value) != "a,b\n" || !rec.Timestamp.Equal(ts) {
		t.Errorf("record = %+v", rec)
	}
	if len(rec.Headers) != 1 || rec.Headers[0].Key != "file" || string(rec.Headers[0].Value) != "nfcapd.1" {
		t.Errorf("headers = %+v", rec.Headers)
	}

	p.Close()
	if !fake.closed {
		t.Error("Close did not close the client")
	}
}

func TestSendAsyncFixedPartition(t *testing.T) {
	fake := &fakeKafka{hang: true}
	part := int32(7)
	p := newProducer(Config{MaxRequestSize: 4096, Partition: &part}, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _ = p.SendAsync(ctx, Message{Topic: "t"})
	if fake.records[0].Partition != 7 {
		t.Errorf("partition = %d, want 7", fake.records[0].Partition)
	}
}

func TestSendAsyncFailure(t *testing.T) {
	brokerErr := errors.New("MESSAGE_TOO_LARGE")
	p := newProducer(Config{MaxRequestSize: 4096}, &fakeKafka{err: brokerErr}, nil)

	_, err := p.SendAsync(context.Background(), Message{Topic: "t"})
	if !errors.Is(err, ErrDelivery) {
		t.Errorf("expected ErrDelivery, got %v", err)
	}
	if !errors.Is(err, brokerErr) {
		t.Errorf("expected wrapped broker error, got %v", err)
	}
}

func TestSendAsyncContextDone(t *testing.T) {
	p := newProducer(Config{MaxRequestSize: 4096}, &fakeKafka{hang: true}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.SendAsync(ctx, Message{Topic: "t"})
	if !errors.Is(err, ErrDelivery) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected ErrDelivery wrapping DeadlineExceeded, got %v", err)
	}
}
