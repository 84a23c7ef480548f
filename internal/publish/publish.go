// Package publish turns one discovered file into Kafka records.
//
// A Publisher holds the per-run parameters. Each Publish call converts the
// file (or copies it when conversion is skipped) into the worker's staging
// directory, partitions the result into segments that fit the producer's
// request size, and produces the segments in id order. A segment the broker
// does not acknowledge is written to the same directory instead. The
// converted file is removed once every segment has been attempted.
package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"dcollector/internal/logging"
	"dcollector/internal/metrics"
	"dcollector/internal/pipeline"
	"dcollector/internal/producer"
	"dcollector/internal/staging"
)

// Record headers stamped on every produced segment.
const (
	HeaderRunID    = "dc-run-id"
	HeaderDatatype = "dc-datatype"
	HeaderFile     = "dc-file"
	HeaderSegment  = "dc-segment"
)

// Config holds the parameters shared by every Publish call of a run.
type Config struct {
	Root     *staging.Root
	Datatype string
	Pipeline pipeline.Pipeline
	Topic    string

	ProcessOpts       string
	Partition         *int32 // applied to every segment when set
	SkipConversion    bool
	ConversionTimeout time.Duration // zero means no limit

	ProducerParams  map[string]string
	ProducerFactory producer.Factory

	RunID   string
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Publisher runs publish tasks. It is safe for concurrent use; each call
// builds and closes its own producer.
type Publisher struct {
	cfg    Config
	params map[string]string
	logger *slog.Logger
}

// New validates cfg and returns a Publisher.
func New(cfg Config) (*Publisher, error) {
	var errs []error
	if cfg.Root == nil {
		errs = append(errs, errors.New("staging root is required"))
	}
	if cfg.Pipeline == nil {
		errs = append(errs, errors.New("pipeline is required"))
	}
	if cfg.ProducerFactory == nil {
		errs = append(errs, errors.New("producer factory is required"))
	}
	if cfg.Topic == "" {
		errs = append(errs, errors.New("topic is required"))
	}
	if cfg.Datatype == "" {
		errs = append(errs, errors.New("datatype is required"))
	}
	if cfg.Partition != nil && *cfg.Partition < 0 {
		errs = append(errs, fmt.Errorf("partition must be non-negative, got %d", *cfg.Partition))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}

	params := maps.Clone(cfg.ProducerParams)
	if params == nil {
		params = map[string]string{}
	}
	if cfg.Partition != nil {
		params["partition"] = strconv.FormatInt(int64(*cfg.Partition), 10)
	}

	return &Publisher{
		cfg:    cfg,
		params: params,
		logger: logging.Default(cfg.Logger).With("component", "publish", "datatype", cfg.Datatype),
	}, nil
}

// Publish processes rawPath on behalf of workerID. It returns true only if
// every segment was acknowledged by the broker. Failures are logged and
// never propagate; a panic inside the call is recovered.
func (p *Publisher) Publish(ctx context.Context, workerID, rawPath string) (ok bool) {
	start := time.Now()
	filename := filepath.Base(rawPath)
	logger := p.logger.With("worker", workerID, "file", filename)
	result := metrics.ResultFailed

	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish aborted", "class", "panic", "panic", r, "stack", string(debug.Stack()))
			ok = false
			result = metrics.ResultFailed
		}
		p.cfg.Metrics.FileDone(result, time.Since(start))
	}()

	logger.Info("processing raw file")

	dir, err := p.cfg.Root.WorkerDir(workerID)
	if err != nil {
		logger.Error("failed to prepare worker directory", "class", "staging", "error", err)
		return false
	}

	client, err := p.cfg.ProducerFactory(p.params, p.logger)
	if err != nil {
		logger.Error("failed to create producer", "class", "producer", "error", err)
		return false
	}
	defer client.Close()

	converted, err := p.convert(ctx, rawPath, dir)
	if err != nil {
		logger.Error("failed to convert raw file", "class", "conversion", "error", err)
		return false
	}
	logger.Info("loaded converted file into staging area", "converted", filepath.Base(converted))
	defer func() {
		if err := os.Remove(converted); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to remove converted file", "converted", converted, "error", err)
			return
		}
		logger.Debug("removed converted file", "converted", converted)
	}()

	attempted, delivered := 0, 0
	for seg, err := range p.cfg.Pipeline.Prepare(converted, client.MaxRequestSize()) {
		if err != nil {
			logger.Error("failed to partition converted file", "class", "partition", "error", err)
			return false
		}
		attempted++
		if p.send(ctx, client, logger, dir, filename, seg) {
			delivered++
		}
	}

	if delivered == attempted {
		result = metrics.ResultDelivered
		logger.Info("published all segments", "segments", attempted)
		return true
	}
	if delivered > 0 {
		result = metrics.ResultPartial
	}
	logger.Warn("some segments were not published",
		"segments", attempted,
		"staged", attempted-delivered,
		"staging", dir)
	return false
}

// send produces one segment and stages it when delivery fails.
func (p *Publisher) send(ctx context.Context, client producer.Client, logger *slog.Logger, dir, filename string, seg pipeline.Segment) bool {
	payload := seg.Payload()
	md, err := client.SendAsync(ctx, producer.Message{
		Topic:     p.cfg.Topic,
		Value:     payload,
		Timestamp: time.UnixMilli(seg.TimestampMS),
		Headers: map[string]string{
			HeaderRunID:    p.cfg.RunID,
			HeaderDatatype: p.cfg.Datatype,
			HeaderFile:     filename,
			HeaderSegment:  strconv.Itoa(seg.ID),
		},
	})
	if err == nil {
		logger.Info("published segment",
			"segment", seg.ID,
			"lines", len(seg.Lines),
			"topic", md.Topic,
			"partition", md.Partition,
			"offset", md.Offset)
		p.cfg.Metrics.Segment(metrics.OutcomeDelivered, len(payload))
		return true
	}

	logger.Error("failed to publish segment", "class", "delivery", "segment", seg.ID, "error", err)
	if staging.Staged(dir, filename, seg.ID) {
		// Another raw file with the same base name failed on this worker.
		logger.Warn("overwriting staged segment",
			"segment", seg.ID,
			"staged", staging.SegmentName(filename, seg.ID),
			"dir", dir)
	}
	name, err := staging.StoreSegment(dir, filename, seg.ID, seg.Lines)
	if err != nil {
		logger.Error("failed to stage segment, data lost",
			"class", "staging",
			"segment", seg.ID,
			"lines", len(seg.Lines),
			"error", err)
		p.cfg.Metrics.Segment(metrics.OutcomeLost, 0)
		return false
	}
	logger.Info("stored segment in staging area", "segment", seg.ID, "staged", name, "dir", dir)
	p.cfg.Metrics.Segment(metrics.OutcomeStaged, 0)
	return false
}

// convert produces the converted file for rawPath inside the worker
// directory dir. With conversion skipped the raw file is copied unchanged.
// Only the owning worker writes in dir, so raw files sharing a base name
// never collide.
func (p *Publisher) convert(ctx context.Context, rawPath, dir string) (string, error) {
	if p.cfg.SkipConversion {
		return copyFile(rawPath, dir)
	}
	if p.cfg.ConversionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ConversionTimeout)
		defer cancel()
	}
	return p.cfg.Pipeline.Convert(ctx, rawPath, dir, p.cfg.ProcessOpts, p.cfg.Datatype+"_")
}

// copyFile copies src into dir under the same base name, keeping the mode
// and modification time.
func copyFile(src, dir string) (string, error) {
	in, err := os.Open(src) //nolint:gosec // G304: path comes from the discovery source
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return "", err
	}

	dst := filepath.Join(dir, filepath.Base(src))
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm()) //nolint:gosec // G304: dst is inside the staging root
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("copy %s: %w", src, err)
	}
	_ = os.Chtimes(dst, info.ModTime(), info.ModTime())
	return dst, nil
}
