package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"os/exec"
	"strings"
	"time"
)

// ErrNoCommand is returned when the command pipeline has no command template.
var ErrNoCommand = errors.New("no conversion command configured")

// commandPipeline delegates conversion to an external program such as
// nfdump (netflow) or tshark (dns/pcap). The options are the command line,
// split on whitespace without a shell. "{input}" is replaced by the raw file
// path and "{output}" by the converted file path. Without "{output}" the
// program's stdout becomes the converted file.
//
//	nfdump -r {input} -o csv -q
//	tshark -r {input} -T fields -E separator=, -e frame.time_epoch -e dns.qry.name
type commandPipeline struct {
	now func() time.Time
}

// NewCommand returns the command pipeline.
func NewCommand(now func() time.Time) Pipeline {
	return &commandPipeline{now: now}
}

func (p *commandPipeline) Convert(ctx context.Context, rawPath, outDir, opts, prefix string) (string, error) {
	outPath := outputPath(outDir, prefix, rawPath)
	if err := p.run(ctx, rawPath, outPath, opts); err != nil {
		_ = os.Remove(outPath)
		return "", &ConversionError{Datatype: "command", Path: rawPath, Err: err}
	}
	return outPath, nil
}

func (p *commandPipeline) run(ctx context.Context, rawPath, outPath, opts string) error {
	args := strings.Fields(opts)
	if len(args) == 0 {
		return ErrNoCommand
	}

	toStdout := true
	for i, a := range args {
		if strings.Contains(a, "{output}") {
			toStdout = false
		}
		a = strings.ReplaceAll(a, "{input}", rawPath)
		args[i] = strings.ReplaceAll(a, "{output}", outPath)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // G204: command comes from operator configuration
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if !toStdout {
		if err := cmd.Run(); err != nil {
			return commandError(args[0], err, &stderr)
		}
		if _, err := os.Stat(outPath); err != nil {
			return fmt.Errorf("%s produced no output file: %w", args[0], err)
		}
		return nil
	}

	return writeFile(outPath, func(w *bufio.Writer) error {
		cmd.Stdout = w
		if err := cmd.Run(); err != nil {
			return commandError(args[0], err, &stderr)
		}
		return nil
	})
}

func (p *commandPipeline) Prepare(path string, maxPayload int) iter.Seq2[Segment, error] {
	return prepareFile(path, maxPayload, p.now)
}

func commandError(name string, err error, stderr *bytes.Buffer) error {
	msg := strings.TrimSpace(stderr.String())
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		return fmt.Errorf("%s: %w", name, err)
	}
	return fmt.Errorf("%s: %w: %s", name, err, msg)
}
