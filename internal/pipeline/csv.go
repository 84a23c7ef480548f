package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// csvPipeline re-encodes delimited text as comma-separated rows.
//
// Options:
//
//	delimiter=<char>   input field separator (default ","; "tab" for '\t')
//	header=skip        drop the first record
//	comment=<char>     ignore lines starting with char
type csvPipeline struct {
	now func() time.Time
}

// NewCSV returns the csv pipeline.
func NewCSV(now func() time.Time) Pipeline {
	return &csvPipeline{now: now}
}

func (p *csvPipeline) Convert(ctx context.Context, rawPath, outDir, opts, prefix string) (string, error) {
	out, err := p.convert(ctx, rawPath, outDir, opts, prefix)
	if err != nil {
		return "", &ConversionError{Datatype: "csv", Path: rawPath, Err: err}
	}
	return out, nil
}

func (p *csvPipeline) convert(ctx context.Context, rawPath, outDir, opts, prefix string) (string, error) {
	o := parseOpts(opts)

	comma, err := optRune(o, "delimiter", ',')
	if err != nil {
		return "", err
	}
	comment, err := optRune(o, "comment", 0)
	if err != nil {
		return "", err
	}

	in, err := openRaw(rawPath)
	if err != nil {
		return "", err
	}
	defer func() { _ = in.Close() }()

	outPath := outputPath(outDir, prefix, rawPath)
	return outPath, writeFile(outPath, func(w *bufio.Writer) error {
		r := csv.NewReader(in)
		r.Comma = comma
		r.Comment = comment
		r.FieldsPerRecord = -1
		r.LazyQuotes = true
		r.ReuseRecord = true

		cw := csv.NewWriter(w)
		skipHeader := o["header"] == "skip"
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if skipHeader {
				skipHeader = false
				continue
			}
			if isBlank(rec) {
				continue
			}
			if err := cw.Write(rec); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
}

func (p *csvPipeline) Prepare(path string, maxPayload int) iter.Seq2[Segment, error] {
	return prepareFile(path, maxPayload, p.now)
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func optRune(o map[string]string, key string, def rune) (rune, error) {
	v, ok := o[key]
	if !ok || v == "" {
		return def, nil
	}
	switch v {
	case "tab", `\t`:
		return '\t', nil
	case "space":
		return ' ', nil
	}
	r, size := utf8.DecodeRuneInString(v)
	if size != len(v) || r == utf8.RuneError {
		return 0, fmt.Errorf("option %s must be a single character, got %q", key, v)
	}
	return r, nil
}

// outputPath names the converted file for rawPath inside outDir.
func outputPath(outDir, prefix, rawPath string) string {
	base := strings.ReplaceAll(trimCompressedExt(filepath.Base(rawPath)), ".", "_")
	return filepath.Join(outDir, prefix+base+".csv")
}

// writeFile creates path, runs fill against a buffered writer, and removes
// the partial file on error.
func writeFile(path string, fill func(w *bufio.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}
