package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrLineTooLarge is returned when a single line cannot fit in any segment.
var ErrLineTooLarge = errors.New("line exceeds maximum payload size")

// Segment is a size-bounded group of consecutive converted lines.
// IDs start at 0 and increase by one per segment of a file.
type Segment struct {
	ID          int
	TimestampMS int64
	Lines       []string
}

// Payload returns the serialized form of the segment: every line followed by '\n'.
func (s Segment) Payload() []byte {
	var b strings.Builder
	b.Grow(PayloadSize(s.Lines))
	for _, l := range s.Lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// PayloadSize returns len(Segment{Lines: lines}.Payload()) without building it.
func PayloadSize(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	return n
}

// Partition groups the lines read from r into segments whose payload never
// exceeds maxPayload bytes. Lines keep their order. The sequence stops after
// the first error. Empty input yields no segments.
//
// now stamps each segment; nil means time.Now.
func Partition(r io.Reader, maxPayload int, now func() time.Time) iter.Seq2[Segment, error] {
	if now == nil {
		now = time.Now
	}
	return func(yield func(Segment, error) bool) {
		if maxPayload <= 0 {
			yield(Segment{}, fmt.Errorf("invalid maximum payload size %d", maxPayload))
			return
		}

		br := bufio.NewReader(r)
		var (
			id    int
			lines []string
			size  int
		)

		flush := func() bool {
			seg := Segment{ID: id, TimestampMS: now().UnixMilli(), Lines: lines}
			id++
			lines = nil
			size = 0
			return yield(seg, nil)
		}

		for {
			line, err := br.ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				yield(Segment{}, fmt.Errorf("read line: %w", err))
				return
			}
			if line == "" && err != nil {
				break
			}

			line = strings.TrimSuffix(line, "\n")
			n := len(line) + 1
			if n > maxPayload {
				if len(lines) > 0 && !flush() {
					return
				}
				yield(Segment{}, fmt.Errorf("%w: segment %d needs %d bytes, limit %d", ErrLineTooLarge, id, n, maxPayload))
				return
			}
			if size+n > maxPayload {
				if !flush() {
					return
				}
			}
			lines = append(lines, line)
			size += n

			if err != nil {
				break
			}
		}

		if len(lines) > 0 {
			flush()
		}
	}
}

// prepareFile opens path and partitions its lines. The file is closed when
// iteration ends, including early termination by the consumer.
func prepareFile(path string, maxPayload int, now func() time.Time) iter.Seq2[Segment, error] {
	return func(yield func(Segment, error) bool) {
		f, err := os.Open(filepath.Clean(path))
		if err != nil {
			yield(Segment{}, fmt.Errorf("open converted file: %w", err))
			return
		}
		defer func() { _ = f.Close() }()

		for seg, err := range Partition(f, maxPayload, now) {
			if !yield(seg, err) {
				return
			}
		}
	}
}
