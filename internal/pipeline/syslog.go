package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"iter"
	"strconv"
	"strings"
	"time"
)

// syslogPipeline turns RFC 3164 and RFC 5424 lines into CSV rows:
//
//	timestamp,hostname,app_name,proc_id,facility,severity,message
//
// timestamp is RFC 3339 in UTC, empty if it could not be parsed.
// Lines that are not syslog are kept with only the message column set.
//
// Options:
//
//	header=true   emit a header row
type syslogPipeline struct {
	now func() time.Time
}

// NewSyslog returns the syslog pipeline.
func NewSyslog(now func() time.Time) Pipeline {
	if now == nil {
		now = time.Now
	}
	return &syslogPipeline{now: now}
}

var syslogHeader = []string{"timestamp", "hostname", "app_name", "proc_id", "facility", "severity", "message"}

func (p *syslogPipeline) Convert(ctx context.Context, rawPath, outDir, opts, prefix string) (string, error) {
	in, err := openRaw(rawPath)
	if err != nil {
		return "", &ConversionError{Datatype: "syslog", Path: rawPath, Err: err}
	}
	defer func() { _ = in.Close() }()

	outPath := outputPath(outDir, prefix, rawPath)
	err = writeFile(outPath, func(w *bufio.Writer) error {
		cw := csv.NewWriter(w)
		if parseOpts(opts)["header"] == "true" {
			if err := cw.Write(syslogHeader); err != nil {
				return err
			}
		}

		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		now := p.now()
		for sc.Scan() {
			if err := ctx.Err(); err != nil {
				return err
			}
			line := strings.TrimRight(sc.Text(), "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := cw.Write(parseSyslog([]byte(line), now).record()); err != nil {
				return err
			}
		}
		if err := sc.Err(); err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return "", &ConversionError{Datatype: "syslog", Path: rawPath, Err: err}
	}
	return outPath, nil
}

func (p *syslogPipeline) Prepare(path string, maxPayload int) iter.Seq2[Segment, error] {
	return prepareFile(path, maxPayload, p.now)
}

// syslogRow is one parsed syslog line.
type syslogRow struct {
	ts       time.Time
	hostname string
	appName  string
	procID   string
	facility string
	severity string
	message  string
}

func (r syslogRow) record() []string {
	ts := ""
	if !r.ts.IsZero() {
		ts = r.ts.UTC().Format(time.RFC3339)
	}
	return []string{ts, r.hostname, r.appName, r.procID, r.facility, r.severity, r.message}
}

// parseSyslog auto-detects RFC 3164 vs RFC 5424. now resolves the missing
// year of RFC 3164 timestamps.
func parseSyslog(data []byte, now time.Time) syslogRow {
	var row syslogRow

	if len(data) > 0 && data[0] == '<' {
		if pri, rest, ok := parsePriority(data); ok {
			row.facility = facilityName(pri / 8)
			row.severity = severityName(pri % 8)
			data = rest
		}
	}

	// RFC 5424 starts with a version digit followed by a space.
	if len(data) > 2 && data[0] >= '1' && data[0] <= '9' && data[1] == ' ' {
		parseRFC5424(data, &row)
	} else {
		parseRFC3164(data, now, &row)
	}
	return row
}

// parsePriority extracts the value of a leading <PRI>.
func parsePriority(data []byte) (int, []byte, bool) {
	if len(data) < 3 || data[0] != '<' {
		return 0, data, false
	}

	end := 1
	for end < len(data) && end < 5 && data[end] != '>' {
		end++
	}
	if end >= len(data) || data[end] != '>' {
		return 0, data, false
	}

	pri, err := strconv.Atoi(string(data[1:end]))
	if err != nil || pri < 0 || pri > 191 {
		return 0, data, false
	}
	return pri, data[end+1:], true
}

// parseRFC3164 parses "MMM DD HH:MM:SS HOSTNAME TAG[PID]: MESSAGE".
// Anything that does not start with a BSD timestamp is taken as the message.
func parseRFC3164(data []byte, now time.Time, row *syslogRow) {
	if len(data) < 15 {
		row.message = string(data)
		return
	}

	var ts time.Time
	var err error
	tsStr := string(data[:15])
	if ts, err = time.Parse("Jan  2 15:04:05", tsStr); err != nil {
		if ts, err = time.Parse("Jan 02 15:04:05", tsStr); err != nil {
			row.message = string(data)
			return
		}
	}
	ts = ts.AddDate(now.Year(), 0, 0)
	// Year rollover: a timestamp in the future belongs to last year.
	if ts.After(now.Add(24 * time.Hour)) {
		ts = ts.AddDate(-1, 0, 0)
	}
	row.ts = ts

	pos := 15
	for pos < len(data) && data[pos] == ' ' {
		pos++
	}

	start := pos
	for pos < len(data) && data[pos] != ' ' && data[pos] != ':' {
		pos++
	}
	if pos > start && pos-start <= 64 {
		row.hostname = string(data[start:pos])
	}
	for pos < len(data) && data[pos] == ' ' {
		pos++
	}

	start = pos
	for pos < len(data) && data[pos] != ':' && data[pos] != '[' && data[pos] != ' ' {
		pos++
	}
	if pos > start && pos-start <= 64 {
		row.appName = string(data[start:pos])
	}

	if pos < len(data) && data[pos] == '[' {
		pos++
		pidStart := pos
		for pos < len(data) && data[pos] != ']' {
			pos++
		}
		if pos > pidStart && pos < len(data) && pos-pidStart <= 16 {
			row.procID = string(data[pidStart:pos])
		}
		if pos < len(data) {
			pos++
		}
	}

	if pos < len(data) && data[pos] == ':' {
		pos++
	}
	row.message = strings.TrimLeft(string(data[pos:]), " ")
}

// parseRFC5424 parses "VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID [SD] MESSAGE".
func parseRFC5424(data []byte, row *syslogRow) {
	fields := splitFields(data, 7)

	if len(fields) > 1 && string(fields[1]) != "-" {
		if ts, err := time.Parse(time.RFC3339Nano, string(fields[1])); err == nil {
			row.ts = ts
		}
	}
	if len(fields) > 2 && string(fields[2]) != "-" && len(fields[2]) <= 64 {
		row.hostname = string(fields[2])
	}
	if len(fields) > 3 && string(fields[3]) != "-" && len(fields[3]) <= 64 {
		row.appName = string(fields[3])
	}
	if len(fields) > 4 && string(fields[4]) != "-" && len(fields[4]) <= 16 {
		row.procID = string(fields[4])
	}
	if len(fields) > 6 {
		row.message = skipStructuredData(string(fields[6]))
	}
}

// skipStructuredData drops the "-" or "[...]" elements before the message.
func skipStructuredData(s string) string {
	if strings.HasPrefix(s, "- ") || s == "-" {
		return strings.TrimPrefix(strings.TrimPrefix(s, "-"), " ")
	}
	for strings.HasPrefix(s, "[") {
		end := -1
		escaped := false
		for i := 1; i < len(s); i++ {
			switch {
			case escaped:
				escaped = false
			case s[i] == '\\':
				escaped = true
			case s[i] == ']':
				end = i
			}
			if end >= 0 {
				break
			}
		}
		if end < 0 {
			return s
		}
		s = s[end+1:]
	}
	return strings.TrimPrefix(s, " ")
}

// splitFields splits data into up to n space-delimited fields; the last
// field keeps the remainder.
func splitFields(data []byte, n int) [][]byte {
	var fields [][]byte
	pos := 0
	for len(fields) < n && pos < len(data) {
		for pos < len(data) && data[pos] == ' ' {
			pos++
		}
		if pos >= len(data) {
			break
		}

		start := pos
		if len(fields) == n-1 {
			fields = append(fields, data[start:])
			break
		}
		for pos < len(data) && data[pos] != ' ' {
			pos++
		}
		fields = append(fields, data[start:pos])
	}
	return fields
}

func facilityName(f int) string {
	names := []string{
		"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
		"uucp", "cron", "authpriv", "ftp", "ntp", "audit", "alert", "clock",
		"local0", "local1", "local2", "local3", "local4", "local5", "local6", "local7",
	}
	if f >= 0 && f < len(names) {
		return names[f]
	}
	return "unknown"
}

func severityName(s int) string {
	names := []string{
		"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug",
	}
	if s >= 0 && s < len(names) {
		return names[s]
	}
	return "unknown"
}
