package flowlog

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	timestampLayout = "2006-01-02 15:04:05.000"
	separatorLine   = "================================================================================"
	dividerLine     = "--------------------------------------------------------------------------------"
)

// Encode renders one Event as a block in the persisted flow log format
// (spec §6). detail controls which metadata keys survive: minimal drops all
// metadata, normal truncates values to truncateLimit, verbose keeps everything
// (the only level R4's round-trip guarantee applies to).
func Encode(e Event, detail DetailLevel) string {
	var b strings.Builder
	b.WriteString(separatorLine)
	b.WriteByte('\n')
	elapsedSec := int64(e.ElapsedSinceStart / time.Second)
	fmt.Fprintf(&b, "[%s] %s (Session: %s) [+%ds]\n", e.Timestamp.UTC().Format(timestampLayout), e.EventType, e.SessionID, elapsedSec)
	b.WriteString(dividerLine)
	b.WriteByte('\n')

	fmt.Fprintf(&b, "status: %s\n", e.Status)
	if e.Duration != nil {
		fmt.Fprintf(&b, "duration_ms: %d\n", e.Duration.Milliseconds())
	}

	if detail != DetailMinimal {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := e.Metadata[k]
			if detail == DetailNormal && len(v) > truncateLimit {
				v = v[:truncateLimit] + "...(truncated)"
			}
			fmt.Fprintf(&b, "%s: %s\n", k, escapeValue(v))
		}
	}

	b.WriteString(separatorLine)
	b.WriteByte('\n')
	return b.String()
}

// overflowMarker is the single-line record written when the async queue
// drops events (spec §4.10: "a single LOG_OVERFLOW marker is written").
func overflowMarker(dropped int32, at time.Time) string {
	return fmt.Sprintf("LOG_OVERFLOW events_dropped=%d at=%s\n", dropped, at.UTC().Format(time.RFC3339Nano))
}

func escapeValue(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func unescapeValue(v string) string {
	v = strings.ReplaceAll(v, "\\n", "\n")
	v = strings.ReplaceAll(v, "\\\\", "\\")
	return v
}

var headerPattern = regexp.MustCompile(`^\[(.+?)\] (\S+) \(Session: (.*?)\) \[\+(\d+)s\]$`)

// parseHeader parses "[TIMESTAMP] EVENT_TYPE (Session: ID) [+Ns]".
func parseHeader(line string) (ts time.Time, eventType EventType, sessionID string, elapsed time.Duration, err error) {
	m := headerPattern.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, "", "", 0, fmt.Errorf("flowlog: malformed header %q", line)
	}
	ts, err = time.Parse(timestampLayout, m[1])
	if err != nil {
		return time.Time{}, "", "", 0, fmt.Errorf("flowlog: parse timestamp: %w", err)
	}
	eventType = EventType(m[2])
	sessionID = m[3]

	secs, convErr := strconv.ParseInt(m[4], 10, 64)
	if convErr != nil {
		return time.Time{}, "", "", 0, fmt.Errorf("flowlog: parse elapsed: %w", convErr)
	}
	elapsed = time.Duration(secs) * time.Second
	return ts, eventType, sessionID, elapsed, nil
}

// DecodeAll parses every event block out of a flow log reader, in file
// order. LOG_OVERFLOW marker lines are skipped; use ScanOverflowMarkers to
// read them.
func DecodeAll(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var events []Event
	for scanner.Scan() {
		line := scanner.Text()
		if line != separatorLine {
			continue
		}
		if !scanner.Scan() {
			break
		}
		ts, eventType, sessionID, elapsed, err := parseHeader(scanner.Text())
		if err != nil {
			return nil, err
		}
		if !scanner.Scan() || scanner.Text() != dividerLine {
			return nil, fmt.Errorf("flowlog: expected divider after header for session %s", sessionID)
		}

		e := Event{Timestamp: ts, SessionID: sessionID, EventType: eventType, ElapsedSinceStart: elapsed, Metadata: map[string]string{}}
		for scanner.Scan() {
			bodyLine := scanner.Text()
			if bodyLine == separatorLine {
				break
			}
			key, value, ok := strings.Cut(bodyLine, ": ")
			if !ok {
				continue
			}
			value = unescapeValue(value)
			switch key {
			case "status":
				e.Status = Status(value)
			case "duration_ms":
				ms, convErr := strconv.ParseInt(value, 10, 64)
				if convErr == nil {
					d := time.Duration(ms) * time.Millisecond
					e.Duration = &d
				}
			default:
				e.Metadata[key] = value
			}
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
