// Package stream retrieves agent output logs for the query surface.
// Stream logs are JSONL event files written by the hosted agent
// process; retrieval never returns unbounded content, every format
// applies byte, line, and element caps before anything reaches a
// caller's context window.
package stream

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"conductor/internal/config"
)

// Format selects the shape of retrieved output.
type Format string

const (
	FormatRecent  Format = "recent"
	FormatFull    Format = "full"
	FormatCompact Format = "compact"
	FormatSummary Format = "summary"
)

// ValidFormat reports whether f is a recognized response format.
func ValidFormat(f Format) bool {
	switch f {
	case FormatRecent, FormatFull, FormatCompact, FormatSummary:
		return true
	}
	return false
}

// Options tunes one retrieval.
type Options struct {
	Format Format
	// MaxBytes bounds total returned content. Zero means the
	// format-specific default.
	MaxBytes int
	// Lines overrides the recent-line count. Zero means the configured
	// default.
	Lines int
}

// Output is the retrieval result.
type Output struct {
	Content    string `json:"content"`
	Format     Format `json:"format"`
	TotalBytes int64  `json:"total_bytes"`
	Truncated  bool   `json:"truncated"`
	Binary     bool   `json:"binary"`
	LineCount  int    `json:"line_count"`
}

const (
	defaultMaxBytes = 64 * 1024
	// binaryProbe is how much of the file is sniffed for binary content.
	binaryProbe = 1024
	// binaryThreshold is the non-printable ratio above which content is
	// refused as binary.
	binaryThreshold = 0.30
)

// Reader retrieves and truncates stream logs.
type Reader struct {
	cfg config.StreamConfig
}

// NewReader builds a reader with the given truncation configuration.
func NewReader(cfg config.StreamConfig) *Reader {
	if cfg.MaxLineLength <= 0 {
		cfg.MaxLineLength = 2000
	}
	if cfg.MaxToolResultContent <= 0 {
		cfg.MaxToolResultContent = 1500
	}
	if cfg.RecentLines <= 0 {
		cfg.RecentLines = 50
	}
	return &Reader{cfg: cfg}
}

// Read retrieves the log at path under opts. A missing file yields an
// empty non-truncated output rather than an error: an agent that never
// wrote is a normal state.
func (r *Reader) Read(path string, opts Options) (*Output, error) {
	if !ValidFormat(opts.Format) {
		opts.Format = FormatRecent
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Output{Format: opts.Format}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat stream log: %w", err)
	}

	out := &Output{Format: opts.Format, TotalBytes: info.Size()}

	data, truncated, err := readSampled(path, info.Size(), maxBytes)
	if err != nil {
		return nil, err
	}
	out.Truncated = truncated

	if isBinary(data) {
		out.Binary = true
		out.Content = fmt.Sprintf("[binary content, %d bytes]", info.Size())
		return out, nil
	}

	lines := splitLines(string(data))
	out.LineCount = len(lines)

	switch opts.Format {
	case FormatFull:
		out.Content = strings.Join(r.capLines(lines, &out.Truncated), "\n")
	case FormatCompact:
		out.Content = r.compact(lines, &out.Truncated)
	case FormatSummary:
		out.Content = r.summarize(lines)
	default: // recent
		n := opts.Lines
		if n <= 0 {
			n = r.cfg.RecentLines
		}
		if len(lines) > n {
			lines = lines[len(lines)-n:]
			out.Truncated = true
		}
		out.Content = strings.Join(r.capLines(lines, &out.Truncated), "\n")
	}
	return out, nil
}

// readSampled reads the whole file when it fits; otherwise it returns
// the first and last halves of the byte budget with the middle elided.
func readSampled(path string, size int64, maxBytes int) ([]byte, bool, error) {
	if size <= int64(maxBytes) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, fmt.Errorf("read stream log: %w", err)
		}
		return data, false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open stream log: %w", err)
	}
	defer f.Close()

	half := maxBytes / 2
	head := make([]byte, half)
	if _, err := f.ReadAt(head, 0); err != nil {
		return nil, false, fmt.Errorf("read head: %w", err)
	}
	tail := make([]byte, half)
	if _, err := f.ReadAt(tail, size-int64(half)); err != nil {
		return nil, false, fmt.Errorf("read tail: %w", err)
	}

	elided := size - int64(maxBytes)
	marker := fmt.Sprintf("\n... [%d bytes elided] ...\n", elided)
	out := make([]byte, 0, maxBytes+len(marker))
	out = append(out, head...)
	out = append(out, marker...)
	out = append(out, tail...)
	return out, true, nil
}

func isBinary(data []byte) bool {
	probe := data
	if len(probe) > binaryProbe {
		probe = probe[:binaryProbe]
	}
	if len(probe) == 0 {
		return false
	}
	nonPrintable := 0
	for _, b := range probe {
		if b == 0 || (b < 32 && b != '\n' && b != '\r' && b != '\t') {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(len(probe)) > binaryThreshold
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// capLines applies the per-line length cap, flagging truncation.
func (r *Reader) capLines(lines []string, truncated *bool) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		capped := CapLine(l, r.cfg.MaxLineLength)
		if capped != l {
			*truncated = true
		}
		out[i] = capped
	}
	return out
}

// CapLine shortens a line over max to a head, an elision marker naming
// the omitted count, and a short tail. Lines at or under max pass
// through unchanged, so the operation is idempotent.
func CapLine(line string, max int) string {
	if max <= 0 || len(line) <= max {
		return line
	}
	const tailLen = 80
	head := max - tailLen
	if head < 1 {
		head = max
		return line[:head] + "..."
	}
	omitted := len(line) - head - tailLen
	return fmt.Sprintf("%s...[%d chars truncated]...%s", line[:head], omitted, line[len(line)-tailLen:])
}

// streamEvent is the subset of the JSONL event schema compaction needs.
type streamEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`
	Message struct {
		Role    string `json:"role,omitempty"`
		Content json.RawMessage `json:"content,omitempty"`
	} `json:"message,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Content  json.RawMessage `json:"content,omitempty"`
	Result   string          `json:"result,omitempty"`
}

// compact reduces each JSONL event to its type and a capped content
// excerpt. Unparseable lines are carried through capped; the log may
// interleave plain text with events.
func (r *Reader) compact(lines []string, truncated *bool) string {
	var b strings.Builder
	for _, line := range lines {
		var ev streamEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
			b.WriteString(CapLine(line, r.cfg.MaxLineLength))
			b.WriteString("\n")
			continue
		}
		excerpt := contentExcerpt(ev)
		if ev.Type == "tool_result" || ev.Subtype == "tool_result" {
			capped := CapLine(excerpt, r.cfg.MaxToolResultContent)
			if capped != excerpt {
				*truncated = true
			}
			excerpt = capped
		} else {
			capped := CapLine(excerpt, r.cfg.MaxLineLength)
			if capped != excerpt {
				*truncated = true
			}
			excerpt = capped
		}
		if ev.ToolName != "" {
			fmt.Fprintf(&b, "[%s %s] %s\n", ev.Type, ev.ToolName, excerpt)
		} else {
			fmt.Fprintf(&b, "[%s] %s\n", ev.Type, excerpt)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func contentExcerpt(ev streamEvent) string {
	for _, raw := range []json.RawMessage{ev.Content, ev.Message.Content} {
		if len(raw) == 0 {
			continue
		}
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return string(raw)
	}
	return ev.Result
}

// summarize reports event-type counts and the last few lines.
func (r *Reader) summarize(lines []string) string {
	counts := make(map[string]int)
	for _, line := range lines {
		var ev streamEvent
		if json.Unmarshal([]byte(line), &ev) == nil && ev.Type != "" {
			counts[ev.Type]++
		} else {
			counts["text"]++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d lines", len(lines))
	if len(counts) > 0 {
		var parts []string
		for _, t := range sortedKeys(counts) {
			parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}

	const tailLines = 5
	tail := lines
	if len(tail) > tailLines {
		tail = tail[len(tail)-tailLines:]
	}
	if len(tail) > 0 {
		b.WriteString("\n\nLast output:\n")
		var ignored bool
		for _, l := range r.capLines(tail, &ignored) {
			b.WriteString(l)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
