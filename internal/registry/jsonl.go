package registry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"conductor/internal/types"
)

// AppendJSONL appends one event as a single JSON line. The parent
// directory is created on demand. Appends are the primary record:
// callers persist derived state only after the append succeeded.
func AppendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create event dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ReadProgressEvents reads every progress event in a JSONL file.
// Unparseable lines are skipped; a missing file yields an empty slice.
func ReadProgressEvents(path string) ([]types.ProgressEvent, error) {
	var out []types.ProgressEvent
	err := readLines(path, func(line []byte) {
		var e types.ProgressEvent
		if json.Unmarshal(line, &e) == nil && e.AgentID != "" {
			out = append(out, e)
		}
	})
	return out, err
}

// ReadFindingEvents reads every finding event in a JSONL file.
func ReadFindingEvents(path string) ([]types.FindingEvent, error) {
	var out []types.FindingEvent
	err := readLines(path, func(line []byte) {
		var e types.FindingEvent
		if json.Unmarshal(line, &e) == nil && e.AgentID != "" {
			out = append(out, e)
		}
	})
	return out, err
}

func readLines(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}
