package bridge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/roach88/treesync/internal/ir"
	"github.com/roach88/treesync/internal/metrics"
)

// maxLineBytes bounds a single JSONL notification.
const maxLineBytes = 1 << 20

// Decode parses one wire notification and validates its envelope.
func Decode(data []byte) (ir.Notification, error) {
	var n ir.Notification
	if err := json.Unmarshal(data, &n); err != nil {
		metrics.BridgeNotifications.WithLabelValues("unknown", metrics.ResultDecodeFailed).Inc()
		return ir.Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	if err := n.Validate(); err != nil {
		metrics.BridgeNotifications.WithLabelValues(n.Kind(), metrics.ResultDecodeFailed).Inc()
		return ir.Notification{}, err
	}
	return n, nil
}

// DecodeLines parses a JSONL stream. Blank lines are skipped; the first
// malformed line aborts with its line number.
func DecodeLines(r io.Reader) ([]ir.Notification, error) {
	var out []ir.Notification
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		n, err := Decode(raw)
		if err != nil {
			return out, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, n)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read notifications: %w", err)
	}
	return out, nil
}

// Encode renders n as a single JSON line without the trailing newline.
func Encode(n ir.Notification) ([]byte, error) {
	return json.Marshal(n)
}
