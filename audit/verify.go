package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
)

const maxLine = 1 << 20

// VerifyResult is the outcome of walking a log's hash chain.
type VerifyResult struct {
	Valid     bool   `json:"valid"`
	Lines     int    `json:"lines"`
	Rejected  int    `json:"rejected"`
	Error     string `json:"error,omitempty"`
	ErrorLine int    `json:"error_line,omitempty"`
}

// Verify reads the log at path and reports the first broken link, if any.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	n, rejected := 0, 0
	expected := GenesisHash
	for scanner.Scan() {
		n++
		line := scanner.Bytes()

		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyResult{Lines: n - 1, Error: fmt.Sprintf("parse error: %v", err), ErrorLine: n}
		}
		if e.PrevHash != expected {
			return VerifyResult{
				Lines:     n - 1,
				Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, e.PrevHash),
				ErrorLine: n,
			}
		}
		if e.Outcome == OutcomeRejected {
			rejected++
		}
		expected = HashLine(line)
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{Lines: n, Error: fmt.Sprintf("scan: %v", err)}
	}

	return VerifyResult{Valid: true, Lines: n, Rejected: rejected}
}
