package ops

import (
	"callgate/callable"
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoJournal is returned by journal callables on a node that keeps none.
var ErrNoJournal = errors.New("ops: no journal on this node")

// Journal is the controller's append-only store of log lines pushed by workers.
type Journal struct {
	mu    sync.RWMutex
	lines []JournalLine
	limit int
}

// JournalLine is one stored line and the worker that sent it.
type JournalLine struct {
	Index  int    `json:"index"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

// NewJournal keeps at most limit lines, dropping the oldest; limit <= 0 keeps all.
func NewJournal(limit int) *Journal {
	return &Journal{limit: limit}
}

// Append stores text and returns its index. Indexes keep increasing when old
// lines are dropped.
func (j *Journal) Append(source, text string) int {
	j.mu.Lock()
	defer j.mu.Unlock()

	next := 0
	if n := len(j.lines); n > 0 {
		next = j.lines[n-1].Index + 1
	}
	j.lines = append(j.lines, JournalLine{Index: next, Source: source, Text: text})
	if j.limit > 0 && len(j.lines) > j.limit {
		j.lines = append(j.lines[:0:0], j.lines[len(j.lines)-j.limit:]...)
	}
	return next
}

// Line returns the line at index.
func (j *Journal) Line(index int) (JournalLine, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if len(j.lines) == 0 {
		return JournalLine{}, fmt.Errorf("ops: journal line %d not found", index)
	}
	first := j.lines[0].Index
	if index < first || index-first >= len(j.lines) {
		return JournalLine{}, fmt.Errorf("ops: journal line %d not found", index)
	}
	return j.lines[index-first], nil
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.lines)
}

type journalKey struct{}

func WithJournal(ctx context.Context, j *Journal) context.Context {
	return context.WithValue(ctx, journalKey{}, j)
}

func JournalFrom(ctx context.Context) (*Journal, error) {
	j, ok := ctx.Value(journalKey{}).(*Journal)
	if !ok || j == nil {
		return nil, ErrNoJournal
	}
	return j, nil
}

// AppendLogLine stores a line in the controller journal.
type AppendLogLine struct {
	callable.WorkerToControllerSafe
	Source string `json:"source"`
	Text   string `json:"text"`
}

func (*AppendLogLine) Name() string { return "AppendLogLine" }

func (a *AppendLogLine) Call(ctx context.Context) (any, error) {
	j, err := JournalFrom(ctx)
	if err != nil {
		return nil, err
	}
	return j.Append(a.Source, a.Text), nil
}

// FetchLogLine reads a line back from the controller journal.
type FetchLogLine struct {
	callable.WorkerToControllerSafe
	Index int `json:"index"`
}

func (*FetchLogLine) Name() string { return "FetchLogLine" }

func (f *FetchLogLine) Call(ctx context.Context) (any, error) {
	j, err := JournalFrom(ctx)
	if err != nil {
		return nil, err
	}
	return j.Line(f.Index)
}
