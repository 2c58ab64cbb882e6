package ops

import (
	"callgate/callable"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
)

// MaxReadBytes caps how much of a file ReadFile returns.
const MaxReadBytes = 1 << 20

// SystemInfo reports facts about the host it runs on. Only the controller
// may ask a worker for them.
type SystemInfo struct {
	callable.ControllerToWorkerOnly
}

type HostInfo struct {
	Node      string `json:"node"`
	Hostname  string `json:"hostname"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	NumCPU    int    `json:"num_cpu"`
	GoVersion string `json:"go_version"`
	PID       int    `json:"pid"`
}

func (*SystemInfo) Name() string { return "SystemInfo" }

func (*SystemInfo) Call(ctx context.Context) (any, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("ops: hostname: %w", err)
	}
	return HostInfo{
		Node:      NodeFrom(ctx),
		Hostname:  hostname,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		NumCPU:    runtime.NumCPU(),
		GoVersion: runtime.Version(),
		PID:       os.Getpid(),
	}, nil
}

// ReadFile returns the head of a file on the receiving node. A worker
// pushing it onto the controller would read the controller's files, so it is
// declared controller-to-worker only.
type ReadFile struct {
	callable.ControllerToWorkerOnly
	Path  string `json:"path"`
	Limit int    `json:"limit,omitempty"`
}

type FileContent struct {
	Path      string `json:"path"`
	Data      []byte `json:"data"`
	Truncated bool   `json:"truncated"`
}

func (*ReadFile) Name() string { return "ReadFile" }

func (r *ReadFile) Call(context.Context) (any, error) {
	limit := r.Limit
	if limit <= 0 || limit > MaxReadBytes {
		limit = MaxReadBytes
	}

	f, err := os.Open(r.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)+1))
	if err != nil {
		return nil, fmt.Errorf("ops: read %s: %w", r.Path, err)
	}
	content := FileContent{Path: r.Path, Data: data}
	if len(data) > limit {
		content.Data = data[:limit]
		content.Truncated = true
	}
	return content, nil
}
