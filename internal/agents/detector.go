// Package agents detects the code generation agent coderelay drives.
package agents

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Agent status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Agent describes an installed agent binary.
type Agent struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   string    `json:"status"`
	Path     string    `json:"path,omitempty"`
	Version  string    `json:"version,omitempty"`
	LastSeen time.Time `json:"last_seen,omitempty"`
}

// Online reports whether the binary was found.
func (a Agent) Online() bool {
	return a.Status == StatusOnline
}

// Detector looks up an agent binary and caches the answer for a while,
// since asking for a version spawns a process.
type Detector struct {
	bin string
	ttl time.Duration

	lookPath func(string) (string, error)
	version  func(ctx context.Context, path string) string

	mu     sync.Mutex
	cached *Agent
	at     time.Time
}

// NewDetector creates a detector for bin (a name on PATH or a path).
func NewDetector(bin string) *Detector {
	if bin == "" {
		bin = "aider"
	}
	return &Detector{
		bin:      bin,
		ttl:      time.Minute,
		lookPath: exec.LookPath,
		version:  getCommandVersion,
	}
}

// Detect returns the agent state, refreshing it when the cache is stale.
func (d *Detector) Detect(ctx context.Context) Agent {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != nil && time.Since(d.at) < d.ttl {
		return *d.cached
	}

	name := filepath.Base(d.bin)
	agent := Agent{
		ID:     name,
		Name:   displayName(name),
		Status: StatusOffline,
	}
	if path, err := d.lookPath(d.bin); err == nil {
		agent.Status = StatusOnline
		agent.Path = path
		agent.Version = d.version(ctx, path)
		agent.LastSeen = time.Now().UTC()
	}

	d.cached = &agent
	d.at = time.Now()
	return agent
}

func displayName(id string) string {
	id = strings.TrimSuffix(id, filepath.Ext(id))
	if id == "" {
		return id
	}
	return strings.ToUpper(id[:1]) + id[1:]
}

func getCommandVersion(ctx context.Context, cmd string) string {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, cmd, "--version").Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(string(out))
	// Take first line only
	if idx := strings.Index(version, "\n"); idx > 0 {
		version = version[:idx]
	}
	// Limit length
	if len(version) > 30 {
		version = version[:30]
	}
	return version
}
