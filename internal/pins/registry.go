// Package pins tracks the exact external tool versions a build requires.
// Pins are append-only: a bump creates a new active pin and never rewrites
// history.
package pins

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrUnknownTool marks a lookup for a tool that was never pinned.
var ErrUnknownTool = errors.New("tool has never been pinned")

// Pin is one immutable version record for a tool.
type Pin struct {
	Tool          string
	Version       string
	EffectiveFrom time.Time
}

// Registry reads and appends version pins stored as one file per tool: the
// tool's `<tool>.version` file holds the single active version string, and a
// sibling `<tool>.history` journal records every pin ever published,
// oldest-first. Reads are safe for concurrent use; bumps are serialized.
type Registry struct {
	dir string
	mu  sync.RWMutex
	now func() time.Time
}

// Open returns a registry over dir, creating it if needed.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("open pin registry: %w", err)
	}
	return &Registry{dir: dir, now: time.Now}, nil
}

func (r *Registry) versionPath(tool string) string {
	return filepath.Join(r.dir, tool+".version")
}

func (r *Registry) historyPath(tool string) string {
	return filepath.Join(r.dir, tool+".history")
}

// Current returns the active pin for tool, or ErrUnknownTool.
func (r *Registry) Current(tool string) (Pin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentLocked(tool)
}

func (r *Registry) currentLocked(tool string) (Pin, error) {
	raw, err := os.ReadFile(r.versionPath(tool))
	if errors.Is(err, os.ErrNotExist) {
		return Pin{}, fmt.Errorf("%q: %w", tool, ErrUnknownTool)
	}
	if err != nil {
		return Pin{}, fmt.Errorf("read pin for %q: %w", tool, err)
	}

	pin := Pin{Tool: tool, Version: strings.TrimSpace(string(raw))}
	if history, err := r.historyLocked(tool); err == nil && len(history) > 0 {
		last := history[len(history)-1]
		if last.Version == pin.Version {
			pin.EffectiveFrom = last.EffectiveFrom
		}
	}
	return pin, nil
}

// Bump appends a new active pin for tool and returns it. Prior pins are
// never mutated or deleted; this is the registry's only write operation.
func (r *Registry) Bump(tool, version string) (Pin, error) {
	if tool == "" || version == "" {
		return Pin{}, fmt.Errorf("bump requires a tool and a version")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pin := Pin{Tool: tool, Version: version, EffectiveFrom: r.now().UTC().Truncate(time.Second)}

	journal, err := os.OpenFile(r.historyPath(tool), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return Pin{}, fmt.Errorf("append pin history for %q: %w", tool, err)
	}
	_, writeErr := fmt.Fprintf(journal, "%s\t%s\n", pin.EffectiveFrom.Format(time.RFC3339), pin.Version)
	if closeErr := journal.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		return Pin{}, fmt.Errorf("append pin history for %q: %w", tool, writeErr)
	}

	// The version file is replaced atomically so a concurrent reader never
	// sees a torn write.
	tmp := r.versionPath(tool) + ".tmp"
	if err := os.WriteFile(tmp, []byte(pin.Version+"\n"), 0o644); err != nil {
		return Pin{}, fmt.Errorf("write pin for %q: %w", tool, err)
	}
	if err := os.Rename(tmp, r.versionPath(tool)); err != nil {
		return Pin{}, fmt.Errorf("publish pin for %q: %w", tool, err)
	}
	return pin, nil
}

// History returns every pin ever published for tool, oldest-first. A version
// file dropped in by hand without a journal yields a single-entry history.
func (r *Registry) History(tool string) ([]Pin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	history, err := r.historyLocked(tool)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		return history, nil
	}

	current, err := r.currentLocked(tool)
	if err != nil {
		return nil, err
	}
	return []Pin{current}, nil
}

func (r *Registry) historyLocked(tool string) ([]Pin, error) {
	f, err := os.Open(r.historyPath(tool))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pin history for %q: %w", tool, err)
	}
	defer f.Close()

	var pins []Pin
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stamp, version, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("malformed pin history line for %q: %q", tool, line)
		}
		at, err := time.Parse(time.RFC3339, stamp)
		if err != nil {
			return nil, fmt.Errorf("malformed pin history timestamp for %q: %w", tool, err)
		}
		pins = append(pins, Pin{Tool: tool, Version: version, EffectiveFrom: at})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return pins, nil
}

// Tools lists every pinned tool, ascending.
func (r *Registry) Tools() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, err
	}
	var tools []string
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), ".version"); ok && !entry.IsDir() {
			tools = append(tools, name)
		}
	}
	sort.Strings(tools)
	return tools, nil
}

// Fingerprint digests the active pin set (tool=version, sorted by tool) so
// release consistency checks can compare the pin state two builds ran under.
func (r *Registry) Fingerprint() (string, error) {
	tools, err := r.Tools()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, tool := range tools {
		pin, err := r.Current(tool)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s=%s\n", tool, pin.Version)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
