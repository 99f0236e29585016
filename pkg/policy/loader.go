package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces the burst of events an editor emits for one save.
const reloadDelay = 500 * time.Millisecond

// Loader reads policies from .rego and .json files.
//
// A .rego file is named after its file name. Leading comment lines become
// the description, except for two directives:
//
//	# severity: error
//	# tags: privilege, handlers
//
// A .json file holds a serialized Policy.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

// cachedPolicy is reused while the file's modification time is unchanged.
type cachedPolicy struct {
	policy  *Policy
	modTime time.Time
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// LoadFromPaths loads every policy file found under paths. A file named
// directly must load; unreadable files inside a directory are skipped with a
// warning.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy
	seen := make(map[string]string)

	for _, root := range paths {
		files, err := policyFiles(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
		}

		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			policy, err := l.loadFromFile(ctx, file)
			if err != nil {
				if file == root {
					return nil, fmt.Errorf("failed to load from path %s: %w", root, err)
				}
				l.logger.Warn().Err(err).Str("path", file).Msg("Skipping policy file")
				continue
			}

			if prev, dup := seen[policy.Name]; dup {
				l.logger.Warn().
					Str("policy", policy.Name).
					Str("path", file).
					Str("previous", prev).
					Msg("Policy name defined twice, last one wins")
			}
			seen[policy.Name] = file
			policies = append(policies, *policy)
		}
	}

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

// policyFiles returns root itself when it is a file, or every policy file
// below it in lexical order.
func policyFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	entry, ok := l.cache[path]
	l.mu.Unlock()
	if ok && entry.modTime.Equal(info.ModTime()) {
		return entry.policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var policy *Policy
	switch filepath.Ext(path) {
	case ".rego":
		policy = parseRegoFile(path, data)
	case ".json":
		if policy, err = parseJSONFile(data); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported file type: %s", path)
	}
	if policy.Metadata == nil {
		policy.Metadata = make(map[string]interface{})
	}
	policy.Metadata["source"] = path

	l.mu.Lock()
	l.cache[path] = cachedPolicy{policy: policy, modTime: info.ModTime()}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", policy.Name).
		Str("severity", string(policy.Severity)).
		Msg("Policy loaded from file")

	return policy, nil
}

func parseRegoFile(path string, data []byte) *Policy {
	now := time.Now()
	header := parseHeader(string(data))

	severity := header.severity
	if severity == "" {
		severity = SeverityWarning
	}

	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: header.description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Tags:        header.tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func parseJSONFile(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("JSON policy has no name")
	}

	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}
	// Built-in status cannot be claimed from a file.
	policy.Builtin = false

	now := time.Now()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	if policy.UpdatedAt.IsZero() {
		policy.UpdatedAt = now
	}
	return &policy, nil
}

// regoHeader holds what the leading comment block of a .rego file declares.
type regoHeader struct {
	description string
	severity    Severity
	tags        []string
}

// parseHeader reads the comment lines before the first statement.
func parseHeader(content string) regoHeader {
	var (
		h    regoHeader
		desc []string
	)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		comment, ok := strings.CutPrefix(trimmed, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)

		if sev, ok := parseSeverity(comment); ok {
			if h.severity == "" {
				h.severity = sev
			}
			continue
		}
		if value, ok := strings.CutPrefix(comment, "tags:"); ok {
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					h.tags = append(h.tags, tag)
				}
			}
			continue
		}
		if comment != "" {
			desc = append(desc, comment)
		}
	}
	h.description = strings.Join(desc, " ")
	return h
}

func parseSeverity(comment string) (Severity, bool) {
	value, ok := strings.CutPrefix(comment, "severity:")
	if !ok {
		return "", false
	}
	switch sev := Severity(strings.ToLower(strings.TrimSpace(value))); sev {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return sev, true
	}
	return "", false
}

// Watch calls reloadFn with the freshly loaded policies whenever a policy
// file under paths is written, created, removed or renamed. Watching stops
// when ctx is done. Directories created later are watched as they appear.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range paths {
		if err := addWatches(watcher, root); err != nil {
			l.logger.Warn().Err(err).Str("path", root).Msg("Failed to watch policy path")
		}
	}

	go l.watchLoop(ctx, watcher, paths, reloadFn)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

func addWatches(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	defer watcher.Close()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = addWatches(watcher, event.Name)
					pending = time.After(reloadDelay)
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()
			pending = time.After(reloadDelay)

		case <-pending:
			pending = nil
			if err := l.reload(ctx, paths, reloadFn); err != nil {
				l.logger.Error().Err(err).Msg("Failed to reload policies")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")

	return nil
}

// ClearCache forgets every loaded file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cache = make(map[string]cachedPolicy)
}
