package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads admission policies from .rego and .json files.
//
// A .rego file becomes a policy named after the file. Its leading comment
// block is the description, except for "key: value" lines naming severity
// or tags:
//
//	# Rejects pro tier calls to the legacy billing plugin.
//	# severity: warning
//	# tags: billing, migration
//	package plugind.custom.legacy_billing
//
// A .json file holds one serialized Policy.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

// cachedPolicy is a parsed file and the stat it was parsed from.
type cachedPolicy struct {
	policy  *Policy
	modTime time.Time
	size    int64
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads every policy file below paths, ordered by name. A
// missing path, an unreadable file or two files defining the same policy
// name fail the whole load so a reload never half-applies.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var files []string
	for _, path := range paths {
		found, err := policyFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		files = append(files, found...)
	}

	sources := make(map[string]string, len(files))
	policies := make([]Policy, 0, len(files))
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		policy, err := l.loadFromFile(ctx, file)
		if err != nil {
			return nil, err
		}
		if prev, dup := sources[policy.Name]; dup {
			return nil, fmt.Errorf("policy %s is defined in both %s and %s", policy.Name, prev, file)
		}
		sources[policy.Name] = file
		policies = append(policies, *policy)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })

	l.logger.Info().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

// policyFiles lists path itself or the policy files below it.
func policyFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && isPolicyFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}

func isPolicyFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".rego" || ext == ".json"
}

// loadFromFile parses one file, reusing the previous parse while the file
// is unchanged on disk.
func (l *Loader) loadFromFile(_ context.Context, filePath string) (*Policy, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", filePath, err)
	}

	l.mu.Lock()
	cached, ok := l.cache[filePath]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached.policy, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", filePath, err)
	}

	var policy *Policy
	switch filepath.Ext(filePath) {
	case ".rego":
		policy = l.parseRegoFile(filePath, data)
	case ".json":
		policy, err = parseJSONFile(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filePath, err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy file type: %s", filePath)
	}
	policy.Source = filePath
	policy.UpdatedAt = info.ModTime()

	l.mu.Lock()
	l.cache[filePath] = cachedPolicy{policy: policy, modTime: info.ModTime(), size: info.Size()}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", filePath).
		Str("policy", policy.Name).
		Str("severity", string(policy.Severity)).
		Msg("Policy parsed")

	return policy, nil
}

// parseRegoFile builds a policy from Rego source and its header comments.
func (l *Loader) parseRegoFile(filePath string, data []byte) *Policy {
	content := string(data)
	policy := &Policy{
		Name:        strings.TrimSuffix(filepath.Base(filePath), ".rego"),
		Description: l.extractDescription(content),
		Rego:        content,
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{},
	}

	for key, value := range headerFields(content) {
		switch key {
		case "severity":
			policy.Severity = Severity(strings.ToLower(value))
		case "tags":
			for _, tag := range strings.Split(value, ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					policy.Tags = append(policy.Tags, tag)
				}
			}
		}
	}
	return policy
}

// parseJSONFile decodes a serialized policy. Loaded policies are never
// built-in.
func parseJSONFile(data []byte) (*Policy, error) {
	var policy Policy
	if err := json.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if policy.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	policy.Builtin = false
	return &policy, nil
}

// headerComments returns the leading comment block, one entry per line.
func headerComments(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(lines) > 0 {
				break
			}
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		lines = append(lines, strings.TrimSpace(strings.TrimPrefix(trimmed, "#")))
	}
	return lines
}

// headerFields returns the recognised "key: value" header lines.
func headerFields(content string) map[string]string {
	fields := make(map[string]string)
	for _, line := range headerComments(content) {
		if key, value, ok := headerField(line); ok {
			fields[key] = value
		}
	}
	return fields
}

func headerField(line string) (string, string, bool) {
	key, value, ok := strings.Cut(line, ":")
	if !ok {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	if key != "severity" && key != "tags" {
		return "", "", false
	}
	return key, strings.TrimSpace(value), true
}

// extractDescription joins the header comment lines that are not fields.
func (l *Loader) extractDescription(content string) string {
	var parts []string
	for _, line := range headerComments(content) {
		if line == "" || strings.HasPrefix(line, "package") {
			continue
		}
		if _, _, ok := headerField(line); ok {
			continue
		}
		parts = append(parts, line)
	}
	return strings.Join(parts, " ")
}

// Watch reloads the policies below paths after they change and hands the
// new set to apply, until ctx is done. A failed load or apply keeps the
// previous policies in force.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatches(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch policy path")
		}
	}

	go l.watchLoop(ctx, watcher, paths, apply)

	l.logger.Info().
		Int("paths", len(paths)).
		Msg("Started watching policy paths")

	return nil
}

// addWatches watches a file, or a directory and every directory below it.
func addWatches(watcher *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(path)
	}
	return filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(p)
		}
		return nil
	})
}

func (l *Loader) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, paths []string, apply func([]Policy) error) {
	defer func() { _ = watcher.Close() }()

	timer := time.NewTimer(reloadDelay)
	if !timer.Stop() {
		<-timer.C
	}
	pending := false

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addWatches(watcher, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Failed to watch new directory")
					}
				}
			}
			if !isPolicyFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")
			if pending && !timer.Stop() {
				<-timer.C
			}
			timer.Reset(reloadDelay)
			pending = true

		case <-timer.C:
			pending = false
			if err := l.reload(ctx, paths, apply); err != nil {
				l.logger.Error().Err(err).Msg("Policy reload failed, keeping previous policies")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := apply(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.forgetMissing(policies)
	return nil
}

// forgetMissing drops cache entries for files no longer loaded.
func (l *Loader) forgetMissing(loaded []Policy) {
	keep := make(map[string]bool, len(loaded))
	for _, p := range loaded {
		keep[p.Source] = true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for path := range l.cache {
		if !keep[path] {
			delete(l.cache, path)
		}
	}
}

// ClearCache forgets every parsed file.
func (l *Loader) ClearCache() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]cachedPolicy)
}
