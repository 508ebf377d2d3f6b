package atoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultActorID is the orchestrating agent. It always exists: when the
// bundle directory is missing or carries no main entry, a built-in bundle
// is installed in its place.
const DefaultActorID = "main"

// Bundle file names inside <root>/<actor_id>/.
const (
	bundleIdentityFile = "identity.md"
	bundleSoulFile     = "soul.md"
	bundleToolsFile    = "tools.txt"
)

const bundleReloadDebounce = 500 * time.Millisecond

// Bundle is one agent's content: identity and soul markdown plus the tool
// allowlist patterns read from tools.txt, one per line.
type Bundle struct {
	ActorID  string
	Identity string
	Soul     string
	Tools    []string
}

var builtinMainBundle = Bundle{
	ActorID: DefaultActorID,
	Identity: "# main\n\nYou are the household's primary assistant. You coordinate " +
		"specialists, keep track of ongoing work, and answer directly when no " +
		"specialist is needed.",
	Tools: []string{"*"},
}

// Bundles is the agent content store. It loads every subdirectory of root
// as one agent bundle and can hot-reload on file changes.
type Bundles struct {
	root   string
	logger *slog.Logger

	mu       sync.RWMutex
	byID     map[string]Bundle
	onReload []func()
}

// BundleOption configures a Bundles store.
type BundleOption func(*Bundles)

// WithBundleLogger sets the structured logger.
func WithBundleLogger(l *slog.Logger) BundleOption {
	return func(b *Bundles) { b.logger = l }
}

// NewBundles creates the store rooted at dir. Call Load before first use.
func NewBundles(root string, opts ...BundleOption) *Bundles {
	b := &Bundles{
		root: root,
		byID: map[string]Bundle{DefaultActorID: builtinMainBundle},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = nopLogger
	}
	return b
}

// Load scans the root directory and replaces the loaded set. A missing
// root is not an error: the built-in main bundle serves alone. The main
// bundle is always present after Load.
func (b *Bundles) Load() error {
	loaded := make(map[string]Bundle)
	entries, err := os.ReadDir(b.root)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// Fall through to the built-in default.
	case err != nil:
		return fmt.Errorf("read bundle root: %w", err)
	default:
		for _, e := range entries {
			if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			bundle, err := b.readBundle(e.Name())
			if err != nil {
				b.logger.Warn("skipping agent bundle", "actor", e.Name(), "error", err)
				continue
			}
			loaded[e.Name()] = bundle
		}
	}
	if _, ok := loaded[DefaultActorID]; !ok {
		loaded[DefaultActorID] = builtinMainBundle
	}

	b.mu.Lock()
	b.byID = loaded
	b.mu.Unlock()
	return nil
}

func (b *Bundles) readBundle(actorID string) (Bundle, error) {
	dir := filepath.Join(b.root, actorID)
	identity, err := readBundleFile(filepath.Join(dir, bundleIdentityFile))
	if err != nil {
		return Bundle{}, err
	}
	soul, err := readBundleFile(filepath.Join(dir, bundleSoulFile))
	if err != nil {
		return Bundle{}, err
	}
	toolsRaw, err := readBundleFile(filepath.Join(dir, bundleToolsFile))
	if err != nil {
		return Bundle{}, err
	}
	return Bundle{
		ActorID:  actorID,
		Identity: identity,
		Soul:     soul,
		Tools:    parseAllowlist(toolsRaw),
	}, nil
}

// readBundleFile returns "" for a missing file; bundles may carry any
// subset of the three files.
func readBundleFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseAllowlist reads tool patterns one per line. Blank lines and #
// comments are skipped.
func parseAllowlist(raw string) []string {
	var patterns []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

// Get returns the bundle for an actor.
func (b *Bundles) Get(actorID string) (Bundle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bundle, ok := b.byID[actorID]
	return bundle, ok
}

// Has reports whether an agent bundle is loaded.
func (b *Bundles) Has(actorID string) bool {
	_, ok := b.Get(actorID)
	return ok
}

// Agents returns the loaded actor ids, main first, the rest sorted.
func (b *Bundles) Agents() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.byID))
	for id := range b.byID {
		if id != DefaultActorID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return append([]string{DefaultActorID}, ids...)
}

// Allowlists returns each agent's tool patterns, for installing into a
// ToolRegistry.
func (b *Bundles) Allowlists() map[string][]string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]string, len(b.byID))
	for id, bundle := range b.byID {
		out[id] = append([]string(nil), bundle.Tools...)
	}
	return out
}

// OnReload registers a hook invoked after each applied hot reload. Register
// before Watch starts.
func (b *Bundles) OnReload(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReload = append(b.onReload, fn)
}

func (b *Bundles) notifyReload() {
	b.mu.RLock()
	hooks := append([]func(){}, b.onReload...)
	b.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

// Watch hot-reloads bundles when files under root change. It blocks until
// ctx is cancelled. Rapid event bursts (editor save cycles) are debounced
// into one reload.
func (b *Bundles) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("bundle watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(b.root); err != nil {
		return fmt.Errorf("watch %s: %w", b.root, err)
	}
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return fmt.Errorf("read bundle root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			if err := watcher.Add(filepath.Join(b.root, e.Name())); err != nil {
				b.logger.Warn("watch bundle dir failed", "dir", e.Name(), "error", err)
			}
		}
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := watcher.Add(ev.Name); err != nil {
						b.logger.Warn("watch bundle dir failed", "dir", ev.Name, "error", err)
					}
				}
			}
			pending = time.After(bundleReloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.logger.Warn("bundle watcher error", "error", err)
		case <-pending:
			pending = nil
			if err := b.Load(); err != nil {
				b.logger.Warn("bundle reload failed", "error", err)
				continue
			}
			b.logger.Info("agent bundles reloaded", "agents", len(b.Agents()))
			b.notifyReload()
		}
	}
}
