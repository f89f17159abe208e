package gitx

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// EventKind distinguishes ref updates from HEAD moves.
type EventKind int

const (
	// RefsChanged fires when anything under .git/refs/ changes (branch
	// commits, tags, fetched remotes).
	RefsChanged EventKind = iota
	// HeadChanged fires when .git/HEAD changes (checkout, commit).
	HeadChanged
)

// Event is one observed change to the repository's refs.
type Event struct {
	Kind EventKind
}

// pollInterval is the reconciliation fallback period; platform watchers can
// miss events (editor atomic renames, network filesystems).
const pollInterval = 60 * time.Second

// Watcher emits Events when the repository's refs directory or HEAD file
// change. A 60-second polling loop re-reads the default branch's head and
// synthesizes a HeadChanged event when the filesystem watcher missed the
// transition.
type Watcher struct {
	repo          *Repo
	defaultBranch string
	events        chan Event
	stop          chan struct{}
	done          chan struct{}
	fsw           *fsnotify.Watcher
}

// Watch starts watching repo's git directory. defaultBranch is the branch
// the polling fallback tracks (usually "main").
func Watch(repo *Repo, defaultBranch string) (*Watcher, error) {
	gitDir, err := ResolveGitDir(repo.Path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	refsDir := filepath.Join(gitDir, "refs")
	if err := addRecursive(fsw, refsDir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch refs: %w", err)
	}
	// HEAD is rewritten atomically; watch the directory so rename-in events
	// are seen.
	if err := fsw.Add(gitDir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch git dir: %w", err)
	}

	w := &Watcher{
		repo:          repo,
		defaultBranch: defaultBranch,
		events:        make(chan Event, 32),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		fsw:           fsw,
	}
	go w.run(refsDir, filepath.Join(gitDir, "HEAD"))
	return w, nil
}

// addRecursive registers dir and all subdirectories; fsnotify watches are
// not recursive.
func addRecursive(fsw *fsnotify.Watcher, dir string) error {
	if err := fsw.Add(dir); err != nil {
		return err
	}
	entries, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := addRecursive(fsw, e); err != nil {
			// Files fail to Add on some platforms; directories matter.
			continue
		}
	}
	return nil
}

// Events returns the event channel. It is closed when the watcher stops.
func (w *Watcher) Events() <-chan Event { return w.events }

// Close stops the watcher and closes the event channel.
func (w *Watcher) Close() error {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
	return nil
}

func (w *Watcher) run(refsDir, headFile string) {
	defer close(w.done)
	defer close(w.events)
	defer w.fsw.Close()

	lastHead, _ := w.repo.HeadCommit(w.defaultBranch)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			switch {
			case strings.HasPrefix(ev.Name, refsDir):
				w.emit(Event{Kind: RefsChanged})
			case ev.Name == headFile || strings.HasSuffix(ev.Name, string(filepath.Separator)+"HEAD"):
				w.emit(Event{Kind: HeadChanged})
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Printf("gitx: watcher error: %v", err)
		case <-ticker.C:
			head, err := w.repo.HeadCommit(w.defaultBranch)
			if err != nil {
				continue
			}
			if head != lastHead {
				lastHead = head
				w.emit(Event{Kind: HeadChanged})
			}
		}
	}
}

// emit is non-blocking; a full channel drops the event, which the polling
// loop will reconcile.
func (w *Watcher) emit(ev Event) {
	select {
	case w.events <- ev:
	default:
	}
}
