package registry

import (
	"strconv"
	"strings"
	"sync"

	"github.com/radu-munteanu/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/vizstack/vsxd/internal/identity"
)

// xuserPrefix is the filename prefix of the per-server user record (§6.5)
// whose unexpected removal is the stray-marker signal this watcher reacts
// to.
const xuserPrefix = "xuser-"

// Watcher observes a runtime directory for xuser-<N> marker files vanishing
// outside of the Supervisor's own teardown path - an operator manually
// cleaning up, or a crash that bypassed cleanup - and marks the
// corresponding Instance Registry record stale. This needs write access to
// the Registry, which is why it lives here rather than in the read-only
// Status API: the Status API never opens the database for writing, by
// construction.
type Watcher struct {
	registry  *Registry
	hostname  string
	fsWatcher *fsnotify.Watcher
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewWatcher starts watching runtimeDir for stray xuser-<N> removals.
// hostname identifies this node for the Instance Registry key.
func NewWatcher(r *Registry, runtimeDir, hostname string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatcher.Add(runtimeDir); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w := &Watcher{
		registry:  r,
		hostname:  hostname,
		fsWatcher: fsWatcher,
		stopCh:    make(chan struct{}),
	}
	w.wg.Add(1)
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	defer w.wg.Done()
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Remove == fsnotify.Remove {
				w.handleRemoval(event.Name)
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("registry: watcher error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleRemoval(path string) {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	if !strings.HasPrefix(base, xuserPrefix) {
		return
	}
	n, err := strconv.Atoi(strings.TrimPrefix(base, xuserPrefix))
	if err != nil {
		return
	}

	id := identity.ServerIdentity{Hostname: w.hostname, ServerNumber: n}
	log.WithField("display", id.Key()).Warn("registry: marker file removed outside of teardown, marking instance stale")
	if err := w.registry.MarkStale(id); err != nil {
		log.WithError(err).WithField("display", id.Key()).Warn("registry: failed to mark instance stale")
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stopCh)
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}
