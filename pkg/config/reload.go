package config

import (
	"context"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/psantana5/pipewatch/pkg/logging"
	"github.com/psantana5/pipewatch/pkg/models"
)

const reloadDebounce = 500 * time.Millisecond

// Registrar is the slice of the pipeline manager the reconciler needs
type Registrar interface {
	Create(name string, def models.Definition, allowBlock bool) (*models.Pipeline, error)
	Start(id string) error
}

// Reconciler registers pipeline definitions from a directory and keeps
// registering new ones as files appear. Create-only: a changed or
// removed file never stops a pipeline that is already supervised.
type Reconciler struct {
	dir string
	reg Registrar
	log *logging.Logger

	mu   sync.Mutex
	seen map[string]string // definition name -> pipeline id
}

// NewReconciler creates a reconciler over a definitions directory
func NewReconciler(dir string, reg Registrar, log *logging.Logger) *Reconciler {
	if log == nil {
		log = logging.NewLogger(logging.INFO, false)
	}
	return &Reconciler{
		dir:  dir,
		reg:  reg,
		log:  log,
		seen: make(map[string]string),
	}
}

// Sync loads the directory and registers every definition whose name has
// not been seen yet. It returns how many pipelines it registered; a
// single bad definition is logged and skipped, not fatal.
func (r *Reconciler) Sync() (int, error) {
	defs, err := LoadDefinitionsDir(r.dir)
	if err != nil {
		return 0, err
	}

	registered := 0
	for _, def := range defs {
		r.mu.Lock()
		_, known := r.seen[def.Name]
		r.mu.Unlock()
		if known {
			continue
		}

		p, err := r.reg.Create(def.Name, def.Definition(), def.AllowBlock)
		if err != nil {
			r.log.Error("Failed to register pipeline definition", map[string]interface{}{
				"name": def.Name, "error": err.Error(),
			})
			continue
		}

		r.mu.Lock()
		r.seen[def.Name] = p.ID
		r.mu.Unlock()
		registered++

		if def.Autostart {
			if err := r.reg.Start(p.ID); err != nil {
				r.log.Error("Failed to autostart pipeline", map[string]interface{}{
					"name": def.Name, "pipeline_id": p.ID, "error": err.Error(),
				})
			}
		}
		r.log.Info("Registered pipeline from definition file", map[string]interface{}{
			"name":        def.Name,
			"pipeline_id": p.ID,
			"autostart":   def.Autostart,
		})
	}
	return registered, nil
}

// Watch blocks until the context ends, re-running Sync whenever the
// definitions directory changes. Events are debounced so an editor
// writing a file in several steps triggers one reload.
func (r *Reconciler) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return err
	}
	r.log.Info("Watching definitions directory", map[string]interface{}{"dir": r.dir})

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// Removals are ignored: a vanished file never unregisters.
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				n, err := r.Sync()
				if err != nil {
					r.log.Error("Definitions reload failed", map[string]interface{}{"error": err.Error()})
					return
				}
				if n > 0 {
					r.log.Info("Registered new pipelines after reload", map[string]interface{}{"count": n})
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("Definitions watcher error", map[string]interface{}{"error": err.Error()})
		}
	}
}
