package validate

import (
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// methodToggle is the YAML document one schema file holds: an explicit
// on/off decision for a method, keyed by filename rather than a "method"
// field inside it so that renaming the file is the obvious way to retarget
// it.
type methodToggle struct {
	Enabled bool `yaml:"enabled"`
}

// LoadSchemaDir reads every *.yaml/*.yml file in dir and applies its
// enabled flag to val, keyed by the file's base name with its extension
// stripped and slashes restored (textDocument_didOpen.yaml enables
// textDocument/didOpen). Missing dir is not an error — it just means no
// overrides.
func LoadSchemaDir(val *Validator, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		method, ok := methodFromFilename(entry.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		var toggle methodToggle
		if err := yaml.Unmarshal(data, &toggle); err != nil {
			return err
		}
		if toggle.Enabled {
			val.EnableFor(method)
		} else {
			val.DisableFor(method)
		}
	}
	return nil
}

func methodFromFilename(name string) (string, bool) {
	ext := filepath.Ext(name)
	if ext != ".yaml" && ext != ".yml" {
		return "", false
	}
	base := strings.TrimSuffix(name, ext)
	return strings.ReplaceAll(base, "_", "/"), true
}

// WatchSchemaDir hot-reloads val's per-method toggles whenever a file
// under dir changes, for iterating on validation rules without
// restarting the process. Call Close on the returned watcher to stop.
func WatchSchemaDir(val *Validator, dir string, logger *log.Logger) (*SchemaWatcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := LoadSchemaDir(val, dir); err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &SchemaWatcher{fsw: fsw, val: val, dir: dir, logger: logger, done: make(chan struct{})}
	go w.run()
	return w, nil
}

// SchemaWatcher is the handle returned by WatchSchemaDir.
type SchemaWatcher struct {
	fsw    *fsnotify.Watcher
	val    *Validator
	dir    string
	logger *log.Logger
	done   chan struct{}
}

func (w *SchemaWatcher) run() {
	for {
		select {
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if err := LoadSchemaDir(w.val, w.dir); err != nil {
				w.logger.Printf("validate: reload schema dir %s failed: %v", w.dir, err)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("validate: watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

// Close stops the watcher.
func (w *SchemaWatcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
