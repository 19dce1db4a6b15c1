package rpcconfig

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Config whenever its source file or a schema
// directory changes on disk.
type Watcher struct {
	fsw        *fsnotify.Watcher
	configPath string
	logger     *log.Logger
	onReload   func(*Config)
	onSchema   func(path string)
	done       chan struct{}
}

// WatchOptions configures a Watcher.
type WatchOptions struct {
	ConfigPath string
	SchemaDir  string
	Logger     *log.Logger
	// OnReload is invoked with the freshly loaded Config after the config
	// file changes.
	OnReload func(*Config)
	// OnSchema is invoked with the path of a changed file under SchemaDir.
	OnSchema func(path string)
}

// Watch starts watching opts.ConfigPath (if non-empty) and opts.SchemaDir
// (if non-empty) for changes. Call Close to stop.
func Watch(opts WatchOptions) (*Watcher, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if opts.ConfigPath != "" {
		if err := fsw.Add(opts.ConfigPath); err != nil {
			fsw.Close()
			return nil, err
		}
	}
	if opts.SchemaDir != "" {
		if err := fsw.Add(opts.SchemaDir); err != nil {
			fsw.Close()
			return nil, err
		}
	}

	w := &Watcher{
		fsw:        fsw,
		configPath: opts.ConfigPath,
		logger:     logger,
		onReload:   opts.OnReload,
		onSchema:   opts.OnSchema,
		done:       make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("rpcconfig: watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Name == w.configPath {
		if w.onReload == nil {
			return
		}
		cfg, err := Load(w.configPath)
		if err != nil {
			w.logger.Printf("rpcconfig: reload %s failed: %v", w.configPath, err)
			return
		}
		w.onReload(cfg)
		return
	}
	if w.onSchema != nil {
		w.onSchema(event.Name)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.fsw.Close()
}
