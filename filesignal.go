package coopsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileSignal reads connectivity from a status file maintained by the host
// (for example a network manager hook). The file holds "online" or
// "offline"; a missing file means offline. Changes are pushed through
// fsnotify on the containing directory so atomic renames are seen.
type FileSignal struct {
	path    string
	log     Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	online  bool
	subs    map[int]func(bool)
	nextSub int
	wg      sync.WaitGroup
}

// NewFileSignal starts watching path.
func NewFileSignal(path string, logger Logger) (*FileSignal, error) {
	if logger == nil {
		logger = defaultLogger()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("status file path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	s := &FileSignal{
		path:    abs,
		log:     logger,
		watcher: w,
		subs:    make(map[int]func(bool)),
	}
	s.online = s.read()
	s.wg.Add(1)
	go s.watch()
	return s, nil
}

// ParseStatus interprets status file contents.
func ParseStatus(content string) bool {
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "online", "up", "1", "true":
		return true
	}
	return false
}

func (s *FileSignal) read() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("read status file", "path", s.path, "err", err)
		}
		return false
	}
	return ParseStatus(string(data))
}

func (s *FileSignal) Probe(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *FileSignal) Notify(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// Close stops watching.
func (s *FileSignal) Close() error {
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileSignal) watch() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != s.path {
				continue
			}
			s.update(s.read())
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("status file watcher", "err", err)
		}
	}
}

func (s *FileSignal) update(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	var subs []func(bool)
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(online)
	}
}
