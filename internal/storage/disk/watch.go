package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"pkt.systems/stride/internal/storage"
)

// Subscribe watches the namespace directory and signals on any change.
func (s *Store) Subscribe(ns string) (storage.Subscription, error) {
	nsSeg, err := segment("namespace", ns)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(s.objectDir, nsSeg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare namespace %s: %w", ns, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("disk: watch %s: %w", dir, err)
	}
	sub := &subscription{watcher: watcher, events: make(chan struct{}, 1), stop: make(chan struct{})}
	go sub.run()
	return sub, nil
}

type subscription struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func (s *subscription) Events() <-chan struct{} { return s.events }

func (s *subscription) Close() error {
	s.once.Do(func() {
		close(s.stop)
		s.watcher.Close()
	})
	return nil
}

func (s *subscription) run() {
	defer close(s.events)
	for {
		select {
		case <-s.stop:
			return
		case _, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.signal()
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.signal()
		}
	}
}

func (s *subscription) signal() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}
