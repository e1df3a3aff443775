package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rubiojr/chainstream/pkg/config"
	"github.com/rubiojr/chainstream/pkg/core"
	"github.com/rubiojr/chainstream/pkg/log"
	"github.com/rubiojr/chainstream/pkg/stream"
)

// streamManager is the part of the streamer the config reload drives.
type streamManager interface {
	AddStream(stream.StreamConfig) (string, error)
	RemoveStream(id string) bool
	UpdateStream(id string, p stream.StreamPatch) error
	SetSubscriptionEnabled(id string, enabled bool) bool
}

// subscriptionSet keeps the streamer's streams in line with the
// [subscriptions] section of the config file.
type subscriptionSet struct {
	mu       sync.Mutex
	mgr      streamManager
	baseDir  string
	callback core.Callback
	current  map[string]config.SubscriptionInfo
	l        *log.Logger
}

// reloadSummary lists the stream ids touched by one apply.
type reloadSummary struct {
	Added, Removed, Updated, Toggled []string
}

func (r reloadSummary) String() string {
	return fmt.Sprintf("%d added, %d removed, %d updated, %d toggled",
		len(r.Added), len(r.Removed), len(r.Updated), len(r.Toggled))
}

func newSubscriptionSet(mgr streamManager, baseDir string, cb core.Callback) *subscriptionSet {
	return &subscriptionSet{
		mgr:      mgr,
		baseDir:  baseDir,
		callback: cb,
		current:  make(map[string]config.SubscriptionInfo),
		l:        log.ForService("reload"),
	}
}

// apply reconciles the streamer with next. Streams that fail to apply are
// reported and left as they were; the rest still apply.
func (s *subscriptionSet) apply(next map[string]config.SubscriptionInfo) (reloadSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sum reloadSummary
	var errs []error

	for _, id := range sortedKeys(s.current) {
		if _, ok := next[id]; ok {
			continue
		}
		s.mgr.RemoveStream(id)
		delete(s.current, id)
		sum.Removed = append(sum.Removed, id)
	}

	for _, id := range sortedKeys(next) {
		info := next[id]
		old, exists := s.current[id]
		if !exists {
			if err := s.add(id, info); err != nil {
				errs = append(errs, fmt.Errorf("adding %s: %w", id, err))
				continue
			}
			s.current[id] = info
			sum.Added = append(sum.Added, id)
			continue
		}

		if !sameSource(old, info) {
			src, err := info.Source(s.baseDir)
			if err != nil {
				errs = append(errs, fmt.Errorf("updating %s: %w", id, err))
				continue
			}
			if err := s.mgr.UpdateStream(id, stream.StreamPatch{Source: src}); err != nil {
				errs = append(errs, fmt.Errorf("updating %s: %w", id, err))
				continue
			}
			sum.Updated = append(sum.Updated, id)
		}
		if old.IsEnabled() != info.IsEnabled() {
			s.mgr.SetSubscriptionEnabled(id, info.IsEnabled())
			sum.Toggled = append(sum.Toggled, id)
		}
		s.current[id] = info
	}

	return sum, errors.Join(errs...)
}

func (s *subscriptionSet) add(id string, info config.SubscriptionInfo) error {
	src, err := info.Source(s.baseDir)
	if err != nil {
		return err
	}
	_, err = s.mgr.AddStream(stream.StreamConfig{
		ID:       id,
		Source:   src,
		Callback: s.callback,
		Disabled: !info.IsEnabled(),
	})
	return err
}

// sameSource compares everything but the enabled flag.
func sameSource(a, b config.SubscriptionInfo) bool {
	a.Enabled, b.Enabled = nil, nil
	return reflect.DeepEqual(a, b)
}

func sortedKeys(m map[string]config.SubscriptionInfo) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// watchConfig reloads [subscriptions] whenever configPath changes, until ctx
// ends. Editors that save by rename are handled by re-adding the watch.
func watchConfig(ctx context.Context, configPath string, subs *subscriptionSet) error {
	l := log.ForService("reload")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		l.Warnf("failed to create config file watcher: %v", err)
		return nil
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			l.Warnf("failed to close config file watcher: %v", err)
		}
	}()

	if err := watcher.Add(configPath); err != nil {
		l.Warnf("failed to watch config file %s: %v", configPath, err)
		return nil
	}
	l.Infof("watching config file for changes: %s", configPath)

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			l.Debugf("config file event: %s", event)
			if event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				// Atomic saves replace the file; give the new one time to land.
				time.Sleep(200 * time.Millisecond)
				if _, err := os.Stat(configPath); os.IsNotExist(err) {
					l.Warnf("config file was removed and not replaced, keeping current subscriptions")
					continue
				}
				if err := watcher.Add(configPath); err != nil {
					l.Warnf("failed to re-add config file to watcher: %v", err)
				}
			}
			debounce = time.After(100 * time.Millisecond)
		case <-debounce:
			debounce = nil
			reloadSubscriptions(configPath, subs)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.Warnf("config file watcher error: %v", err)
		}
	}
}

func reloadSubscriptions(configPath string, subs *subscriptionSet) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		subs.l.Errorf("failed to reload configuration: %v", err)
		return
	}
	sum, err := subs.apply(cfg.Subscriptions)
	if err != nil {
		subs.l.Errorf("some subscriptions failed to apply: %v", err)
	}
	subs.l.Infof("subscriptions reloaded from %s: %s", filepath.Base(configPath), sum)
}
