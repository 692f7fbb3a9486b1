package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// DeviceSettings is the owner registration written by the setup flow.
// Every field may be unset until the device has been paired.
type DeviceSettings struct {
	EndpointURL string `mapstructure:"endpoint_url" validate:"omitempty,url"`
	DeviceID    string `mapstructure:"device_id"`
	OwnerID     string `mapstructure:"owner_id"`
}

// DeviceSnapshot is an immutable view of DeviceSettings tagged with a version.
type DeviceSnapshot struct {
	Version         uint64
	EndpointBaseURL string
	DeviceID        string
	OwnerID         string
}

// Missing returns the names of the unset keys.
func (s DeviceSnapshot) Missing() []string {
	var missing []string
	if s.EndpointBaseURL == "" {
		missing = append(missing, "endpoint_url")
	}
	if s.DeviceID == "" {
		missing = append(missing, "device_id")
	}
	if s.OwnerID == "" {
		missing = append(missing, "owner_id")
	}
	return missing
}

// DeviceStore holds the current device snapshot. Reads never block writers.
type DeviceStore struct {
	mu      sync.Mutex // serializes writers
	current atomic.Pointer[DeviceSnapshot]
}

func NewDeviceStore(settings DeviceSettings) *DeviceStore {
	store := &DeviceStore{}
	store.Update(settings)
	return store
}

// Snapshot returns the current snapshot by value.
func (s *DeviceStore) Snapshot() DeviceSnapshot {
	if snap := s.current.Load(); snap != nil {
		return *snap
	}
	return DeviceSnapshot{}
}

// Update installs a new snapshot and returns it.
func (s *DeviceStore) Update(settings DeviceSettings) DeviceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version uint64 = 1
	if prev := s.current.Load(); prev != nil {
		version = prev.Version + 1
	}

	snap := &DeviceSnapshot{
		Version:         version,
		EndpointBaseURL: strings.TrimRight(strings.TrimSpace(settings.EndpointURL), "/"),
		DeviceID:        strings.TrimSpace(settings.DeviceID),
		OwnerID:         strings.TrimSpace(settings.OwnerID),
	}
	s.current.Store(snap)
	return *snap
}

// ConfigSources names the files a configuration was merged from. Overlay may
// not exist yet.
type ConfigSources struct {
	Base    string
	Overlay string
}

var deviceKeys = []string{"device.endpoint_url", "device.device_id", "device.owner_id"}

// reloadDebounce coalesces the burst of events an editor produces for one save.
var reloadDebounce = 100 * time.Millisecond

// WatchDevice refreshes store whenever the base config file or its environment
// overlay changes on disk, until ctx is done. Every reload re-reads both files
// so the overlay never replaces the base. A reload that cannot be read or
// validated keeps the current snapshot.
func WatchDevice(ctx context.Context, sources ConfigSources, store *DeviceStore, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sources.Base == "" {
		logger.Warn("no config file loaded, device settings will not be reloaded")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	watched := map[string]struct{}{}
	dirs := map[string]struct{}{}
	for _, file := range []string{sources.Base, sources.Overlay} {
		if file == "" {
			continue
		}
		file = filepath.Clean(file)
		watched[file] = struct{}{}
		dirs[filepath.Dir(file)] = struct{}{}
	}
	// directories, not files, so that editors replacing the file are seen
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	reload := func() {
		settings, err := readDeviceSettings(sources)
		if err == nil {
			err = validator.New().Struct(settings)
		}
		if err != nil {
			logger.Warn("device config reload rejected", zap.Error(err))
			return
		}
		snap := store.Update(settings)
		logger.Info("device config reloaded",
			zap.Uint64("version", snap.Version),
			zap.Strings("missing", snap.Missing()),
		)
	}

	go func() {
		defer watcher.Close()
		var pending *time.Timer
		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if _, hit := watched[filepath.Clean(event.Name)]; !hit {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if pending == nil {
					pending = time.AfterFunc(reloadDebounce, reload)
				} else {
					pending.Reset(reloadDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	logger.Info("watching device config", zap.String("base", sources.Base), zap.String("overlay", sources.Overlay))
	return nil
}

// readDeviceSettings merges the device block of the base file, the overlay
// (when present) and RELAY_DEVICE_* environment overrides.
func readDeviceSettings(sources ConfigSources) (DeviceSettings, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(sources.Base)
	if err := v.ReadInConfig(); err != nil {
		return DeviceSettings{}, fmt.Errorf("read %s: %w", sources.Base, err)
	}
	if sources.Overlay != "" {
		if _, err := os.Stat(sources.Overlay); err == nil {
			v.SetConfigFile(sources.Overlay)
			if err := v.MergeInConfig(); err != nil {
				return DeviceSettings{}, fmt.Errorf("merge %s: %w", sources.Overlay, err)
			}
		}
	}

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range deviceKeys {
		if err := v.BindEnv(key); err != nil {
			return DeviceSettings{}, err
		}
	}

	return DeviceSettings{
		EndpointURL: v.GetString("device.endpoint_url"),
		DeviceID:    v.GetString("device.device_id"),
		OwnerID:     v.GetString("device.owner_id"),
	}, nil
}
