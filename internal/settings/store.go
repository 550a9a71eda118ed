package settings

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"
	"go.uber.org/zap"

	"github.com/notifyhub/web-push-notification/internal/domain"
)

// Store is the single owner of the push settings file. Readers take
// snapshots with Get; the only key mutator is RegenerateSigningKeys.
type Store struct {
	path   string
	logger *zap.Logger

	// writeMu serialises read-modify-write cycles against the file.
	writeMu sync.Mutex

	mu  sync.RWMutex
	cur Settings
}

// Open loads the settings file at path. A missing file yields defaults and
// is created on the first mutation.
func Open(path string, logger *zap.Logger) (*Store, error) {
	s := &Store{path: filepath.Clean(path), logger: logger}
	cfg, err := s.read()
	if err != nil {
		return nil, err
	}
	s.cur = cfg
	return s, nil
}

// NewMemoryStore returns a store that never touches disk. Used in tests and
// when no settings path is configured.
func NewMemoryStore(cfg Settings, logger *zap.Logger) *Store {
	return &Store{logger: logger, cur: cfg}
}

// Get returns a snapshot of the current settings.
func (s *Store) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg := s.cur
	cfg.ContentTypes = append([]string(nil), s.cur.ContentTypes...)
	return cfg
}

// Update validates next and persists its editable fields. Keys present in
// next are ignored.
func (s *Store) Update(next Settings) (Settings, error) {
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cur := s.Get()
	next.PublicKey = cur.PublicKey
	next.PrivateKey = cur.PrivateKey
	if err := s.commit(next); err != nil {
		return Settings{}, err
	}
	return next, nil
}

// SigningKeys returns the VAPID key pair or domain.ErrMissingKeys.
func (s *Store) SigningKeys() (Keys, error) {
	cfg := s.Get()
	if !cfg.HasKeys() {
		return Keys{}, domain.ErrMissingKeys
	}
	return Keys{PublicKey: cfg.PublicKey, PrivateKey: cfg.PrivateKey}, nil
}

// RegenerateSigningKeys creates a fresh P-256 VAPID key pair and stores it.
// Existing browser subscriptions were made against the old public key and
// will be rejected by push services afterwards.
func (s *Store) RegenerateSigningKeys() (Keys, error) {
	private, public, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return Keys{}, fmt.Errorf("generate vapid keys: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.Get()
	next.PublicKey = public
	next.PrivateKey = private
	if err := s.commit(next); err != nil {
		return Keys{}, err
	}

	s.logger.Info("vapid keys regenerated")
	return Keys{PublicKey: public, PrivateKey: private}, nil
}

// Watch reloads the file whenever it is changed by someone else. It blocks
// until ctx is cancelled. Invalid edits are logged and ignored.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors and our own commit replace the file.
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != s.path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			s.reload()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("settings watcher error", zap.Error(err))
		}
	}
}

func (s *Store) reload() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cfg, err := s.read()
	if err != nil {
		s.logger.Warn("settings reload rejected, keeping previous values", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()
	s.logger.Info("settings reloaded", zap.String("path", s.path))
}

func (s *Store) read() (Settings, error) {
	cfg := Defaults()
	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// commit persists cfg (temp file + rename) and publishes it.
func (s *Store) commit(cfg Settings) error {
	if s.path != "" {
		b, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal settings: %w", err)
		}
		tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.yaml")
		if err != nil {
			return fmt.Errorf("create temp settings: %w", err)
		}
		defer os.Remove(tmp.Name()) //nolint:errcheck
		if _, err := tmp.Write(b); err != nil {
			tmp.Close()
			return fmt.Errorf("write settings: %w", err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("close settings: %w", err)
		}
		if err := os.Chmod(tmp.Name(), 0o600); err != nil {
			return fmt.Errorf("chmod settings: %w", err)
		}
		if err := os.Rename(tmp.Name(), s.path); err != nil {
			return fmt.Errorf("replace settings: %w", err)
		}
	}

	s.mu.Lock()
	s.cur = cfg
	s.mu.Unlock()
	return nil
}
