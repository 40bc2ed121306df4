package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Prismer-AI/coopsync"
	"github.com/Prismer-AI/coopsync/badgerstore"
	"github.com/Prismer-AI/coopsync/charmlog"
	"github.com/Prismer-AI/coopsync/sqlitestore"
)

// ============================================================================
// Output
// ============================================================================

var outputFormat string

// render writes v in the selected output format. text is called for the
// text format.
func render(w io.Writer, v any, text func(w io.Writer)) error {
	switch outputFormat {
	case "", "text":
		text(w)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Through JSON so field names and payloads match the json output.
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown output format %q (valid: text, json, yaml)", outputFormat)
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// ============================================================================
// Wiring
// ============================================================================

// session is one opened client: logger, backend, remote and manager.
type session struct {
	cfg     *Config
	log     coopsync.Logger
	remote  *coopsync.HTTPRemote
	manager *coopsync.Manager

	logCloser io.Closer
}

// openSession loads the config and builds a started manager. One-shot
// commands probe the health endpoint; watch uses the configured signal.
func openSession(ctx context.Context, configuredSignal bool) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Remote.BaseURL == "" {
		return nil, errors.New("no server configured. Run 'coopsync init <base-url>' first")
	}

	logger, logCloser := charmlog.NewLogger(charmlog.Options{
		Path:  cfg.Log.Path,
		Level: cfg.Log.Level,
		JSON:  cfg.Log.JSON,
	})
	s := &session{cfg: cfg, log: logger, logCloser: logCloser}

	backend, err := openBackend(cfg.Store, logger)
	if err != nil {
		logCloser.Close()
		return nil, err
	}

	s.remote = coopsync.NewHTTPRemote(cfg.Remote.BaseURL,
		coopsync.WithToken(cfg.Remote.Token),
		coopsync.WithTimeout(duration(cfg.Remote.Timeout, coopsync.DefaultTimeout)),
	)

	var signal coopsync.Signal = coopsync.NewHTTPProbe(s.remote)
	if configuredSignal {
		signal, err = newSignal(cfg.Remote, s.remote, logger)
		if err != nil {
			backend.Queue.Close()
			backend.Store.Close()
			logCloser.Close()
			return nil, err
		}
	}

	s.manager = coopsync.NewManager(backend, s.remote, signal, &coopsync.Options{
		MaxRetries:    cfg.Sync.MaxRetries,
		PollInterval:  duration(cfg.Sync.PollInterval, coopsync.DefaultPollInterval),
		RetryInterval: duration(cfg.Sync.RetryInterval, coopsync.DefaultRetryInterval),
		Logger:        logger,
	})
	s.manager.Start(ctx)
	return s, nil
}

// Close closes the manager, and with it the backend, then the log file.
func (s *session) Close() error {
	err := s.manager.Close()
	return errors.Join(err, s.logCloser.Close())
}

func openBackend(cfg ConfigStore, logger coopsync.Logger) (coopsync.Backend, error) {
	switch cfg.Backend {
	case "memory":
		return coopsync.Backend{Store: coopsync.NewMemoryStore(), Queue: coopsync.NewMemoryQueue()}, nil
	case "badger":
		dir := cfg.Path
		if dir == "" {
			base, err := dataDir()
			if err != nil {
				return coopsync.Backend{}, err
			}
			dir = filepath.Join(base, "badger")
		}
		db, err := badgerstore.Open(badgerstore.Options{Dir: dir, Logger: logger})
		if err != nil {
			return coopsync.Backend{}, err
		}
		return db.Backend(), nil
	case "", "sqlite":
		path := cfg.Path
		if path == "" {
			base, err := dataDir()
			if err != nil {
				return coopsync.Backend{}, err
			}
			path = filepath.Join(base, "coopsync.db")
		} else if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return coopsync.Backend{}, fmt.Errorf("cannot create store directory: %w", err)
		}
		db, err := sqlitestore.Open(path, logger)
		if err != nil {
			return coopsync.Backend{}, err
		}
		return db.Backend(), nil
	}
	return coopsync.Backend{}, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func newSignal(cfg ConfigRemote, remote *coopsync.HTTPRemote, logger coopsync.Logger) (coopsync.Signal, error) {
	switch cfg.Signal {
	case "", "http":
		return coopsync.NewHTTPProbe(remote), nil
	case "realtime":
		return coopsync.NewRealtimeSignal(cfg.BaseURL, &coopsync.RealtimeConfig{
			Token:         cfg.Token,
			AutoReconnect: true,
			Logger:        logger,
		}), nil
	case "file":
		if cfg.StatusFile == "" {
			return nil, errors.New("remote.status_file is required for the file signal")
		}
		return coopsync.NewFileSignal(cfg.StatusFile, logger)
	case "always":
		return coopsync.NewManualSignal(true), nil
	}
	return nil, fmt.Errorf("unknown signal %q", cfg.Signal)
}

// entityType validates a collection name argument.
func entityType(name string) (coopsync.EntityType, error) {
	for _, t := range coopsync.KnownEntityTypes {
		if string(t) == name {
			return t, nil
		}
	}
	names := make([]string, 0, len(coopsync.KnownEntityTypes))
	for _, t := range coopsync.KnownEntityTypes {
		names = append(names, string(t))
	}
	return "", fmt.Errorf("unknown entity type %q (valid: %s)", name, strings.Join(names, ", "))
}

// exactTypeArgs checks the arg count and that the first arg is an entity type.
func exactTypeArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return err
		}
		_, err := entityType(args[0])
		return err
	}
}

func payloadText(p json.RawMessage) string {
	if len(p) == 0 {
		return "-"
	}
	return string(p)
}
