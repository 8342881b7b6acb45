// session.go wires the pieces every backend-facing command needs: the
// settings file with global flag overrides applied, the logger, the backend
// adapter and an orchestrator configured from the settings.
//
// Lab loading also lives here, because it maps file system errors onto the
// CLI exit codes shared by deploy and check.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/backend/memory"
	"github.com/mmr-tortoise/netlab/internal/config"
	"github.com/mmr-tortoise/netlab/internal/docker"
	"github.com/mmr-tortoise/netlab/internal/kube"
	"github.com/mmr-tortoise/netlab/internal/labfile"
	"github.com/mmr-tortoise/netlab/internal/logging"
	"github.com/mmr-tortoise/netlab/internal/model"
	"github.com/mmr-tortoise/netlab/internal/orchestrator"
	"github.com/mmr-tortoise/netlab/internal/provision"
)

// session holds what every backend-facing command needs: the effective
// settings, the logger, a connected backend and an orchestrator over it.
type session struct {
	settings *config.Settings
	user     string
	logger   *slog.Logger
	backend  backend.Backend
	orch     *orchestrator.Orchestrator
}

// loadSettings reads the settings file and applies the global flag
// overrides.
func loadSettings() (*config.Settings, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, model.WrapCLIError("failed to locate settings", err)
		}
		path = p
	}

	s, err := config.Load(path)
	if err != nil {
		return nil, model.WrapCLIError("failed to load settings", err)
	}

	if backendName != "" {
		s.Backend = backendName
	}
	if workers > 0 {
		s.Workers = workers
	}
	if err := s.Validate(); err != nil {
		return nil, model.WrapCLIError("invalid settings",
			model.NewError(model.ErrValidation, "settings", path, err))
	}

	VerboseLog("Loaded settings from %s (backend %s)", path, s.Backend)
	return s, nil
}

// newLogger builds the stderr logger from the settings and global flags.
func newLogger(s *config.Settings) *slog.Logger {
	level, _ := config.ParseLevel(s.LogLevel)
	if verbose {
		level = slog.LevelDebug
	}
	return logging.New(os.Stderr, logging.Options{Level: level, JSON: jsonOutput})
}

// openSession connects to the configured backend. Callers must Close the
// session.
func openSession(ctx context.Context) (*session, error) {
	s, err := loadSettings()
	if err != nil {
		return nil, err
	}
	user, err := s.ResolveUser()
	if err != nil {
		return nil, model.WrapCLIError("failed to determine user", err)
	}
	logger := newLogger(s)

	b, err := newBackend(ctx, s, logger)
	if err != nil {
		return nil, model.WrapCLIError(fmt.Sprintf("failed to connect to %s backend", s.Backend), err)
	}
	VerboseLog("Connected to %s backend as user %q", b.Name(), user)

	home, _ := os.UserHomeDir()
	orch := orchestrator.New(b, orchestrator.Options{
		User:          user,
		NetworkPrefix: s.NetPrefix,
		UnitPrefix:    s.DevicePrefix,
		Workers:       s.Workers,
		IPv6:          s.EnableIPv6,
		Defaults: provision.UnitDefaults{
			Image:    s.Image,
			Shell:    s.DeviceShell,
			HostHome: home,
		},
		// Host ports can only be checked locally. A remote daemon or a
		// cluster binds them on another machine.
		CheckHostPorts: s.Backend == config.BackendDocker && s.Docker.Host == "",
		Logger:         logger,
		OnTransition: func(t orchestrator.Transition) {
			VerboseLog("%s %s: %s", t.Op, t.LabHash, t.Phase)
		},
	})

	return &session{
		settings: s,
		user:     user,
		logger:   logger,
		backend:  b,
		orch:     orch,
	}, nil
}

// Close releases the backend connection.
func (s *session) Close() {
	if err := s.backend.Close(); err != nil {
		s.logger.Warn("Failed to close backend", "backend", s.backend.Name(), "error", err)
	}
}

// newBackend builds the adapter named by the "backend" setting.
//
// The Docker client is pinged before use, so an engine that is not running
// fails here with model.ErrBackendUnavailable rather than in the middle of a
// deploy. The Kubernetes adapter checks the cluster inside kube.New. The
// memory backend starts empty on every call and is meant for tests and dry
// runs.
func newBackend(ctx context.Context, s *config.Settings, logger *slog.Logger) (backend.Backend, error) {
	switch s.Backend {
	case config.BackendDocker:
		c, err := docker.NewClient(s.Docker.Host)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close()
			return nil, err
		}
		return docker.New(c, logger), nil

	case config.BackendKubernetes:
		b, err := kube.New(ctx, kube.Config{
			Kubeconfig:      s.Kubernetes.Kubeconfig,
			Context:         s.Kubernetes.Context,
			NamespacePrefix: s.Kubernetes.NamespacePrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return b, nil

	case config.BackendMemory:
		return memory.New(), nil

	default:
		return nil, model.Validationf("settings", "backend", "unknown backend %q", s.Backend)
	}
}

// loadLab reads the lab in dir, mapping a missing lab.yaml to
// ExitLabNotFound.
func loadLab(dir string) (*model.Lab, error) {
	lab, err := labfile.Load(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &model.CLIError{
				Code:    model.ExitLabNotFound,
				Message: fmt.Sprintf("no lab found in %s", dir),
				Err:     err,
			}
		}
		return nil, model.WrapCLIError("failed to load lab", err)
	}
	VerboseLog("Loaded lab %q (%d units, %d networks, hash %s)",
		lab.Name, len(lab.Units), len(lab.Networks), lab.Hash)
	return lab, nil
}

// labHash returns the hash of the lab in dir without reading it, so a lab
// whose files are gone can still be undeployed.
func labHash(dir string) (string, error) {
	path, err := labfile.ResolveDir(dir)
	if err != nil {
		return "", model.WrapCLIError("failed to resolve lab directory", err)
	}
	return model.LabHash(path), nil
}
