// Package config loads the netlab settings file.
//
// The settings file is JSONC (JSON with comments), so this package uses
// github.com/tidwall/jsonc to strip comments and trailing commas before
// parsing with encoding/json. Missing fields keep their defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/tidwall/jsonc"

	"github.com/mmr-tortoise/netlab/internal/backend"
	"github.com/mmr-tortoise/netlab/internal/model"
)

// Backend names accepted in the "backend" field.
const (
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
	BackendMemory     = "memory"
)

// Defaults for a missing settings file.
const (
	DefaultImage           = "debian:stable-slim"
	DefaultShell           = "/bin/bash"
	DefaultPrefix          = "netlab"
	DefaultNamespacePrefix = "netlab-"
	DefaultLogLevel        = "info"
)

// Settings is the content of the settings file.
type Settings struct {
	// Backend selects the execution engine: docker, kubernetes or memory.
	Backend string `json:"backend"`

	// Image is the default unit image.
	Image string `json:"image"`

	// DeviceShell runs startup and shutdown commands.
	DeviceShell string `json:"device_shell"`

	// NetPrefix and DevicePrefix start every derived network and unit
	// name.
	NetPrefix    string `json:"net_prefix"`
	DevicePrefix string `json:"device_prefix"`

	// Workers bounds concurrent backend calls.
	Workers int `json:"workers"`

	EnableIPv6 bool `json:"enable_ipv6"`

	// User overrides the invoking user's name in labels and derived names.
	User string `json:"user,omitempty"`

	LogLevel string `json:"log_level"`

	Docker     DockerSettings     `json:"docker"`
	Kubernetes KubernetesSettings `json:"kubernetes"`
}

// DockerSettings configures the Docker backend.
type DockerSettings struct {
	// Host is the daemon address. Empty falls back to DOCKER_HOST and
	// socket detection.
	Host string `json:"host,omitempty"`
}

// KubernetesSettings configures the Kubernetes backend.
type KubernetesSettings struct {
	Kubeconfig      string `json:"kubeconfig,omitempty"`
	Context         string `json:"context,omitempty"`
	NamespacePrefix string `json:"namespace_prefix"`
}

// Default returns the settings used when no file exists.
func Default() *Settings {
	return &Settings{
		Backend:      BackendDocker,
		Image:        DefaultImage,
		DeviceShell:  DefaultShell,
		NetPrefix:    DefaultPrefix,
		DevicePrefix: DefaultPrefix,
		Workers:      runtime.NumCPU(),
		LogLevel:     DefaultLogLevel,
		Kubernetes: KubernetesSettings{
			NamespacePrefix: DefaultNamespacePrefix,
		},
	}
}

// DefaultPath returns ~/.config/netlab/settings.json, honoring
// XDG_CONFIG_HOME.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate config directory: %w", err)
	}
	return filepath.Join(dir, "netlab", "settings.json"), nil
}

// Load reads the settings file at path over the defaults. A missing file
// yields the defaults. The result is validated.
func Load(path string) (*Settings, error) {
	s := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := Parse(data, s); err != nil {
		return nil, model.NewError(model.ErrValidation, "load settings", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, model.NewError(model.ErrValidation, "load settings", path, err)
	}
	return s, nil
}

// Parse decodes JSONC data into s. Fields absent from data are left
// untouched.
func Parse(data []byte, s *Settings) error {
	if err := json.Unmarshal(jsonc.ToJSON(data), s); err != nil {
		return fmt.Errorf("failed to parse settings: %w", err)
	}
	return nil
}

// ResolveUser returns the identity recorded in labels: the configured user
// if any, else the login name of the current OS user, sanitized.
func (s *Settings) ResolveUser() (string, error) {
	name := s.User
	if name == "" {
		u, err := user.Current()
		if err != nil {
			return "", fmt.Errorf("failed to determine current user: %w", err)
		}
		name = u.Username
	}
	sanitized := backend.SanitizeUser(name)
	if sanitized == "" {
		return "", model.Validationf("user", name, "user name has no letters or digits")
	}
	return sanitized, nil
}
