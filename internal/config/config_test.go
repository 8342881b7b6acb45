package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmr-tortoise/netlab/internal/model"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	// Act
	s, err := Load(filepath.Join(t.TempDir(), "absent.json"))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, Default(), s)
	assert.Equal(t, runtime.NumCPU(), s.Workers)
	assert.Equal(t, BackendDocker, s.Backend)
}

func TestLoad_JSONCOverridesDefaults(t *testing.T) {
	// Arrange: comments and trailing commas are allowed.
	path := writeSettings(t, `{
		// run on the cluster
		"backend": "kubernetes",
		"image": "frrouting/frr:latest",
		"workers": 4,
		/* per-user prefix */
		"net_prefix": "lab_net",
		"kubernetes": {"context": "kind-lab",},
	}`)

	// Act
	s, err := Load(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, BackendKubernetes, s.Backend)
	assert.Equal(t, "frrouting/frr:latest", s.Image)
	assert.Equal(t, 4, s.Workers)
	assert.Equal(t, "lab_net", s.NetPrefix)
	assert.Equal(t, DefaultPrefix, s.DevicePrefix, "unset fields keep their default")
	assert.Equal(t, "kind-lab", s.Kubernetes.Context)
	assert.Equal(t, DefaultNamespacePrefix, s.Kubernetes.NamespacePrefix)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantField string
	}{
		{name: "malformed", content: `{"backend": }`, wantField: "parse"},
		{name: "unknown backend", content: `{"backend": "podman"}`, wantField: "backend"},
		{name: "bad prefix", content: `{"net_prefix": "Net-1"}`, wantField: "net_prefix"},
		{name: "zero workers", content: `{"workers": 0}`, wantField: "workers"},
		{name: "relative shell", content: `{"device_shell": "bash"}`, wantField: "device_shell"},
		{name: "bad log level", content: `{"log_level": "loud"}`, wantField: "log_level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			path := writeSettings(t, tt.content)

			// Act
			_, err := Load(path)

			// Assert
			require.ErrorIs(t, err, model.ErrValidation)
			assert.Contains(t, err.Error(), tt.wantField)
		})
	}
}

func TestCheck_ReportsEveryField(t *testing.T) {
	// Arrange
	s := Default()
	s.Backend = "lxc"
	s.DevicePrefix = ""
	s.Workers = -1

	// Act
	errs := s.Check()

	// Assert
	fields := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.Field)
	}
	assert.Equal(t, []string{"backend", "device_prefix", "workers"}, fields)
}

func TestResolveUser(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		want    string
		wantErr bool
	}{
		{name: "override is sanitized", user: "Alice.Smith", want: "alicesmith"},
		{name: "override without letters", user: "...", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			s := Default()
			s.User = tt.user

			// Act
			got, err := s.ResolveUser()

			// Assert
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveUser_CurrentUser(t *testing.T) {
	// Act
	got, err := Default().ResolveUser()

	// Assert
	require.NoError(t, err)
	assert.Regexp(t, `^[a-z0-9]+$`, got)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", l.String())

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
