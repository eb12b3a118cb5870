package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDeploymentConfig(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    DeploymentConfig
		wantErr bool
	}{
		{
			name:    "missing file yields defaults",
			payload: "",
			want:    DeploymentConfig{Visibility: VisibilityStandard},
		},
		{
			name:    "visibility only",
			payload: `{"visibility":"private"}`,
			want:    DeploymentConfig{Visibility: VisibilityPrivate},
		},
		{
			name:    "dockerfile backend with path",
			payload: `{"build":{"backend":"dockerfile","config":{"path":"deploy/Dockerfile"}}}`,
			want: DeploymentConfig{
				Visibility: VisibilityStandard,
				Build:      BuildBackend{Backend: BackendDockerfile, DockerfilePath: "deploy/Dockerfile"},
			},
		},
		{
			name:    "nixpacks backend with provider",
			payload: `{"visibility":"public","build":{"backend":"nixpacks","config":{"provider":"node"}}}`,
			want: DeploymentConfig{
				Visibility: VisibilityPublic,
				Build:      BuildBackend{Backend: BackendNixpacks, NixpacksProvider: "node"},
			},
		},
		{
			name:    "nixpacks backend without config",
			payload: `{"build":{"backend":"nixpacks"}}`,
			want: DeploymentConfig{
				Visibility: VisibilityStandard,
				Build:      BuildBackend{Backend: BackendNixpacks},
			},
		},
		{
			name:    "unknown top-level field rejected",
			payload: `{"visibility":"standard","bogus":1}`,
			wantErr: true,
		},
		{
			name:    "unknown backend variant rejected",
			payload: `{"build":{"backend":"buildpacks"}}`,
			wantErr: true,
		},
		{
			name:    "unknown nested config field rejected",
			payload: `{"build":{"backend":"dockerfile","config":{"path":"x","target":"y"}}}`,
			wantErr: true,
		},
		{
			name:    "unknown visibility rejected",
			payload: `{"visibility":"internal"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDeploymentConfig([]byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewShortID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewShortID()
		require.Len(t, id, 10)
		for _, r := range id {
			assert.Contains(t, shortIDAlphabet, string(r))
		}
		assert.False(t, seen[id], "short ids must not repeat")
		seen[id] = true
	}
}
