package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// wireConfig mirrors the on-disk prezel.json / {app}.prezel.json shape.
// The "build" field is a tagged union keyed on "backend"; unknown
// top-level or nested fields are a hard decode error, never ignored.
type wireConfig struct {
	Visibility string          `json:"visibility"`
	Build      *wireBuild      `json:"build"`
}

type wireBuild struct {
	Backend string          `json:"backend"`
	Config  json.RawMessage `json:"config"`
}

type wireDockerfileConfig struct {
	Path string `json:"path"`
}

type wireNixpacksConfig struct {
	Provider string `json:"provider"`
}

// ParseDeploymentConfig decodes a prezel.json payload into a
// DeploymentConfig. An empty payload (file absent) yields the documented
// defaults: Standard visibility, auto build backend. Unknown fields at any
// level are rejected, matching the "reject unknown variants" rule for the
// tagged build-backend union.
func ParseDeploymentConfig(data []byte) (DeploymentConfig, error) {
	if len(data) == 0 {
		return DeploymentConfig{Visibility: VisibilityStandard}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var wire wireConfig
	if err := dec.Decode(&wire); err != nil {
		return DeploymentConfig{}, fmt.Errorf("decode deployment config: %w", err)
	}

	cfg := DeploymentConfig{Visibility: VisibilityStandard}
	switch wire.Visibility {
	case "", string(VisibilityStandard):
		cfg.Visibility = VisibilityStandard
	case string(VisibilityPublic):
		cfg.Visibility = VisibilityPublic
	case string(VisibilityPrivate):
		cfg.Visibility = VisibilityPrivate
	default:
		return DeploymentConfig{}, fmt.Errorf("decode deployment config: unknown visibility %q", wire.Visibility)
	}

	if wire.Build == nil {
		return cfg, nil
	}

	switch wire.Build.Backend {
	case BackendDockerfile:
		var inner wireDockerfileConfig
		if len(wire.Build.Config) > 0 {
			innerDec := json.NewDecoder(bytes.NewReader(wire.Build.Config))
			innerDec.DisallowUnknownFields()
			if err := innerDec.Decode(&inner); err != nil {
				return DeploymentConfig{}, fmt.Errorf("decode dockerfile build config: %w", err)
			}
		}
		cfg.Build = BuildBackend{Backend: BackendDockerfile, DockerfilePath: inner.Path}
	case BackendNixpacks:
		var inner wireNixpacksConfig
		if len(wire.Build.Config) > 0 {
			innerDec := json.NewDecoder(bytes.NewReader(wire.Build.Config))
			innerDec.DisallowUnknownFields()
			if err := innerDec.Decode(&inner); err != nil {
				return DeploymentConfig{}, fmt.Errorf("decode nixpacks build config: %w", err)
			}
		}
		cfg.Build = BuildBackend{Backend: BackendNixpacks, NixpacksProvider: inner.Provider}
	default:
		return DeploymentConfig{}, fmt.Errorf("decode deployment config: unknown build backend %q", wire.Build.Backend)
	}

	return cfg, nil
}
