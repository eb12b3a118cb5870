// Package nixpacks models the Nixpacks build-plan generator as an injected
// black-box collaborator: this system never reimplements Nixpacks'
// buildpack detection, it only knows how to invoke the `nixpacks` CLI and
// where it leaves its output.
package nixpacks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/hearthhq/hearth/pkg/hearterr"
)

// Generator synthesizes a Dockerfile for a source directory lacking one.
type Generator interface {
	Synthesize(ctx context.Context, dir, provider string) error
}

// CLIGenerator shells out to the `nixpacks` binary's plan mode, then
// renames its generated `.nixpacks/Dockerfile` into dir's Dockerfile.
type CLIGenerator struct {
	// BinaryPath is the path to the nixpacks executable; defaults to
	// "nixpacks" resolved against PATH when empty.
	BinaryPath string
}

func (g *CLIGenerator) binary() string {
	if g.BinaryPath != "" {
		return g.BinaryPath
	}
	return "nixpacks"
}

func (g *CLIGenerator) Synthesize(ctx context.Context, dir, provider string) error {
	args := []string{"plan", dir, "--out", filepath.Join(dir, ".nixpacks")}
	if provider != "" {
		args = append(args, "--provider", provider)
	}

	cmd := exec.CommandContext(ctx, g.binary(), args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return hearterr.Wrap(hearterr.Build, err, fmt.Sprintf("nixpacks plan failed: %s", output))
	}

	generated := filepath.Join(dir, ".nixpacks", "Dockerfile")
	target := filepath.Join(dir, "Dockerfile")
	if err := os.Rename(generated, target); err != nil {
		return hearterr.Wrap(hearterr.Build, err, "move generated Dockerfile into place")
	}
	return nil
}
