// Package builder prepares a structure's isolated Python environment.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/fentz26/skatepark/internal/connectors"
	"github.com/fentz26/skatepark/internal/models"
)

// VenvDir is the per-structure virtual environment, relative to the structure directory.
const VenvDir = ".venv"

// EnvFile holds per-structure environment variables.
const EnvFile = ".env"

// Builder creates virtual environments and installs dependencies through
// an allowlisted connector.
type Builder struct {
	conn   connectors.Connector
	python string
}

// New creates a Builder. python is the base interpreter used to create
// virtual environments.
func New(conn connectors.Connector, python string) *Builder {
	return &Builder{conn: conn, python: python}
}

// DetectPython returns the first of preferred, python3 and python found on PATH.
func DetectPython(preferred string) (string, error) {
	candidates := []string{"python3", "python"}
	if preferred != "" {
		candidates = append([]string{preferred}, candidates...)
	}
	for _, c := range candidates {
		if path, err := exec.LookPath(c); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no python interpreter found on PATH (tried %s)", strings.Join(candidates, ", "))
}

// Interpreter returns the venv interpreter for a structure directory.
func (b *Builder) Interpreter(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, VenvDir, "Scripts", "python.exe")
	}
	return filepath.Join(dir, VenvDir, "bin", "python3")
}

func (b *Builder) pip(dir string) string {
	if runtime.GOOS == "windows" {
		return filepath.Join(dir, VenvDir, "Scripts", "pip.exe")
	}
	return filepath.Join(dir, VenvDir, "bin", "pip3")
}

// ResolveEnv reads dir/.env. A missing file yields an empty map.
func (b *Builder) ResolveEnv(dir string) (map[string]string, error) {
	env, err := godotenv.Read(filepath.Join(dir, EnvFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", EnvFile, err)
	}
	return env, nil
}

// Install creates the venv and installs the structure's manifest into it.
// Each step is bounded by timeout when it is positive.
func (b *Builder) Install(ctx context.Context, s models.Structure, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if _, err := os.Stat(b.Interpreter(s.Directory)); err != nil {
		if err := b.run(ctx, s.Directory, b.python, "-m", "venv", VenvDir); err != nil {
			return fmt.Errorf("create venv: %w", err)
		}
	}

	if err := b.run(ctx, s.Directory, b.pip(s.Directory), "install", "-r", s.RequirementsFile); err != nil {
		return fmt.Errorf("install requirements: %w", err)
	}
	return nil
}

func (b *Builder) run(ctx context.Context, dir, cmd string, args ...string) error {
	res, err := b.conn.Execute(ctx, dir, cmd, args)
	if err != nil {
		return fmt.Errorf("%s: %w", b.conn.Name(), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s %s exited with %d: %s",
			filepath.Base(res.Command), strings.Join(res.Args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
