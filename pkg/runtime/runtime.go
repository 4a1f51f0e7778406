/*
Copyright 2025 The Photark Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package runtime materialises the interpreter environments extension
// manifests declare and builds the child-process invocation for them.
//
// Two families are supported. A "node" extension ships a package.json and is
// started as `node .`; a "python" extension gets a private .venv and is
// started as `.venv/bin/python main.py`. Preparation is idempotent per
// family so updates can re-run it cheaply.
package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/photark/extension-host/api/extension"
)

const (
	// EnvironmentNode marks extensions running on Node.js.
	EnvironmentNode = "node"
	// EnvironmentPython marks extensions running on CPython.
	EnvironmentPython = "python"

	venvDir          = ".venv"
	pythonEntryPoint = "main.py"
)

// commandRunner executes one external command in a directory. Split out so
// tests can record invocations instead of shelling out.
type commandRunner interface {
	run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Preparer materialises runtime environments inside extension directories.
type Preparer struct {
	runner commandRunner
	logger *logrus.Entry
}

// NewPreparer returns a preparer that shells out to npm / python3.
func NewPreparer() *Preparer {
	return &Preparer{
		runner: execRunner{},
		logger: logrus.WithField("component", "runtime"),
	}
}

// Prepare sets up every declared runtime family in order. It fails on the
// first family it cannot materialise; the caller decides whether to roll the
// directory back.
func (p *Preparer) Prepare(ctx context.Context, dir string, runtimes []extension.Runtime) error {
	for _, rt := range runtimes {
		var err error
		switch rt.Environment {
		case EnvironmentNode:
			err = p.prepareNode(ctx, dir)
		case EnvironmentPython:
			err = p.preparePython(ctx, dir)
		default:
			err = errors.Errorf("unsupported runtime environment %q", rt.Environment)
		}
		if err != nil {
			return errors.Wrapf(err, "preparing %s runtime", rt.Environment)
		}
	}
	return nil
}

func (p *Preparer) prepareNode(ctx context.Context, dir string) error {
	if _, err := os.Stat(filepath.Join(dir, "package.json")); os.IsNotExist(err) {
		// Nothing to install; the extension carries its dependencies.
		return nil
	}

	p.logger.WithField("dir", dir).Debug("installing node dependencies")
	output, err := p.runner.run(ctx, dir, "npm", "install", "--omit=dev", "--no-audit", "--no-fund")
	if err != nil {
		return errors.Wrapf(err, "npm install: %s", tail(output))
	}
	return nil
}

func (p *Preparer) preparePython(ctx context.Context, dir string) error {
	venv := filepath.Join(dir, venvDir)
	if _, err := os.Stat(venv); os.IsNotExist(err) {
		p.logger.WithField("dir", dir).Debug("creating python virtualenv")
		output, err := p.runner.run(ctx, dir, "python3", "-m", "venv", venvDir)
		if err != nil {
			return errors.Wrapf(err, "creating virtualenv: %s", tail(output))
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "requirements.txt")); os.IsNotExist(err) {
		return nil
	}

	p.logger.WithField("dir", dir).Debug("installing python requirements")
	pip := filepath.Join(venv, "bin", "pip")
	output, err := p.runner.run(ctx, dir, pip, "install", "-r", "requirements.txt")
	if err != nil {
		return errors.Wrapf(err, "pip install: %s", tail(output))
	}
	return nil
}

// Command builds the child-process invocation for the extension's primary
// (first-declared) runtime. The command is not started.
func Command(ctx context.Context, dir string, runtimes []extension.Runtime) (*exec.Cmd, error) {
	if len(runtimes) == 0 {
		return nil, errors.New("manifest declares no runtimes")
	}

	var cmd *exec.Cmd
	switch primary := runtimes[0].Environment; primary {
	case EnvironmentNode:
		cmd = exec.CommandContext(ctx, "node", ".")
	case EnvironmentPython:
		python := filepath.Join(dir, venvDir, "bin", "python")
		if _, err := os.Stat(python); err != nil {
			python = "python3"
		}
		cmd = exec.CommandContext(ctx, python, pythonEntryPoint)
	default:
		return nil, errors.Errorf("unsupported runtime environment %q", primary)
	}

	cmd.Dir = dir
	return cmd, nil
}

// tail keeps error messages readable when a package manager dumps pages of
// output.
func tail(output []byte) string {
	const max = 400
	if len(output) <= max {
		return string(output)
	}
	return "..." + string(output[len(output)-max:])
}
