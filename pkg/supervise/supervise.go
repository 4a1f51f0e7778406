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

// Package supervise forks extension child processes and tracks their
// lifetime. It owns the process handles exclusively: everyone else learns
// about starts, stops and crashes through the Signals channel.
package supervise

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/photark/extension-host/api/extension"
	"github.com/photark/extension-host/pkg/runtime"
)

// ParametersFileName is the transient configuration file each child reads
// at startup.
const ParametersFileName = "parameters.json"

// FatalExitCode is the exit status an extension uses to report an
// unrecoverable condition. It latches the error state and suppresses
// restarts until uninstall.
const FatalExitCode = 70

const (
	defaultStopGrace  = 5 * time.Second
	startRetryBackoff = 500 * time.Millisecond
	signalBuffer      = 128
)

// SignalType classifies a supervisor signal.
type SignalType string

const (
	SignalStarted SignalType = "started"
	SignalStopped SignalType = "stopped"
	SignalError   SignalType = "error"
	SignalFatal   SignalType = "fatal"
)

// Signal is delivered upward to the owning service. Value carries the exit
// error for error and fatal signals.
type Signal struct {
	ExtensionID string
	Type        SignalType
	Value       error
}

// StartRequest carries everything needed to fork one extension.
type StartRequest struct {
	ID       string
	APIKey   string
	Dir      string
	Runtimes []extension.Runtime
}

// parameters is the on-disk shape of ParametersFileName.
type parameters struct {
	ExtensionID        string `json:"extensionId"`
	APIKey             string `json:"apiKey"`
	WebServicesBaseURL string `json:"webServicesBaseUrl"`
}

// Options configures a Supervisor.
type Options struct {
	// WebServicesBaseURL is handed to every child via its parameters file.
	WebServicesBaseURL string
	// StopGracePeriod bounds cooperative termination before the kill
	// escalation. Zero means the 5 s default.
	StopGracePeriod time.Duration
}

type child struct {
	id            string
	cmd           *exec.Cmd
	stopRequested atomic.Bool
	exited        chan struct{}
}

// Supervisor forks and tracks extension children.
type Supervisor struct {
	opts   Options
	logger *logrus.Entry

	signals chan Signal

	mu       sync.Mutex
	children map[string]*child

	// commandFor is swapped in tests to avoid depending on interpreters.
	commandFor func(ctx context.Context, dir string, runtimes []extension.Runtime) (*exec.Cmd, error)
}

// New returns an idle supervisor.
func New(opts Options) *Supervisor {
	if opts.StopGracePeriod <= 0 {
		opts.StopGracePeriod = defaultStopGrace
	}
	return &Supervisor{
		opts:       opts,
		logger:     logrus.WithField("component", "supervise"),
		signals:    make(chan Signal, signalBuffer),
		children:   map[string]*child{},
		commandFor: runtime.Command,
	}
}

// Signals delivers lifecycle signals in emission order. The owning service
// must keep draining it.
func (s *Supervisor) Signals() <-chan Signal {
	return s.signals
}

// Running reports whether a child for the extension is alive.
func (s *Supervisor) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.children[id]
	return ok
}

// RunningIDs lists extensions with a live child.
func (s *Supervisor) RunningIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.children))
	for id := range s.children {
		ids = append(ids, id)
	}
	return ids
}

// Start forks one extension. A transient spawn failure is retried once
// after a short back-off; the returned error is the last attempt's.
func (s *Supervisor) Start(ctx context.Context, req StartRequest) error {
	attempt := func() error {
		return s.spawn(ctx, req)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(startRetryBackoff), 1), ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return errors.Wrapf(err, "starting extension %s", req.ID)
	}
	return nil
}

// StartProcesses forks a batch. Failures are logged per extension and
// folded into one error so a bad extension cannot block its peers.
func (s *Supervisor) StartProcesses(ctx context.Context, reqs []StartRequest) error {
	failed := []string{}
	for _, req := range reqs {
		if err := s.Start(ctx, req); err != nil {
			s.logger.WithField("extension", req.ID).Errorf("start failed: %v", err)
			failed = append(failed, req.ID)
		}
	}
	if len(failed) > 0 {
		return errors.Errorf("failed to start: %v", failed)
	}
	return nil
}

func (s *Supervisor) spawn(ctx context.Context, req StartRequest) error {
	s.mu.Lock()
	if _, ok := s.children[req.ID]; ok {
		s.mu.Unlock()
		return backoff.Permanent(errors.Errorf("extension %s already running", req.ID))
	}
	s.mu.Unlock()

	if err := writeParameters(req.Dir, parameters{
		ExtensionID:        req.ID,
		APIKey:             req.APIKey,
		WebServicesBaseURL: s.opts.WebServicesBaseURL,
	}); err != nil {
		return err
	}

	// The child outlives this call; its lifetime is bounded by stop, never
	// by the install request's context.
	cmd, err := s.commandFor(context.Background(), req.Dir, req.Runtimes)
	if err != nil {
		return backoff.Permanent(err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "spawning child")
	}

	c := &child{id: req.ID, cmd: cmd, exited: make(chan struct{})}
	s.mu.Lock()
	s.children[req.ID] = c
	s.mu.Unlock()

	logger := s.logger.WithField("extension", req.ID)
	logger.WithField("pid", cmd.Process.Pid).Info("extension process started")

	go s.forward(logger, stdout, false)
	go s.forward(logger, stderr, true)
	go s.wait(c)

	s.emit(Signal{ExtensionID: req.ID, Type: SignalStarted})
	return nil
}

// forward relays one output stream of the child into the host log.
func (s *Supervisor) forward(logger *logrus.Entry, stream io.Reader, isStderr bool) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if isStderr {
			logger.Warn(scanner.Text())
		} else {
			logger.Info(scanner.Text())
		}
	}
}

func (s *Supervisor) wait(c *child) {
	err := c.cmd.Wait()
	close(c.exited)

	s.mu.Lock()
	if s.children[c.id] == c {
		delete(s.children, c.id)
	}
	s.mu.Unlock()

	if c.stopRequested.Load() {
		s.emit(Signal{ExtensionID: c.id, Type: SignalStopped})
		return
	}

	switch {
	case err == nil:
	case exitCode(err) == FatalExitCode:
		s.logger.WithField("extension", c.id).Errorf("extension reported fatal condition: %v", err)
		s.emit(Signal{ExtensionID: c.id, Type: SignalFatal, Value: err})
	default:
		s.logger.WithField("extension", c.id).Warnf("extension exited unexpectedly: %v", err)
		s.emit(Signal{ExtensionID: c.id, Type: SignalError, Value: err})
	}
	s.emit(Signal{ExtensionID: c.id, Type: SignalStopped})
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// StopProcesses terminates the listed children cooperatively, escalating to
// a kill after the grace period. It returns when every listed child exited.
func (s *Supervisor) StopProcesses(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := s.stop(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) stop(ctx context.Context, id string) error {
	s.mu.Lock()
	c := s.children[id]
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	c.stopRequested.Store(true)
	pid := c.cmd.Process.Pid

	logger := s.logger.WithField("extension", id)
	logger.Debug("terminating extension process tree")
	signalTree(pid, syscall.SIGTERM)

	select {
	case <-c.exited:
		return nil
	case <-time.After(s.opts.StopGracePeriod):
		logger.Warnf("no exit within %s, killing", s.opts.StopGracePeriod)
	case <-ctx.Done():
		return ctx.Err()
	}

	signalTree(pid, syscall.SIGKILL)
	select {
	case <-c.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy stops every child. Used on host shutdown.
func (s *Supervisor) Destroy(ctx context.Context) error {
	return s.StopProcesses(ctx, s.RunningIDs())
}

func (s *Supervisor) emit(sig Signal) {
	select {
	case s.signals <- sig:
	default:
		s.logger.WithField("extension", sig.ExtensionID).
			Warnf("signal channel full, dropping %s", sig.Type)
	}
}

func writeParameters(dir string, p parameters) error {
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding parameters")
	}
	path := filepath.Join(dir, ParametersFileName)
	// 0600: the file carries the api key.
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}
