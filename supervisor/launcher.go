// Copyright (c) Drover Systems
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
)

// WorkerIDEnv is the environment variable carrying a worker's identity
// into the launched process.
const WorkerIDEnv = "DROVER_WORKER_ID"

// Process is a running worker from the supervisor's point of view.
type Process interface {
	// Wait blocks until the process exits. The returned error carries
	// the exit status, as os/exec reports it.
	Wait() error
	// Signal delivers sig to the process.
	Signal(sig os.Signal) error
	// Kill forcibly terminates the process.
	Kill() error
}

// Launcher starts worker processes. It exists so restart logic can be
// exercised without spawning real processes.
type Launcher interface {
	Launch(workerID string) (Process, error)
}

// ExecLauncher launches workers as OS processes. The worker binary
// learns its identity from the environment rather than from arguments,
// so operators can pass arbitrary args through untouched.
type ExecLauncher struct {
	Command string
	Args    []string
}

// Launch starts one worker process with its identity in the environment.
// Worker output goes straight to the supervisor's stdout and stderr.
func (l *ExecLauncher) Launch(workerID string) (Process, error) {
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", WorkerIDEnv, workerID))
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.Command, err)
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
