package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"replicamgr/internal/registry"
)

// ProcessHandle is the capability the Supervisor holds over a running replica.
type ProcessHandle interface {
	Pid() int
	Alive() bool
	// Terminate stops the process and waits for it to exit. Terminating a
	// process that already exited is not an error.
	Terminate() error
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
}

// outputWaitDelay bounds how long Wait keeps reading replica output after the
// replica itself exited.
const outputWaitDelay = 2 * time.Second

// maxLineLength is the longest line of replica output forwarded as one log
// line; longer output is split.
const maxLineLength = 4096

// Launcher starts the OS process backing a replica.
type Launcher interface {
	Launch(rep *registry.Replica) (ProcessHandle, error)
}

// ExecLauncher launches replicas as child processes. The replica's Path is
// appended to Command, e.g. Command ["java", "-jar"] runs "java -jar <path>".
// An empty Command executes Path directly.
type ExecLauncher struct {
	Command []string
	Dir     string
	// Logger receives the replica's stdout and stderr line by line, prefixed
	// with the partition code. Nil discards the output.
	Logger *log.Logger
}

// Launch starts the replica process.
func (l *ExecLauncher) Launch(rep *registry.Replica) (ProcessHandle, error) {
	argv := append(slices.Clone(l.Command), rep.Path)

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = l.Dir
	cmd.WaitDelay = outputWaitDelay
	setProcessGroup(cmd)
	if l.Logger != nil {
		w := &lineWriter{prefix: rep.Code, logger: l.Logger}
		cmd.Stdout = w
		cmd.Stderr = w
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", rep.Name, err)
	}

	h := &execHandle{cmd: cmd, done: make(chan struct{})}
	go h.reap()
	return h, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (h *execHandle) reap() {
	h.err = h.cmd.Wait()
	close(h.done)
}

func (h *execHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *execHandle) Terminate() error {
	if !h.Alive() {
		return nil
	}
	if err := killProcessGroup(h.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill pid %d: %w", h.Pid(), err)
	}
	<-h.done
	return nil
}

func (h *execHandle) Wait() error {
	<-h.done
	return h.err
}

// lineWriter forwards complete lines of child output to a logger. A line
// longer than maxLineLength is forwarded in pieces.
type lineWriter struct {
	prefix string
	logger *log.Logger

	mu  sync.Mutex
	buf []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.logger.Printf("[%s] %s", w.prefix, bytes.TrimRight(w.buf[:i], "\r"))
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLineLength {
		w.logger.Printf("[%s] %s", w.prefix, w.buf[:maxLineLength])
		w.buf = w.buf[maxLineLength:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}
