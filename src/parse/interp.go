package parse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"

	"github.com/grumpyjames/buck/src/core"
)

// An Interpreter evaluates a single build file into its raw rules.
// Implementations must be safe for concurrent use.
type Interpreter interface {
	// ParseBuildFile parses the given file (relative to the cell root) and
	// returns its rules together with every file the parse read.
	ParseBuildFile(ctx context.Context, buildFile string, includes []string) (*core.RawRuleMap, error)
	// Close shuts the interpreter down and reclaims its resources.
	Close() error
}

// A procPool runs external interpreter processes and farms parse requests out
// to them. Processes are spawned lazily up to the configured limit; each one
// handles a single parse at a time over a JSON-per-line stdio protocol.
// A process that errors, times out or dies is discarded rather than reused,
// since we can no longer tell what state it's in.
type procPool struct {
	cell *core.Cell

	mutex   sync.Mutex
	free    chan *proc
	spawned int
	limit   int
	timeout time.Duration
	closing bool
}

// NewProcessInterpreter returns an Interpreter running the cell's configured
// interpreter command as a pool of subprocesses.
func NewProcessInterpreter(cell *core.Cell) Interpreter {
	limit := cell.Config.Parse.NumWorkers
	if limit < 1 {
		limit = 1
	}
	return &procPool{
		cell:    cell,
		free:    make(chan *proc, limit),
		limit:   limit,
		timeout: time.Duration(cell.Config.Parse.Timeout) * time.Second,
	}
}

// interpRequest is one request to an interpreter process.
type interpRequest struct {
	BuildFile string   `json:"build_file"`
	Includes  []string `json:"includes,omitempty"`
}

// interpResponse is what the process sends back.
type interpResponse struct {
	BuildFile string          `json:"build_file"`
	Rules     []*core.RawRule `json:"rules"`
	FilesRead []string        `json:"files_read"`
	Error     string          `json:"error,omitempty"`
}

func (p *procPool) ParseBuildFile(ctx context.Context, buildFile string, includes []string) (*core.RawRuleMap, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	w, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := w.parse(ctx, &interpRequest{BuildFile: buildFile, Includes: includes})
	if err != nil {
		// The process may be mid-write or wedged; kill it rather than reuse it.
		w.kill()
		p.mutex.Lock()
		p.spawned--
		p.mutex.Unlock()
		return nil, &ParseError{BuildFile: buildFile, Err: err}
	}
	p.release(w)
	if resp.Error != "" {
		return nil, &ParseError{BuildFile: buildFile, Msg: resp.Error}
	}
	filesRead := resp.FilesRead
	if len(filesRead) == 0 {
		filesRead = []string{buildFile}
	}
	m, err := core.NewRawRuleMap(buildFile, resp.Rules, filesRead)
	if err != nil {
		return nil, &ParseError{BuildFile: buildFile, Err: err}
	}
	return m, nil
}

// acquire returns a free process, spawning a new one if we're still under the limit.
func (p *procPool) acquire(ctx context.Context) (*proc, error) {
	select {
	case w := <-p.free:
		return w, nil
	default:
	}
	p.mutex.Lock()
	if p.closing {
		p.mutex.Unlock()
		return nil, fmt.Errorf("interpreter pool is shutting down")
	}
	if p.spawned < p.limit {
		p.spawned++
		p.mutex.Unlock()
		w, err := p.spawn()
		if err != nil {
			p.mutex.Lock()
			p.spawned--
			p.mutex.Unlock()
			return nil, err
		}
		return w, nil
	}
	p.mutex.Unlock()
	select {
	case w := <-p.free:
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *procPool) release(w *proc) {
	p.mutex.Lock()
	closing := p.closing
	p.mutex.Unlock()
	if closing {
		w.kill()
		return
	}
	p.free <- w
}

func (p *procPool) spawn() (*proc, error) {
	args, err := shlex.Split(p.cell.Config.Parse.Interpreter)
	if err != nil {
		return nil, fmt.Errorf("invalid interpreter command %s: %w", p.cell.Config.Parse.Interpreter, err)
	} else if len(args) == 0 {
		return nil, fmt.Errorf("no interpreter configured for cell %s", p.cell.Root)
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = p.cell.Root
	cmd.Env = interpreterEnv(p.cell)
	// Give each interpreter its own process group so kill takes out anything
	// it spawned as well.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = &stderrLogger{}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start interpreter %s: %w", args[0], err)
	}
	log.Debug("Started interpreter process %s (pid %d)", args[0], cmd.Process.Pid)
	return &proc{
		process: cmd,
		stdin:   stdin,
		encoder: json.NewEncoder(stdin),
		decoder: json.NewDecoder(stdout),
	}, nil
}

func (p *procPool) Close() error {
	p.mutex.Lock()
	p.closing = true
	n := p.spawned
	p.mutex.Unlock()
	for i := 0; i < n; i++ {
		select {
		case w := <-p.free:
			w.kill()
		default:
			// Still busy; its current owner will notice closing on release.
			return nil
		}
	}
	return nil
}

// interpreterEnv builds the environment an interpreter process runs with; only
// the variables the cell declares are passed through, so parses stay
// reproducible against the cell's fingerprint.
func interpreterEnv(cell *core.Cell) []string {
	env := []string{"PATH=" + os.Getenv("PATH")}
	for _, name := range cell.Config.Parse.EnvVars {
		if v, present := cell.Env[name]; present {
			env = append(env, name+"="+v)
		}
	}
	return env
}

// A proc is a single running interpreter process.
type proc struct {
	process *exec.Cmd
	stdin   io.Closer
	encoder *json.Encoder
	decoder *json.Decoder
}

func (w *proc) parse(ctx context.Context, req *interpRequest) (*interpResponse, error) {
	type result struct {
		resp *interpResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		if err := w.encoder.Encode(req); err != nil {
			ch <- result{err: fmt.Errorf("failed to send parse request: %w", err)}
			return
		}
		resp := &interpResponse{}
		if err := w.decoder.Decode(resp); err != nil {
			ch <- result{err: fmt.Errorf("interpreter process died: %w", err)}
			return
		}
		ch <- result{resp: resp}
	}()
	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *proc) kill() {
	w.stdin.Close()
	if w.process.Process != nil {
		// Kill the group, not just the process; grandchildren inherit our pipes
		// and would otherwise keep them open indefinitely.
		syscall.Kill(-w.process.Process.Pid, syscall.SIGKILL)
	}
	// Reap asynchronously so a wedged process tree can't stall the query that
	// already timed out on it.
	go w.process.Wait()
}

// stderrLogger forwards an interpreter's stderr lines to our own log.
type stderrLogger struct {
	buffer []byte
}

func (l *stderrLogger) Write(msg []byte) (int, error) {
	l.buffer = append(l.buffer, msg...)
	for {
		i := strings.IndexByte(string(l.buffer), '\n')
		if i == -1 {
			break
		}
		line := strings.TrimSpace(string(l.buffer[:i]))
		l.buffer = l.buffer[i+1:]
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "WARNING") {
			log.Warning("Warning from interpreter: %s", line)
		} else {
			log.Error("Error from interpreter: %s", line)
		}
	}
	return len(msg), nil
}
