package media

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/leapcast/leap-server/pkg/config"
	"github.com/leapcast/leap-server/pkg/logger"
)

const (
	workerStartTimeout = 10 * time.Second
	workerStopTimeout  = 3 * time.Second

	// single frames over this size are rejected by the scanner
	maxFrameSize = 1 << 20
)

// Worker is one OS-level media-processing process. A worker lives for the
// entire lifetime of the server; its unexpected termination is fatal.
type Worker interface {
	ID() int
	// Request issues one control request and decodes the response payload
	// into result when result is non-nil.
	Request(ctx context.Context, method string, payload interface{}, result interface{}) error
	Close() error
}

// WorkerFactory creates the worker with the given pool index.
type WorkerFactory func(id int) (Worker, error)

type processWorker struct {
	id  int
	cmd *exec.Cmd

	stdin   io.WriteCloser
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *Response
	nextID  atomic.Uint64

	closed   chan struct{}
	closeMu  sync.Mutex
	stopping bool

	onExit func(id int, err error)
}

// NewProcessWorker spawns one mediaworker subprocess and waits for it to
// report running. onExit fires when the process terminates for any reason
// other than an explicit Close.
func NewProcessWorker(id int, conf *config.Config, onExit func(id int, err error)) (Worker, error) {
	args := []string{
		"--id", strconv.Itoa(id),
		"--rtc-min-port", strconv.Itoa(int(conf.Media.RTCPortRangeStart)),
		"--rtc-max-port", strconv.Itoa(int(conf.Media.RTCPortRangeEnd)),
	}
	if conf.Logging.Level != "" {
		args = append(args, "--log-level", conf.Logging.Level)
	}
	for _, s := range conf.Media.STUNServers {
		args = append(args, "--stun", s)
	}

	cmd := exec.Command(conf.Media.WorkerBinary, args...)
	// worker logs go to its stderr, stdout carries the channel
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	w := &processWorker{
		id:      id,
		cmd:     cmd,
		stdin:   stdin,
		pending: make(map[uint64]chan *Response),
		closed:  make(chan struct{}),
		onExit:  onExit,
	}

	if err = cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "could not start media worker %d", id)
	}

	running := make(chan struct{})
	go w.readLoop(stdout, running)
	go w.waitLoop()

	select {
	case <-running:
	case <-w.closed:
		return nil, errors.Errorf("media worker %d exited during startup", id)
	case <-time.After(workerStartTimeout):
		_ = w.Close()
		return nil, errors.Errorf("media worker %d did not report running", id)
	}

	logger.Infow("media worker started", "workerId", id, "pid", cmd.Process.Pid)
	return w, nil
}

func (w *processWorker) ID() int {
	return w.id
}

func (w *processWorker) Request(ctx context.Context, method string, payload interface{}, result interface{}) error {
	select {
	case <-w.closed:
		return ErrWorkerClosed
	default:
	}

	req := &Request{
		ID:     w.nextID.Inc(),
		Method: method,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		req.Data = data
	}

	frame, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan *Response, 1)
	w.mu.Lock()
	w.pending[req.ID] = ch
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.pending, req.ID)
		w.mu.Unlock()
	}()

	w.writeMu.Lock()
	_, err = fmt.Fprintf(w.stdin, "%s\n", frame)
	w.writeMu.Unlock()
	if err != nil {
		return errors.Wrap(err, "could not write to media worker")
	}

	select {
	case res := <-ch:
		if !res.OK {
			return errors.New(res.Error)
		}
		if result != nil && len(res.Data) > 0 {
			return json.Unmarshal(res.Data, result)
		}
		return nil
	case <-w.closed:
		return ErrWorkerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *processWorker) Close() error {
	w.closeMu.Lock()
	w.stopping = true
	w.closeMu.Unlock()

	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-w.closed:
		return nil
	case <-time.After(workerStopTimeout):
	}
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	return nil
}

func (w *processWorker) readLoop(stdout io.Reader, running chan struct{}) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var res Response
		if err := json.Unmarshal(line, &res); err == nil && res.ID != 0 {
			w.mu.Lock()
			ch := w.pending[res.ID]
			w.mu.Unlock()
			if ch != nil {
				r := res
				ch <- &r
			}
			continue
		}

		var note Notification
		if err := json.Unmarshal(line, &note); err != nil || note.Event == "" {
			logger.Warnw("unparseable frame from media worker", nil, "workerId", w.id)
			continue
		}
		if note.Event == EventWorkerRunning {
			select {
			case <-running:
			default:
				close(running)
			}
			continue
		}
		logger.Debugw("media worker notification", "workerId", w.id, "event", note.Event)
	}
}

func (w *processWorker) waitLoop() {
	err := w.cmd.Wait()
	close(w.closed)

	w.closeMu.Lock()
	expected := w.stopping
	w.closeMu.Unlock()

	if expected {
		logger.Debugw("media worker stopped", "workerId", w.id)
		return
	}
	if w.onExit != nil {
		w.onExit(w.id, err)
	}
}
