package mediaworker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/leapcast/leap-server/pkg/logger"
	"github.com/leapcast/leap-server/pkg/media"
)

const maxFrameSize = 1024 * 1024

// Serve runs the newline-delimited JSON control protocol over the given
// reader and writer, dispatching each request to the engine. It announces
// readiness with a "running" notification, then processes requests serially
// until the reader is closed or the context is cancelled. A closed reader
// means the parent is gone, so returning ends the process.
func Serve(ctx context.Context, engine *Engine, in io.Reader, out io.Writer) error {
	ch := &channel{out: out}
	if err := ch.notify(media.EventWorkerRunning, nil); err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		req := &media.Request{}
		if err := json.Unmarshal(line, req); err != nil {
			logger.Warnw("could not parse request frame", err)
			continue
		}

		res := &media.Response{ID: req.ID}
		result, err := engine.Handle(req.Method, req.Data)
		if err != nil {
			logger.Warnw("request failed", err, "method", req.Method)
			res.Error = err.Error()
		} else {
			res.OK = true
			if result != nil {
				if res.Data, err = json.Marshal(result); err != nil {
					res.OK = false
					res.Error = err.Error()
				}
			}
		}
		if err = ch.write(res); err != nil {
			return err
		}
	}
	return scanner.Err()
}

type channel struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *channel) write(v interface{}) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err = c.out.Write(frame); err != nil {
		return err
	}
	_, err = c.out.Write([]byte{'\n'})
	return err
}

func (c *channel) notify(event string, data interface{}) error {
	var raw json.RawMessage
	if data != nil {
		var err error
		if raw, err = json.Marshal(data); err != nil {
			return err
		}
	}
	return c.write(&media.Notification{Event: event, Data: raw})
}
