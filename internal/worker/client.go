package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andresmejia3/headcount/internal/protocol"
	"github.com/andresmejia3/headcount/internal/utils"
)

// DefaultTimeout bounds how long a caller waits for its response.
const DefaultTimeout = 15 * time.Second

var (
	ErrClientClosed = errors.New("worker client is closed")
	ErrWorkerExited = errors.New("worker exited")
	ErrTimeout      = errors.New("worker timed out")
)

// Result is a successful worker answer.
type Result struct {
	Count     int
	Annotated []byte // JPEG, nil when the worker does not annotate
}

// Client drives a persistent worker over its stdio. Many goroutines may call Count
// concurrently; requests are tagged with increasing ids and responses are routed back
// by id. The worker itself still handles them one at a time.
type Client struct {
	ID  int
	Cmd *utils.SafeCommand

	stdin   io.WriteCloser
	timeout time.Duration
	log     logrus.FieldLogger

	nextID  atomic.Int64
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Response
	closed  bool
	done    chan struct{}
}

// SpawnConfig describes the worker process.
type SpawnConfig struct {
	Path    string // executable, usually our own binary
	Args    []string
	Timeout time.Duration
}

// Spawn starts the worker process and attaches a client to it.
func Spawn(ctx context.Context, cfg SpawnConfig, log logrus.FieldLogger) (*Client, error) {
	logw := log.WithField("component", "worker").WriterLevel(logrus.InfoLevel)
	proc := utils.NewSafeCommand(ctx, logw, cfg.Path, cfg.Args...)

	stdin, err := proc.StdinPipe()
	if err != nil {
		logw.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		logw.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := proc.Start(); err != nil {
		logw.Close()
		return nil, fmt.Errorf("worker failed to start: %w", err)
	}

	c := NewClient(stdin, stdout, cfg.Timeout, log)
	c.Cmd = proc
	c.ID = proc.Process.Pid

	// Reap the child and report why it went away
	go func() {
		<-c.done
		err := proc.Wait()
		logw.Close()
		if err != nil && ctx.Err() == nil {
			log.WithError(err).WithField("stderr", proc.Stderr.String()).Error("worker exited")
		}
	}()

	log.WithField("pid", c.ID).Info("worker started")
	return c, nil
}

// NewClient attaches to an already running worker's pipes.
func NewClient(stdin io.WriteCloser, stdout io.Reader, timeout time.Duration, log logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		stdin:   stdin,
		timeout: timeout,
		log:     log,
		pending: make(map[string]chan protocol.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Count sends one JPEG (or PNG) image and waits for its person count.
func (c *Client) Count(ctx context.Context, img []byte) (Result, error) {
	id := protocol.IntID(c.nextID.Add(1))
	key := protocol.Key(id)

	line, err := json.Marshal(protocol.Request{
		ID:       id,
		Type:     protocol.TypeFrame,
		ImageB64: base64.StdEncoding.EncodeToString(img),
	})
	if err != nil {
		return Result{}, err
	}
	line = append(line, '\n')

	ch := make(chan protocol.Response, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, ErrClientClosed
	}
	c.pending[key] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	_, err = c.stdin.Write(line)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(key)
		return Result{}, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return toResult(resp)
	case <-timer.C:
		c.forget(key)
		return Result{}, ErrTimeout
	case <-ctx.Done():
		c.forget(key)
		return Result{}, ctx.Err()
	case <-c.done:
		// The reader may have delivered just before shutting down
		select {
		case resp := <-ch:
			return toResult(resp)
		default:
		}
		return Result{}, ErrWorkerExited
	}
}

func toResult(resp protocol.Response) (Result, error) {
	if resp.Error != "" {
		return Result{}, fmt.Errorf("worker error: %s", resp.Error)
	}
	if resp.Count == nil {
		return Result{}, fmt.Errorf("worker response has no count")
	}
	res := Result{Count: *resp.Count}
	if resp.AnnotatedB64 != "" {
		data, err := base64.StdEncoding.DecodeString(resp.AnnotatedB64)
		if err != nil {
			return Result{}, fmt.Errorf("bad annotated image: %w", err)
		}
		res.Annotated = data
	}
	return res, nil
}

func (c *Client) forget(key string) {
	c.mu.Lock()
	delete(c.pending, key)
	c.mu.Unlock()
}

// readLoop routes response lines to their waiting callers until stdout closes.
func (c *Client) readLoop(stdout io.Reader) {
	defer c.shutdown()

	r := bufio.NewReaderSize(stdout, megabyte)
	for {
		line, err := readLine(r, DefaultMaxLineBytes)
		if errors.Is(err, errLineTooLong) {
			c.log.Warn("dropping oversized worker response")
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.WithError(err).Warn("worker stdout read failed")
			}
			return
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.log.WithError(err).Warn("unparseable worker response")
			continue
		}

		key := protocol.Key(resp.ID)
		c.mu.Lock()
		ch, ok := c.pending[key]
		delete(c.pending, key)
		c.mu.Unlock()

		if !ok {
			c.log.WithFields(logrus.Fields{"id": key, "error": resp.Error}).Warn("response for unknown request")
			continue
		}
		ch <- resp
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.pending = map[string]chan protocol.Response{}
		close(c.done)
	}
	c.mu.Unlock()
}

// Close ends the worker's input, which makes it exit after the request in flight.
func (c *Client) Close() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}
	return c.stdin.Close()
}

// Done is closed once the worker's output has ended.
func (c *Client) Done() <-chan struct{} { return c.done }
