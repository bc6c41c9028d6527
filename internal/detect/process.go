package detect

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/andresmejia3/headcount/internal/types"
	"github.com/andresmejia3/headcount/internal/utils"
)

// ErrProcessBroken is returned once the reply channel can no longer be trusted to be in step.
var ErrProcessBroken = errors.New("model server connection broken")

// maxResponseBytes caps a single model reply so a corrupt length header cannot OOM us.
const maxResponseBytes = 16 << 20

// ProcessConfig describes how to launch the external model server.
type ProcessConfig struct {
	Python string // interpreter, e.g. "python3"
	Script string // model server entrypoint
	Model  string // weights name or path, loaded once at startup
	Device string
}

type modelRequest struct {
	Image   []byte  `msgpack:"image"`
	Conf    float64 `msgpack:"conf"`
	Classes []int   `msgpack:"classes"`
	Device  string  `msgpack:"device"`
}

type modelDetection struct {
	XYXY []float64 `msgpack:"xyxy"`
	Conf float64   `msgpack:"conf"`
	Cls  int       `msgpack:"cls"`
	Name string    `msgpack:"name"`
}

type modelResponse struct {
	Detections []modelDetection `msgpack:"detections"`
	Error      string           `msgpack:"error"`
}

// Process is a Detector backed by a long-lived model server subprocess.
// Requests go over stdin and replies come back over a dedicated pipe (FD 3),
// both framed as [uint32 big-endian length][msgpack body].
type Process struct {
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	model  string
	logw   *io.PipeWriter
	mu     sync.Mutex
	broken error
}

// StartProcess launches the model server. Weights are loaded once by the child.
func StartProcess(ctx context.Context, cfg ProcessConfig, log logrus.FieldLogger) (*Process, error) {
	args := []string{"-u", cfg.Script, "--model", cfg.Model}
	if cfg.Device != "" {
		args = append(args, "--device", cfg.Device)
	}

	// Child logs go to our logger at debug level and into the crash tail.
	logw := log.WithField("component", "model").WriterLevel(logrus.DebugLevel)
	py := utils.NewSafeCommand(ctx, logw, cfg.Python, args...)

	// Create a side-channel pipe (FD 3) so stray prints on stdout never corrupt replies
	r, w, err := os.Pipe()
	if err != nil {
		logw.Close()
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	py.Cmd.ExtraFiles = []*os.File{w}
	// Ctrl+C stops the pipeline between frames; the model is shut down through Close
	utils.OwnProcessGroup(py.Cmd)

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		logw.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close()
		r.Close()
		logw.Close()
		return nil, fmt.Errorf("model server failed to start: %w", err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	log.WithFields(logrus.Fields{"model": cfg.Model, "device": cfg.Device, "pid": py.Process.Pid}).Info("model server started")

	return &Process{
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
		model:    cfg.Model,
		logw:     logw,
	}, nil
}

// Name returns the model identity.
func (p *Process) Name() string { return p.model }

// Detect encodes img as JPEG and runs one request/response exchange.
func (p *Process) Detect(ctx context.Context, img image.Image, params Params) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("encode frame for model: %w", err)
	}

	body, err := msgpack.Marshal(&modelRequest{
		Image:   buf.Bytes(),
		Conf:    params.Confidence,
		Classes: params.Classes,
		Device:  params.Device,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal model request: %w", err)
	}

	p.mu.Lock()
	reply, err := p.Communicate(body)
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("model server: %w", err)
	}

	var resp modelResponse
	if err := msgpack.Unmarshal(reply, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal model response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("model error: %s", resp.Error)
	}

	dets := make([]types.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		if len(d.XYXY) != 4 {
			continue
		}
		dets = append(dets, types.Detection{
			Box: types.Box{
				X1: int(d.XYXY[0]),
				Y1: int(d.XYXY[1]),
				X2: int(d.XYXY[2]),
				Y2: int(d.XYXY[3]),
			},
			Confidence: d.Conf,
			ClassID:    d.Cls,
			ClassName:  d.Name,
		})
	}
	return dets, nil
}

// Communicate writes one framed request and reads one framed reply.
// A reply over the size limit is discarded so the next exchange starts on a frame
// boundary. Any partial read or write leaves the Process broken and later calls fail fast.
func (p *Process) Communicate(data []byte) ([]byte, error) {
	if p.broken != nil {
		return nil, fmt.Errorf("%w: %v", ErrProcessBroken, p.broken)
	}

	// Protocol: [Length][Data]
	if err := binary.Write(p.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, p.fail(err)
	}
	if _, err := p.Stdin.Write(data); err != nil {
		return nil, p.fail(err)
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(p.DataPipe, header); err != nil {
		return nil, p.fail(err) // a crashed child shows up here
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseBytes {
		if _, err := io.CopyN(io.Discard, p.DataPipe, int64(respLen)); err != nil {
			return nil, p.fail(err)
		}
		return nil, fmt.Errorf("reply of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(p.DataPipe, respBody); err != nil {
		return nil, p.fail(err)
	}
	return respBody, nil
}

func (p *Process) fail(err error) error {
	p.broken = err
	return err
}

// Close shuts stdin so the child exits, then reaps it.
func (p *Process) Close() error {
	p.Stdin.Close()
	p.DataPipe.Close()
	var err error
	if p.Cmd != nil {
		err = p.Cmd.Wait()
	}
	if p.logw != nil {
		p.logw.Close()
	}
	return err
}
