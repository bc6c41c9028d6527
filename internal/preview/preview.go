package preview

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const boundary = "frame"

const page = `<!doctype html><html><head><title>headcount preview</title></head>
<body style="margin:0;background:#111;text-align:center">
<img src="/stream" style="max-width:100%">
<form method="post" action="/stop"><button>Stop</button></form>
</body></html>`

// Server shows annotated frames as an MJPEG stream. Publishing never blocks:
// frames are encoded only when someone is watching and dropped for slow viewers.
type Server struct {
	stop    context.CancelFunc
	logger  logrus.FieldLogger
	quality int

	mu      sync.Mutex
	viewers map[chan []byte]struct{}
}

// New returns a preview whose POST /stop calls stop.
func New(stop context.CancelFunc, logger logrus.FieldLogger) *Server {
	return &Server{
		stop:    stop,
		logger:  logger.WithField("component", "preview"),
		quality: 75,
		viewers: make(map[chan []byte]struct{}),
	}
}

// Publish offers a frame to current viewers.
func (s *Server) Publish(img image.Image) {
	s.mu.Lock()
	n := len(s.viewers)
	s.mu.Unlock()
	if n == 0 {
		return
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
		s.logger.WithError(err).Debug("preview encode failed")
		return
	}
	frame := buf.Bytes()

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.viewers {
		select {
		case ch <- frame:
		default:
		}
	}
}

// Viewers returns the number of connected streams.
func (s *Server) Viewers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.viewers)
}

// RegisterRoutes exposes the page, the stream and the stop button.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	r.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
	})
	r.GET("/stream", s.stream)
	r.POST("/stop", func(c *gin.Context) {
		s.logger.Info("stop requested from preview")
		s.stop()
		c.String(http.StatusAccepted, "stopping")
	})
}

func (s *Server) stream(c *gin.Context) {
	ch := make(chan []byte, 2)
	s.mu.Lock()
	s.viewers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.viewers, ch)
		s.mu.Unlock()
	}()

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+boundary)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	// Send headers now so viewers connect before the first frame
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case frame := <-ch:
			fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(frame))
			w.Write(frame)
			io.WriteString(w, "\r\n")
			return true
		}
	})
}

// Handler returns a gin engine serving the preview.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	s.RegisterRoutes(r)
	return r
}
