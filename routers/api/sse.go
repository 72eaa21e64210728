package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"PictureBook-server/apierr"
	"PictureBook-server/service"

	"github.com/gin-gonic/gin"
)

type sseProgress struct {
	Type     string `json:"type"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
}

type sseComplete struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type sseError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// sseStream 以 `data: {json}\n\n` 帧推送分析进度，结尾恰好一条 complete 或 error
type sseStream struct {
	c       *gin.Context
	flusher http.Flusher
}

func startSSE(c *gin.Context) *sseStream {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	s := &sseStream{c: c}
	if f, ok := c.Writer.(http.Flusher); ok {
		s.flusher = f
	}
	s.flush()
	return s
}

func (s *sseStream) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *sseStream) send(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.c.Writer, "data: %s\n\n", b); err != nil {
		return
	}
	s.flush()
}

func (s *sseStream) progress(p service.Progress) {
	s.send(sseProgress{Type: "progress", Progress: p.Percent, Message: p.Message})
}

func (s *sseStream) complete(data interface{}) {
	s.send(sseComplete{Type: "complete", Data: data})
}

func (s *sseStream) fail(err error) {
	e := apierr.From(err)
	s.send(sseError{Type: "error", Error: e.Message, Code: e.Code})
}
