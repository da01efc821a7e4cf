package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/kiro-box/internal/kiro"
	"github.com/tingly-dev/kiro-box/internal/protocol"
)

const generatePath = "/generateAssistantResponse"

// validationEntry mirrors the FastAPI error shape many OpenAI clients
// already know how to render.
type validationEntry struct {
	Loc  []string `json:"loc"`
	Msg  string   `json:"msg"`
	Type string   `json:"type"`
}

// handleChatCompletions serves POST /v1/chat/completions.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var req protocol.ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": validationDetail(err)})
		return
	}

	s.debug.PrepareNewRequest()
	defer s.debug.Release()
	s.debug.LogRequestBody(req)

	payload, err := kiro.BuildPayload(&req, s.payloadOptions())
	if err != nil {
		if errors.Is(err, kiro.ErrNoMessages) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []validationEntry{
				{Loc: []string{"body", "messages"}, Msg: "no messages to send", Type: "value_error"},
			}})
			return
		}
		logrus.Errorf("payload build failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{Message: "failed to build upstream request", Type: "internal_error"},
		})
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		logrus.Errorf("payload marshal failed: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{Message: "failed to encode upstream request", Type: "internal_error"},
		})
		return
	}
	s.debug.LogKiroRequestBody(body)

	resp, err := s.driver.Do(c.Request.Context(), http.MethodPost, s.generateURL(), body)
	if err != nil {
		s.writeUpstreamError(c, err)
		return
	}
	defer resp.Body.Close()

	maxInput := s.modelCache.MaxInputTokens(req.Model)
	t := newTranscoder(req.Model, maxInput)
	upstream := io.TeeReader(resp.Body, rawDumpWriter{s.debug})

	if req.Stream {
		s.streamResponse(c, t, upstream)
		return
	}

	col := newCollector()
	if err := t.Run(upstream, col.consume); err != nil {
		logrus.Errorf("upstream stream failed: %v", err)
		s.writeUpstreamError(c, err)
		return
	}
	col.setContent(t.finalContent())
	c.JSON(http.StatusOK, col.response())
}

// streamResponse renders the transcoded chunks as SSE. Once the first
// chunk is flushed, errors can only truncate the stream; the terminal
// [DONE] marker is always written.
func (s *Server) streamResponse(c *gin.Context, t *transcoder, upstream io.Reader) {
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error: ErrorDetail{
				Message: "Streaming not supported by this connection",
				Type:    "api_error",
				Code:    "streaming_unsupported",
			},
		})
		return
	}

	ctx := c.Request.Context()
	clientGone := false
	err := t.Run(upstream, func(chunk map[string]interface{}) bool {
		select {
		case <-ctx.Done():
			logrus.Debug("client disconnected, stopping stream")
			clientGone = true
			return false
		default:
		}
		data, err := json.Marshal(chunk)
		if err != nil {
			logrus.Errorf("failed to marshal chunk: %v", err)
			return true
		}
		line := append(append([]byte("data: "), data...), '\n', '\n')
		if _, err := c.Writer.Write(line); err != nil {
			logrus.Debugf("client write failed, stopping stream: %v", err)
			clientGone = true
			return false
		}
		s.debug.LogModifiedChunk(line)
		flusher.Flush()
		return true
	})
	if err != nil {
		logrus.Errorf("upstream stream failed mid-flight: %v", err)
	}
	if clientGone {
		return
	}

	c.Writer.Write([]byte("data: [DONE]\n\n"))
	s.debug.LogModifiedChunk([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

// writeUpstreamError maps driver errors onto client-visible statuses.
func (s *Server) writeUpstreamError(c *gin.Context, err error) {
	var authErr *kiro.AuthError
	var upstreamErr *kiro.UpstreamError

	switch {
	case errors.As(err, &authErr):
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error: ErrorDetail{Message: authErr.Error(), Type: "authentication_error"},
		})
	case errors.As(err, &upstreamErr):
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Message: "upstream rejected the request: " + upstreamErr.Body,
				Type:    "upstream_error",
				Code:    http.StatusText(upstreamErr.StatusCode),
			},
		})
	case errors.Is(err, kiro.ErrUpstreamUnavailable):
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error: ErrorDetail{Message: "upstream unavailable after retries", Type: "upstream_error"},
		})
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		c.JSON(http.StatusGatewayTimeout, ErrorResponse{
			Error: ErrorDetail{Message: "upstream request timed out", Type: "timeout_error"},
		})
	case errors.Is(err, context.Canceled):
		// Client went away; there is nobody to answer.
		c.Abort()
	default:
		logrus.Errorf("unmapped upstream error: %v", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{Message: "upstream request failed", Type: "upstream_error"},
		})
	}
}

// validationDetail converts binding errors into per-field entries. Error
// text is forced to valid UTF-8: binding errors can quote raw request
// bytes.
func validationDetail(err error) []validationEntry {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		entries := make([]validationEntry, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			entries = append(entries, validationEntry{
				Loc:  []string{"body", strings.ToLower(fe.Field())},
				Msg:  strings.ToValidUTF8(fe.Error(), "�"),
				Type: "value_error." + fe.Tag(),
			})
		}
		return entries
	}
	return []validationEntry{{
		Loc:  []string{"body"},
		Msg:  strings.ToValidUTF8(err.Error(), "�"),
		Type: "value_error",
	}}
}

// rawDumpWriter adapts the debug recorder to io.Writer for tee-ing the
// raw upstream body.
type rawDumpWriter struct {
	rec *DebugRecorder
}

func (w rawDumpWriter) Write(p []byte) (int, error) {
	w.rec.LogRawChunk(p)
	return len(p), nil
}
