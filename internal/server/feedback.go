package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"chatrelay/internal/models"
)

// FeedbackLog appends one newline-delimited JSON record per feedback
// call. Append-only; records are never rewritten.
type FeedbackLog struct {
	mu   sync.Mutex
	path string
}

// NewFeedbackLog targets the given NDJSON file, created on first write.
func NewFeedbackLog(path string) *FeedbackLog {
	return &FeedbackLog{path: path}
}

type feedbackRecord struct {
	MessageID string    `json:"messageId"`
	Feedback  string    `json:"feedback"`
	Content   string    `json:"content"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}

// Append writes a single record. The file is opened per call so external
// log rotation never strands a handle.
func (l *FeedbackLog) Append(rec feedbackRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open feedback log %q: %w", l.path, err)
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal feedback record: %w", err)
	}
	line = append(line, '\n')

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append feedback record: %w", err)
	}
	return nil
}

func (s *Server) handleFeedback(c echo.Context) error {
	var req models.FeedbackRequest
	if err := decodeRequestBody(c, &req); err != nil {
		return err
	}

	if req.MessageID == "" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "messageId is required",
			Type:    "invalid_request_error",
		}
	}
	if req.Feedback != "up" && req.Feedback != "down" {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: `feedback must be "up" or "down"`,
			Type:    "invalid_request_error",
		}
	}

	rec := feedbackRecord{
		MessageID: req.MessageID,
		Feedback:  req.Feedback,
		Content:   req.Content,
		Prompt:    req.Prompt,
		Timestamp: time.Now().UTC(),
	}
	if err := s.feedback.Append(rec); err != nil {
		return fmt.Errorf("store feedback: %w", err)
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
