package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"photo_pipeline/internal/domain"
)

const maxResponseSize = 8 << 20

type request struct {
	TaskID   uuid.UUID       `json:"task_id"`
	TaskType domain.TaskType `json:"task_type"`
	Input    domain.Payload  `json:"input"`
}

// HTTPProcessor posts the task input as JSON to an enrichment endpoint.
// Timeouts, 408, 429 and 5xx responses are transient; other non-2xx
// responses are permanent.
type HTTPProcessor struct {
	client   *http.Client
	url      string
	taskType domain.TaskType
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewHTTPProcessor returns a processor for taskType. A nil limiter disables
// rate limiting; a nil client uses http.DefaultClient.
func NewHTTPProcessor(taskType domain.TaskType, url string, client *http.Client, limiter *rate.Limiter, logger *slog.Logger) *HTTPProcessor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPProcessor{
		client:   client,
		url:      url,
		taskType: taskType,
		limiter:  limiter,
		logger:   logger.With("processor", taskType),
	}
}

func (p *HTTPProcessor) Process(ctx context.Context, taskID uuid.UUID, input domain.Payload) (domain.Result, error) {
	if input.TaskType() != p.taskType {
		return nil, domain.Permanentf("%s processor cannot handle %s input", p.taskType, input.TaskType())
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("wait for rate limit: %w", err)
		}
	}

	body, err := json.Marshal(request{TaskID: taskID, TaskType: p.taskType, Input: input})
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "PhotoPipeline/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(data, 256))
		if retryableStatus(resp.StatusCode) {
			return nil, err
		}
		return nil, domain.Permanent(err)
	}

	result, err := domain.DecodeResult(p.taskType, data)
	if err != nil {
		return nil, err
	}

	ReportProgress(ctx, 1)
	p.logger.Debug("processed", "task_id", taskID, "status", resp.StatusCode)
	return result, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
