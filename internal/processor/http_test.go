package processor

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	"golang.org/x/time/rate"

	"photo_pipeline/internal/domain"
)

type HTTPProcessorTestSuite struct {
	suite.Suite
	logger *slog.Logger
}

func (s *HTTPProcessorTestSuite) SetupSuite() {
	s.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPProcessorTestSuite(t *testing.T) {
	suite.Run(t, new(HTTPProcessorTestSuite))
}

func (s *HTTPProcessorTestSuite) serve(status int, body string) (*httptest.Server, *[]request) {
	var got []request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw struct {
			TaskID   uuid.UUID       `json:"task_id"`
			TaskType domain.TaskType `json:"task_type"`
			Input    json.RawMessage `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&raw); err == nil {
			in, _ := domain.DecodePayload(raw.TaskType, raw.Input)
			got = append(got, request{TaskID: raw.TaskID, TaskType: raw.TaskType, Input: in})
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	s.T().Cleanup(srv.Close)
	return srv, &got
}

func (s *HTTPProcessorTestSuite) TestProcess_Success() {
	srv, got := s.serve(http.StatusOK, `{"caption":"a dog on a beach","confidence":0.9}`)
	p := NewHTTPProcessor(domain.TaskTypeCaption, srv.URL, srv.Client(), nil, s.logger)
	id := uuid.New()
	input := domain.CaptionInput{PhotoID: 1, ImageKey: "a.jpg"}

	res, err := p.Process(context.Background(), id, input)
	s.Require().NoError(err)
	s.Equal(domain.CaptionResult{Caption: "a dog on a beach", Confidence: 0.9}, res)

	s.Require().Len(*got, 1)
	s.Equal(id, (*got)[0].TaskID)
	s.Equal(input, (*got)[0].Input)
}

func (s *HTTPProcessorTestSuite) TestProcess_StatusClassification() {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusTooManyRequests, false},
		{http.StatusRequestTimeout, false},
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusNotFound, true},
	}

	for _, tc := range cases {
		srv, _ := s.serve(tc.status, `{"error":"x"}`)
		p := NewHTTPProcessor(domain.TaskTypeTag, srv.URL, srv.Client(), nil, s.logger)

		_, err := p.Process(context.Background(), uuid.New(), domain.TagInput{PhotoID: 1, ImageKey: "a.jpg"})
		s.Require().Error(err, "status %d", tc.status)
		s.Equal(tc.permanent, domain.IsPermanent(err), "status %d", tc.status)
	}
}

func (s *HTTPProcessorTestSuite) TestProcess_NetworkErrorIsTransient() {
	srv, _ := s.serve(http.StatusOK, `{}`)
	url := srv.URL
	srv.Close()

	p := NewHTTPProcessor(domain.TaskTypeTag, url, nil, nil, s.logger)
	_, err := p.Process(context.Background(), uuid.New(), domain.TagInput{PhotoID: 1, ImageKey: "a.jpg"})
	s.Error(err)
	s.False(domain.IsPermanent(err))
}

func (s *HTTPProcessorTestSuite) TestProcess_WrongInputTypeIsPermanent() {
	p := NewHTTPProcessor(domain.TaskTypeEmbedding, "http://127.0.0.1:1", nil, nil, s.logger)

	_, err := p.Process(context.Background(), uuid.New(), domain.TagInput{PhotoID: 1, ImageKey: "a.jpg"})
	s.True(domain.IsPermanent(err))
}

func (s *HTTPProcessorTestSuite) TestProcess_RateLimitHonoursContext() {
	srv, got := s.serve(http.StatusOK, `{"labels":["a"]}`)
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	p := NewHTTPProcessor(domain.TaskTypeTag, srv.URL, srv.Client(), limiter, s.logger)
	input := domain.TagInput{PhotoID: 1, ImageKey: "a.jpg"}

	_, err := p.Process(context.Background(), uuid.New(), input)
	s.Require().NoError(err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Process(ctx, uuid.New(), input)
	s.Error(err)
	s.Len(*got, 1)
}

func (s *HTTPProcessorTestSuite) TestRegistry() {
	r := NewRegistry()
	p := NewHTTPProcessor(domain.TaskTypeTag, "http://x", nil, nil, s.logger)
	r.Register(domain.TaskTypeTag, p)
	r.Register(domain.TaskTypeCaption, p)

	got, ok := r.Lookup(domain.TaskTypeTag)
	s.True(ok)
	s.Same(p, got)

	_, ok = r.Lookup(domain.TaskTypeEmbedding)
	s.False(ok)

	s.Equal([]domain.TaskType{domain.TaskTypeCaption, domain.TaskTypeTag}, r.Types())
}

func (s *HTTPProcessorTestSuite) TestProcess_ReportsProgressOnSuccess() {
	srv, _ := s.serve(http.StatusOK, `{"caption":"a cat","confidence":0.5}`)
	p := NewHTTPProcessor(domain.TaskTypeCaption, srv.URL, srv.Client(), nil, s.logger)

	var reported []int64
	ctx := WithProgress(context.Background(), func(n int64) { reported = append(reported, n) })

	_, err := p.Process(ctx, uuid.New(), domain.CaptionInput{PhotoID: 1, ImageKey: "a.jpg"})
	s.Require().NoError(err)
	s.Equal([]int64{1}, reported)
}

func (s *HTTPProcessorTestSuite) TestProcess_NoProgressOnFailure() {
	srv, _ := s.serve(http.StatusBadRequest, `bad input`)
	p := NewHTTPProcessor(domain.TaskTypeCaption, srv.URL, srv.Client(), nil, s.logger)

	var reported []int64
	ctx := WithProgress(context.Background(), func(n int64) { reported = append(reported, n) })

	_, err := p.Process(ctx, uuid.New(), domain.CaptionInput{PhotoID: 1, ImageKey: "a.jpg"})
	s.Require().Error(err)
	s.Empty(reported)
}
