package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
)

type TaskTestSuite struct {
	suite.Suite
	now time.Time
}

func (s *TaskTestSuite) SetupTest() {
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

func TestTaskTestSuite(t *testing.T) {
	suite.Run(t, new(TaskTestSuite))
}

func (s *TaskTestSuite) newTask(total *int64) *Task {
	return NewTask(uuid.New(), "caption photo 1", TaskTypeCaption, total, nil, s.now)
}

func (s *TaskTestSuite) TestNewTask_Queued() {
	task := s.newTask(nil)

	s.Equal(TaskStatusQueued, task.Status)
	s.Nil(task.StartedAt)
	s.Nil(task.CompletedAt)
	s.NotNil(task.Metadata)
}

func (s *TaskTestSuite) TestLifecycle_Succeed() {
	total := int64(4)
	task := s.newTask(&total)

	s.Require().NoError(task.Start(s.now))
	s.Equal(TaskStatusRunning, task.Status)
	s.Equal(s.now, *task.StartedAt)

	s.Require().NoError(task.SetProgress(2))
	s.Equal(50, task.Progress)

	s.Require().NoError(task.Succeed(s.now.Add(time.Second), CaptionResult{Caption: "a dog"}))
	s.Equal(TaskStatusSucceeded, task.Status)
	s.Equal(total, task.Processed)
	s.Equal(100, task.Progress)
	s.NotNil(task.CompletedAt)
	s.Equal(CaptionResult{Caption: "a dog"}, task.Metadata["result"])
}

func (s *TaskTestSuite) TestLifecycle_Fail() {
	task := s.newTask(nil)

	s.Require().NoError(task.Start(s.now))
	s.Require().NoError(task.RecordAttempt("boom"))
	s.Require().NoError(task.Fail(s.now, "boom"))

	s.Equal(TaskStatusFailed, task.Status)
	s.Equal("boom", *task.ErrorMessage)
	s.Equal(1, task.Attempts)
	s.NotNil(task.CompletedAt)
}

func (s *TaskTestSuite) TestStart_RejectsRunning() {
	task := s.newTask(nil)
	s.Require().NoError(task.Start(s.now))

	err := task.Start(s.now)
	s.ErrorIs(err, ErrInvalidTransition)
}

func (s *TaskTestSuite) TestTerminal_NoExit() {
	task := s.newTask(nil)
	s.Require().NoError(task.Start(s.now))
	s.Require().NoError(task.Succeed(s.now, nil))

	s.ErrorIs(task.Fail(s.now, "late"), ErrInvalidTransition)
	s.ErrorIs(task.Start(s.now), ErrInvalidTransition)
	s.ErrorIs(task.SetProgress(1), ErrInvalidTransition)
	s.ErrorIs(task.RecordAttempt("late"), ErrInvalidTransition)
	s.Equal(TaskStatusSucceeded, task.Status)
}

func (s *TaskTestSuite) TestQueued_CannotFinish() {
	task := s.newTask(nil)

	s.ErrorIs(task.Succeed(s.now, nil), ErrInvalidTransition)
	s.ErrorIs(task.Fail(s.now, "x"), ErrInvalidTransition)
	s.Nil(task.CompletedAt)
}

func (s *TaskTestSuite) TestSetProgress_BoundedByTotal() {
	total := int64(3)
	task := s.newTask(&total)
	s.Require().NoError(task.Start(s.now))

	s.ErrorIs(task.SetProgress(4), ErrProgressOutOfRange)
	s.ErrorIs(task.SetProgress(-1), ErrProgressOutOfRange)
	s.Equal(int64(0), task.Processed)
	s.NoError(task.SetProgress(3))
}

func (s *TaskTestSuite) TestStatusTransitions() {
	all := []TaskStatus{TaskStatusQueued, TaskStatusRunning, TaskStatusSucceeded, TaskStatusFailed}
	allowed := map[[2]TaskStatus]bool{
		{TaskStatusQueued, TaskStatusRunning}:    true,
		{TaskStatusRunning, TaskStatusSucceeded}: true,
		{TaskStatusRunning, TaskStatusFailed}:    true,
	}
	for _, from := range all {
		for _, to := range all {
			s.Equal(allowed[[2]TaskStatus{from, to}], from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func (s *TaskTestSuite) TestMetadata_ScanValue() {
	m := Metadata{"photo_id": float64(7), "last_error": "x"}
	v, err := m.Value()
	s.Require().NoError(err)

	var out Metadata
	s.Require().NoError(out.Scan(v))
	s.Equal(m, out)

	s.Require().NoError(out.Scan(nil))
	s.Empty(out)
}

func (s *TaskTestSuite) TestFilter_NormalizedLimit() {
	s.Equal(DefaultTaskLimit, TaskFilter{}.NormalizedLimit())
	s.Equal(MaxTaskLimit, TaskFilter{Limit: 10_000}.NormalizedLimit())
	s.Equal(20, TaskFilter{Limit: 20}.NormalizedLimit())
}

func (s *TaskTestSuite) TestDecodePayload() {
	p, err := DecodePayload(TaskTypeTag, json.RawMessage(`{"photo_id":3,"image_key":"a/b.jpg","max_tags":5}`))
	s.Require().NoError(err)
	s.Equal(TagInput{PhotoID: 3, ImageKey: "a/b.jpg", MaxTags: 5}, p)

	_, err = DecodePayload(TaskType("ocr"), json.RawMessage(`{}`))
	s.ErrorIs(err, ErrUnknownTaskType)
	s.True(IsPermanent(err))

	_, err = DecodePayload(TaskTypeCaption, json.RawMessage(`{"photo_id":"x"}`))
	s.ErrorIs(err, ErrMalformedPayload)

	_, err = DecodePayload(TaskTypeEmbedding, json.RawMessage(`{"photo_id":1}`))
	s.ErrorIs(err, ErrMalformedPayload)
}

func (s *TaskTestSuite) TestDecodeJobMessage() {
	id := uuid.New()
	body := fmt.Sprintf(`{"task_id":%q,"task_type":"caption","payload":{"photo_id":1,"image_key":"k"}}`, id)

	msg, err := DecodeJobMessage([]byte(body))
	s.Require().NoError(err)
	s.Equal(id, msg.TaskID)
	s.Equal(TaskTypeCaption, msg.TaskType)

	_, err = DecodeJobMessage([]byte(`{"task_type":"caption"}`))
	s.ErrorIs(err, ErrMalformedPayload)

	_, err = DecodeJobMessage([]byte(`not json`))
	s.ErrorIs(err, ErrMalformedPayload)
}

func (s *TaskTestSuite) TestIsPermanent() {
	s.False(IsPermanent(nil))
	s.False(IsPermanent(errors.New("timeout")))
	s.True(IsPermanent(Permanent(errors.New("bad request"))))
	s.True(IsPermanent(fmt.Errorf("wrapped: %w", Permanentf("status %d", 400))))
	s.Nil(Permanent(nil))
}
