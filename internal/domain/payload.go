package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskType selects the processor a task is dispatched to.
type TaskType string

const (
	TaskTypeCaption   TaskType = "caption"
	TaskTypeTag       TaskType = "tag"
	TaskTypeEmbedding TaskType = "embedding"
)

func (t TaskType) String() string { return string(t) }

func ParseTaskType(s string) (TaskType, error) {
	switch t := TaskType(s); t {
	case TaskTypeCaption, TaskTypeTag, TaskTypeEmbedding:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
	}
}

// Payload is the task-type specific processor input.
type Payload interface {
	TaskType() TaskType
	Photo() int64
	Validate() error
}

type CaptionInput struct {
	PhotoID   int64  `json:"photo_id"`
	ImageKey  string `json:"image_key"`
	MaxLength int    `json:"max_length,omitempty"`
}

func (CaptionInput) TaskType() TaskType { return TaskTypeCaption }
func (in CaptionInput) Photo() int64    { return in.PhotoID }
func (in CaptionInput) Validate() error { return validateLocator(in.PhotoID, in.ImageKey) }

type TagInput struct {
	PhotoID  int64  `json:"photo_id"`
	ImageKey string `json:"image_key"`
	MaxTags  int    `json:"max_tags,omitempty"`
}

func (TagInput) TaskType() TaskType { return TaskTypeTag }
func (in TagInput) Photo() int64    { return in.PhotoID }
func (in TagInput) Validate() error { return validateLocator(in.PhotoID, in.ImageKey) }

type EmbeddingInput struct {
	PhotoID  int64  `json:"photo_id"`
	ImageKey string `json:"image_key"`
	Model    string `json:"model,omitempty"`
}

func (EmbeddingInput) TaskType() TaskType { return TaskTypeEmbedding }
func (in EmbeddingInput) Photo() int64    { return in.PhotoID }
func (in EmbeddingInput) Validate() error { return validateLocator(in.PhotoID, in.ImageKey) }

func validateLocator(photoID int64, key string) error {
	if photoID <= 0 {
		return fmt.Errorf("%w: photo_id must be positive", ErrMalformedPayload)
	}
	if key == "" {
		return fmt.Errorf("%w: image_key is required", ErrMalformedPayload)
	}
	return nil
}

// NewPayload builds the input for taskType describing photo.
func NewPayload(taskType TaskType, photoID int64, imageKey string) (Payload, error) {
	switch taskType {
	case TaskTypeCaption:
		return CaptionInput{PhotoID: photoID, ImageKey: imageKey}, nil
	case TaskTypeTag:
		return TagInput{PhotoID: photoID, ImageKey: imageKey}, nil
	case TaskTypeEmbedding:
		return EmbeddingInput{PhotoID: photoID, ImageKey: imageKey}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
}

// DecodePayload parses raw into the payload variant for taskType.
func DecodePayload(taskType TaskType, raw json.RawMessage) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch taskType {
	case TaskTypeCaption:
		var in CaptionInput
		err = json.Unmarshal(raw, &in)
		p = in
	case TaskTypeTag:
		var in TagInput
		err = json.Unmarshal(raw, &in)
		p = in
	case TaskTypeEmbedding:
		var in EmbeddingInput
		err = json.Unmarshal(raw, &in)
		p = in
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Result is the task-type specific processor output.
type Result interface {
	TaskType() TaskType
}

type CaptionResult struct {
	Caption    string  `json:"caption"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (CaptionResult) TaskType() TaskType { return TaskTypeCaption }

type TagResult struct {
	Labels []string `json:"labels"`
}

func (TagResult) TaskType() TaskType { return TaskTypeTag }

type EmbeddingResult struct {
	Model  string    `json:"model"`
	Vector []float64 `json:"vector"`
}

func (EmbeddingResult) TaskType() TaskType { return TaskTypeEmbedding }

// DecodeResult parses raw into the result variant for taskType.
func DecodeResult(taskType TaskType, raw []byte) (Result, error) {
	switch taskType {
	case TaskTypeCaption:
		var r CaptionResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode caption result: %w", err)
		}
		return r, nil
	case TaskTypeTag:
		var r TagResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode tag result: %w", err)
		}
		return r, nil
	case TaskTypeEmbedding:
		var r EmbeddingResult
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("decode embedding result: %w", err)
		}
		return r, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
}

// JobMessage is the queue envelope for one task.
type JobMessage struct {
	TaskID     uuid.UUID       `json:"task_id"`
	TaskType   TaskType        `json:"task_type"`
	Name       string          `json:"name"`
	Total      *int64          `json:"total,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// DecodeJobMessage parses a queue body. Only the envelope is checked here; the
// payload is decoded once the task row exists so failures land in the ledger.
func DecodeJobMessage(body []byte) (JobMessage, error) {
	var msg JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return JobMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if msg.TaskID == uuid.Nil {
		return JobMessage{}, fmt.Errorf("%w: task_id is required", ErrMalformedPayload)
	}
	if msg.TaskType == "" {
		return JobMessage{}, fmt.Errorf("%w: task_type is required", ErrMalformedPayload)
	}
	return msg, nil
}
