package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeConvertPDF = "pdf:convert"

type ConvertPDFPayload struct {
	JobID       string    `json:"job_id"`
	ObjectKey   string    `json:"object_key"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewConvertPDFTask(payload ConvertPDFPayload) (*asynq.Task, error) {
	if strings.TrimSpace(payload.JobID) == "" || strings.TrimSpace(payload.ObjectKey) == "" {
		return nil, fmt.Errorf("convert payload requires job_id and object_key")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal convert payload: %w", err)
	}
	return asynq.NewTask(TypeConvertPDF, body), nil
}

func ParseConvertPDFPayload(task *asynq.Task) (ConvertPDFPayload, error) {
	var payload ConvertPDFPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConvertPDFPayload{}, fmt.Errorf("unmarshal convert payload: %w", err)
	}
	if payload.JobID == "" || payload.ObjectKey == "" {
		return ConvertPDFPayload{}, fmt.Errorf("convert payload missing job_id or object_key")
	}
	return payload, nil
}
