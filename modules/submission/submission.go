// Package submission assembles the packet handed to the analysis backend.
//
// This package only builds and validates the payload. Transport, retries
// and failure handling of the submission belong to the caller.
package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/e7canasta/orion-biosense/modules/biosession"
)

// Validation errors, joined by Build.
var (
	ErrMissingField  = errors.New("submission: required field missing")
	ErrMissingRest   = errors.New("submission: rest baseline missing")
	ErrEmptyRest     = errors.New("submission: rest baseline has no samples")
	ErrDuplicateTask = errors.New("submission: duplicate task id")
	ErrInvalidRating = errors.New("submission: rating must be between 1 and 5")
)

// Rating bounds. Zero means the participant did not rate the task.
const (
	MinRating = 1
	MaxRating = 5
)

// Task is one task-scoped measurement.
type Task struct {
	TaskID      string                  `json:"taskId" msgpack:"taskId"`
	TaskName    string                  `json:"taskName" msgpack:"taskName"`
	UserRating  int                     `json:"userRating" msgpack:"userRating"`
	Explanation string                  `json:"explanation,omitempty" msgpack:"explanation,omitempty"`
	EEG         []biosession.EEGChannel `json:"eeg" msgpack:"eeg"`
	PPG         []float64               `json:"ppg" msgpack:"ppg"`
	HR          []float64               `json:"hr" msgpack:"hr"`
}

// Packet is the submission payload.
type Packet struct {
	SessionID       string                   `json:"sessionId" msgpack:"sessionId"`
	UserFirebaseID  string                   `json:"userFirebaseId" msgpack:"userFirebaseId"`
	ParticipantID   string                   `json:"participantId" msgpack:"participantId"`
	ContextType     string                   `json:"contextType" msgpack:"contextType"`
	RestData        biosession.CapturePacket `json:"restData" msgpack:"restData"`
	Tasks           []Task                   `json:"tasks" msgpack:"tasks"`
	SessionRelation string                   `json:"sessionRelation" msgpack:"sessionRelation"`
	ProjectID       string                   `json:"projectId" msgpack:"projectId"`
}

// TaskResult is the participant-facing part of a task entry.
type TaskResult struct {
	ID          string
	Name        string
	Rating      int
	Explanation string
}

// Builder collects a submission step by step; Build validates it.
type Builder struct {
	packet  Packet
	hasRest bool
	seen    map[string]bool
	errs    []error
}

// NewBuilder starts a submission for one participant session.
func NewBuilder(sessionID, userFirebaseID, participantID string) *Builder {
	return &Builder{
		packet: Packet{
			SessionID:      sessionID,
			UserFirebaseID: userFirebaseID,
			ParticipantID:  participantID,
			Tasks:          []Task{},
		},
		seen: make(map[string]bool),
	}
}

// Context sets the descriptive fields of the submission.
func (b *Builder) Context(contextType, sessionRelation, projectID string) *Builder {
	b.packet.ContextType = contextType
	b.packet.SessionRelation = sessionRelation
	b.packet.ProjectID = projectID
	return b
}

// Rest sets the rest baseline window.
func (b *Builder) Rest(p biosession.CapturePacket) *Builder {
	b.packet.RestData = p
	b.hasRest = true
	return b
}

// AddTask appends a task entry built from a drained window.
func (b *Builder) AddTask(r TaskResult, p biosession.CapturePacket) *Builder {
	switch {
	case r.ID == "":
		b.errs = append(b.errs, fmt.Errorf("%w: task id (task %q)", ErrMissingField, r.Name))
	case b.seen[r.ID]:
		b.errs = append(b.errs, fmt.Errorf("%w: %q", ErrDuplicateTask, r.ID))
	}
	if r.Rating != 0 && (r.Rating < MinRating || r.Rating > MaxRating) {
		b.errs = append(b.errs, fmt.Errorf("%w: task %q rated %d", ErrInvalidRating, r.ID, r.Rating))
	}
	if p.Empty() {
		slog.Warn("submission: task window has no samples", "task_id", r.ID)
	}

	b.seen[r.ID] = true
	b.packet.Tasks = append(b.packet.Tasks, Task{
		TaskID:      r.ID,
		TaskName:    r.Name,
		UserRating:  r.Rating,
		Explanation: r.Explanation,
		EEG:         p.EEG,
		PPG:         p.PPG,
		HR:          p.HR,
	})
	return b
}

// Build validates and returns the packet. All problems are reported at
// once, joined with errors.Join.
func (b *Builder) Build() (Packet, error) {
	errs := append([]error(nil), b.errs...)

	for name, v := range map[string]string{
		"sessionId":      b.packet.SessionID,
		"userFirebaseId": b.packet.UserFirebaseID,
		"participantId":  b.packet.ParticipantID,
	} {
		if v == "" {
			errs = append(errs, fmt.Errorf("%w: %s", ErrMissingField, name))
		}
	}

	switch {
	case !b.hasRest:
		errs = append(errs, ErrMissingRest)
	case b.packet.RestData.Empty():
		errs = append(errs, ErrEmptyRest)
	}

	if err := errors.Join(errs...); err != nil {
		return Packet{}, err
	}
	return b.packet, nil
}

// WriteJSON encodes p as indented JSON.
func WriteJSON(w io.Writer, p Packet) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(p); err != nil {
		return fmt.Errorf("submission: encode: %w", err)
	}
	return nil
}
