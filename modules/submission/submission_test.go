package submission_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/submission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func window(v float64) biosession.CapturePacket {
	return biosession.CapturePacket{
		EEG: []biosession.EEGChannel{
			{Channel: biosession.EEG1, Values: []float64{v}},
			{Channel: biosession.EEG2, Values: []float64{v}},
			{Channel: biosession.EEG3, Values: []float64{v}},
			{Channel: biosession.EEG4, Values: []float64{v}},
		},
		PPG: []float64{v},
		HR:  []float64{70},
	}
}

func TestBuild_Valid(t *testing.T) {
	p, err := submission.NewBuilder("sess-1", "fb-1", "p-7").
		Context("usability", "baseline-then-tasks", "proj-3").
		Rest(window(0)).
		AddTask(submission.TaskResult{ID: "t1", Name: "login", Rating: 4}, window(1)).
		AddTask(submission.TaskResult{ID: "t2", Name: "checkout", Explanation: "confusing"}, window(2)).
		Build()
	require.NoError(t, err)

	assert.Equal(t, "sess-1", p.SessionID)
	assert.Equal(t, "proj-3", p.ProjectID)
	require.Len(t, p.Tasks, 2)
	assert.Equal(t, 4, p.Tasks[0].UserRating)
	assert.Equal(t, []float64{2}, p.Tasks[1].PPG)
}

func TestBuild_ReportsEveryProblem(t *testing.T) {
	_, err := submission.NewBuilder("", "fb-1", "").
		AddTask(submission.TaskResult{ID: "t1", Rating: 9}, window(1)).
		AddTask(submission.TaskResult{ID: "t1", Rating: 3}, window(1)).
		Build()
	require.Error(t, err)

	assert.True(t, errors.Is(err, submission.ErrMissingField))
	assert.True(t, errors.Is(err, submission.ErrMissingRest))
	assert.True(t, errors.Is(err, submission.ErrInvalidRating))
	assert.True(t, errors.Is(err, submission.ErrDuplicateTask))
}

func TestBuild_EmptyRest(t *testing.T) {
	_, err := submission.NewBuilder("s", "u", "p").Rest(biosession.CapturePacket{}).Build()
	assert.ErrorIs(t, err, submission.ErrEmptyRest)
}

func TestWriteJSON_WireShape(t *testing.T) {
	p, err := submission.NewBuilder("s", "u", "p").
		Rest(window(0)).
		AddTask(submission.TaskResult{ID: "t1", Name: "read", Rating: 5}, window(1)).
		Build()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, submission.WriteJSON(&buf, p))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	for _, key := range []string{"sessionId", "userFirebaseId", "participantId", "contextType", "restData", "tasks", "sessionRelation", "projectId"} {
		assert.Contains(t, decoded, key)
	}

	rest := decoded["restData"].(map[string]any)
	assert.Contains(t, rest, "eeg")
	assert.Contains(t, rest, "ppg")
	assert.Contains(t, rest, "hr")
	firstEEG := rest["eeg"].([]any)[0].(map[string]any)
	assert.Equal(t, "TP9", firstEEG["channel"])

	task := decoded["tasks"].([]any)[0].(map[string]any)
	assert.Equal(t, "t1", task["taskId"])
	assert.EqualValues(t, 5, task["userRating"])
	assert.NotContains(t, task, "explanation")
}
