package intake

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/datapipe/internal/model"
)

func TestDecode_ProceedAliases(t *testing.T) {
	bodies := []string{
		`{"file_id": "tweets", "file_path": "uploads/tweets.csv", "ai": {"preferences": {"mode": "local"}, "local": [{"uid": "m1"}]}}`,
		`{"fileId": "tweets", "filePath": "uploads/tweets.csv", "aiConfig": {"preferences": {"mode": "local"}, "local": [{"uid": "m1"}]}}`,
		`{"datasetId": "tweets", "datasetPath": "uploads/tweets.csv", "aiConfig": {"preferences": {"mode": "local"}, "local": [{"uid": "m1"}]}}`,
	}
	for _, body := range bodies {
		msg, err := Decode(KindProceed, []byte(body))
		require.NoError(t, err, body)
		assert.Equal(t, "tweets", msg.DatasetID)
		assert.Equal(t, "uploads/tweets.csv", msg.SourcePath)
		require.NotNil(t, msg.AIConfig)
		assert.Equal(t, model.AIModeLocal, msg.AIConfig.Preferences.Mode)
		assert.Equal(t, "m1", msg.AIConfig.Local[0].UID)
	}
}

func TestDecode_EmptyAIConfigIsAbsent(t *testing.T) {
	msg, err := Decode(KindProceed, []byte(`{"file_path": "a.csv", "ai": {}}`))
	require.NoError(t, err)
	assert.Nil(t, msg.AIConfig)
}

func TestDecode_RetryStep(t *testing.T) {
	msg, err := Decode(KindRetryStep, []byte(`{"file_id": "t", "file_path": "t.csv", "last_event_step": " Appending_Collumns "}`))
	require.NoError(t, err)
	assert.Equal(t, model.StatusAugmenting, msg.ResumeMarker)

	msg, err = Decode(KindRetryStep, []byte(`{"datasetId": "t", "datasetPath": "t.csv", "resumeMarker": "process_cleaning_done"}`))
	require.NoError(t, err)
	assert.Equal(t, model.StatusCleaningDone, msg.ResumeMarker)
}

func TestDecode_HandleProcess(t *testing.T) {
	msg, err := Decode(KindHandleProcess, []byte(`{"fileId": "t", "event": "PAUSE"}`))
	require.NoError(t, err)
	assert.Equal(t, "pause", msg.Action)
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		kind string
		body string
	}{
		{"not json", KindProceed, `{nope`},
		{"array body", KindProceed, `[]`},
		{"missing path", KindProceed, `{"file_id": "t"}`},
		{"retry without step", KindRetryStep, `{"file_path": "t.csv"}`},
		{"control without event", KindHandleProcess, `{"file_id": "t"}`},
		{"control without id", KindHandleProcess, `{"event": "stop"}`},
		{"path not string", KindProceed, `{"file_path": 12}`},
		{"bad ai config", KindProceed, `{"file_path": "t.csv", "ai": {"local": "x"}}`},
		{"unknown kind", "delete_task", `{"file_id": "t"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, []byte(tt.body))
			var me *MalformedError
			require.True(t, errors.As(err, &me), "got %v", err)
			assert.Equal(t, tt.kind, me.Kind)
		})
	}
}
