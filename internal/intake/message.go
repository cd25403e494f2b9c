package intake

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapipe/internal/model"
)

// Work item kinds. They double as routing keys on the task exchange.
const (
	KindProceed       = "proceed_task"
	KindRetryStep     = "retry_step"
	KindHandleProcess = "handle_process"
)

// Field aliases accepted on inbound messages. The upload service sends
// snake_case, the web console camelCase, and older clients the generic
// dataset* names.
var (
	datasetIDKeys = []string{"file_id", "fileId", "datasetId", "dataset_id"}
	pathKeys      = []string{"file_path", "filePath", "datasetPath", "dataset_path"}
	aiKeys        = []string{"ai", "aiConfig", "ai_config"}
	markerKeys    = []string{"last_event_step", "lastEventStep", "resumeMarker", "resume_marker"}
	actionKeys    = []string{"event", "action"}
)

// Message is a decoded work or control item.
type Message struct {
	Kind         string
	DatasetID    string
	SourcePath   string
	AIConfig     *model.AIConfig
	ResumeMarker model.Status
	Action       string
}

// Decode parses body for the given kind and checks the fields the kind
// requires. Every error returned is a MalformedError.
func Decode(kind string, body []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, malformed(kind, eris.Wrap(err, "intake: decode body"))
	}

	msg := &Message{Kind: kind}
	var err error
	if msg.DatasetID, err = stringField(fields, datasetIDKeys); err != nil {
		return nil, malformed(kind, err)
	}
	if msg.SourcePath, err = stringField(fields, pathKeys); err != nil {
		return nil, malformed(kind, err)
	}
	marker, err := stringField(fields, markerKeys)
	if err != nil {
		return nil, malformed(kind, err)
	}
	msg.ResumeMarker = model.ParseStatus(marker)
	action, err := stringField(fields, actionKeys)
	if err != nil {
		return nil, malformed(kind, err)
	}
	msg.Action = strings.ToLower(strings.TrimSpace(action))

	if raw, ok := first(fields, aiKeys); ok && !isEmpty(raw) {
		var cfg model.AIConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, malformed(kind, eris.Wrap(err, "intake: decode ai config"))
		}
		msg.AIConfig = &cfg
	}

	switch kind {
	case KindProceed:
		if msg.SourcePath == "" {
			return nil, malformed(kind, eris.New("intake: missing file path"))
		}
	case KindRetryStep:
		if msg.SourcePath == "" || msg.ResumeMarker == "" {
			return nil, malformed(kind, eris.New("intake: missing file path or last event step"))
		}
	case KindHandleProcess:
		if msg.DatasetID == "" || msg.Action == "" {
			return nil, malformed(kind, eris.New("intake: missing file id or event"))
		}
	default:
		return nil, malformed(kind, eris.Errorf("intake: unknown kind %q", kind))
	}
	return msg, nil
}

func first(fields map[string]json.RawMessage, keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if raw, ok := fields[k]; ok {
			return raw, true
		}
	}
	return nil, false
}

func stringField(fields map[string]json.RawMessage, keys []string) (string, error) {
	raw, ok := first(fields, keys)
	if !ok || isEmpty(raw) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", eris.Wrapf(err, "intake: field %s must be a string", keys[0])
	}
	return strings.TrimSpace(s), nil
}

func isEmpty(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == "{}"
}
