package annotate

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ResultKind discriminates decoded endpoint replies.
type ResultKind int

const (
	// ResultOK carries at least one non-empty annotation array.
	ResultOK ResultKind = iota
	// ResultMalformed is a reply that is not JSON or has an unusable shape.
	ResultMalformed
	// ResultEmpty is well-formed JSON with no annotations at all.
	ResultEmpty
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultMalformed:
		return "malformed"
	case ResultEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// Default values used to pad short arrays and fill exhausted batches.
const (
	DefaultSentiment = "neutral"
	DefaultPriority  = 0
	DefaultTopic     = "general"
)

// Result is a decoded annotation reply.
type Result struct {
	Kind       ResultKind
	Sentiments []string
	Priorities []int
	Topics     []string
	Reason     string
}

// Fit pads or truncates every array to n rows.
func (r Result) Fit(n int) Result {
	out := Result{Kind: r.Kind, Reason: r.Reason}
	out.Sentiments = fitStrings(r.Sentiments, n, DefaultSentiment)
	out.Topics = fitStrings(r.Topics, n, DefaultTopic)
	out.Priorities = make([]int, n)
	for i := range out.Priorities {
		if i < len(r.Priorities) {
			out.Priorities[i] = r.Priorities[i]
		} else {
			out.Priorities[i] = DefaultPriority
		}
	}
	return out
}

// Defaults returns a result of n default rows.
func Defaults(n int) Result {
	return Result{Kind: ResultOK}.Fit(n)
}

func fitStrings(in []string, n int, def string) []string {
	out := make([]string, n)
	for i := range out {
		if i < len(in) {
			out[i] = in[i]
		} else {
			out[i] = def
		}
	}
	return out
}

// Decode parses the endpoint's textual reply. Accepted shapes:
//
//	{"data": {"sentiment": [...], "priority": [...], "topic": [...]}}
//	{"sentiment": [...], "priority": [...], "topic": [...]}
//	{"data": [{"sentiment": ..., "priority": ..., "topic": ...}, ...]}
//	[{"sentiment": ..., ...}, ...]
//
// "analysis" is accepted for sentiment and "topics" for topic. Text around
// the JSON object is ignored.
func Decode(content string) Result {
	raw, ok := extractJSON(content)
	if !ok {
		return Result{Kind: ResultMalformed, Reason: "reply is not JSON"}
	}

	var data any = raw
	if obj, isObj := raw.(map[string]any); isObj {
		if d, has := obj["data"]; has {
			data = d
		}
	}

	var r Result
	switch v := data.(type) {
	case map[string]any:
		r.Sentiments = toStrings(firstList(v, "sentiment", "analysis"))
		r.Priorities = toPriorities(firstList(v, "priority"))
		r.Topics = toStrings(firstList(v, "topic", "topics"))
	case []any:
		r = aggregateRows(v)
	default:
		return Result{Kind: ResultMalformed, Reason: fmt.Sprintf("unexpected data type %T", data)}
	}

	if len(r.Sentiments) == 0 && len(r.Priorities) == 0 && len(r.Topics) == 0 {
		return Result{Kind: ResultEmpty, Reason: "no annotations in reply"}
	}
	r.Kind = ResultOK
	return r
}

func extractJSON(content string) (any, bool) {
	s := strings.TrimSpace(content)
	if s == "" {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v, true
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return nil, false
	}
	return v, true
}

// firstList returns the first key holding a list. Non-list values count as
// missing.
func firstList(m map[string]any, keys ...string) []any {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if list, isList := v.([]any); isList && len(list) > 0 {
				return list
			}
		}
	}
	return nil
}

func aggregateRows(rows []any) Result {
	var r Result
	for _, item := range rows {
		obj, ok := item.(map[string]any)
		if !ok {
			if item != nil {
				r.Sentiments = append(r.Sentiments, stringify(item))
			}
			continue
		}
		r.Sentiments = appendValues(r.Sentiments, obj["sentiment"], stringify)
		r.Priorities = appendValues(r.Priorities, obj["priority"], NormalizePriority)
		topic := obj["topic"]
		if topic == nil {
			topic = obj["topics"]
		}
		r.Topics = appendValues(r.Topics, topic, stringify)
	}
	return r
}

func appendValues[T any](dst []T, v any, conv func(any) T) []T {
	switch x := v.(type) {
	case nil:
		return dst
	case []any:
		for _, e := range x {
			dst = append(dst, conv(e))
		}
		return dst
	default:
		return append(dst, conv(x))
	}
}

func toStrings(list []any) []string {
	if len(list) == 0 {
		return nil
	}
	out := make([]string, len(list))
	for i, v := range list {
		out[i] = stringify(v)
	}
	return out
}

func toPriorities(list []any) []int {
	if len(list) == 0 {
		return nil
	}
	out := make([]int, len(list))
	for i, v := range list {
		out[i] = NormalizePriority(v)
	}
	return out
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// NormalizePriority maps a priority label or number to 0, 1 or 2.
// high/h → 2, normal/medium/m/n → 1, low/l → 0, numbers in [0, 3) are
// truncated and anything else is 1.
func NormalizePriority(v any) int {
	switch x := v.(type) {
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "high", "h":
			return 2
		case "normal", "medium", "m", "n":
			return 1
		case "low", "l":
			return 0
		default:
			return 1
		}
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 || x >= 3 {
			return 1
		}
		return int(x)
	case int:
		if x < 0 || x > 2 {
			return 1
		}
		return x
	default:
		return 1
	}
}
