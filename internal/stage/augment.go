package stage

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"

	"github.com/sells-group/datapipe/internal/annotate"
	"github.com/sells-group/datapipe/internal/model"
)

// Derived columns appended by Augment.
const (
	TextLengthColumn     = "text_length"
	WordCountColumn      = "word_count"
	MentionCountColumn   = "mention_count"
	SentimentScoreColumn = "sentiment_score"
	IsUrgentColumn       = "is_urgent"
)

var mentionRe = regexp.MustCompile(`@\w+`)

// Augment appends columns derived from the text and the annotations.
// Existing derived columns are overwritten so re-runs are idempotent.
type Augment struct{}

// NewAugment creates the augment executor.
func NewAugment() *Augment {
	return &Augment{}
}

// Stage implements Executor.
func (a *Augment) Stage() model.Stage { return model.StageAugment }

// Execute implements Executor.
func (a *Augment) Execute(_ context.Context, st *State) error {
	if err := requireTable(st, model.StageAugment); err != nil {
		return err
	}
	t := st.Table
	n := t.Len()

	text := columnOrEmpty(t.Column(annotate.TextColumn))
	sentiment := columnOrEmpty(t.Column(annotate.SentimentColumn))
	priority := columnOrEmpty(t.Column(annotate.PriorityColumn))

	lengths := make([]string, n)
	words := make([]string, n)
	mentions := make([]string, n)
	scores := make([]string, n)
	urgent := make([]string, n)
	for i := range n {
		s := cell(text, i)
		lengths[i] = strconv.Itoa(utf8.RuneCountInString(s))
		words[i] = strconv.Itoa(len(strings.Fields(s)))
		mentions[i] = strconv.Itoa(len(mentionRe.FindAllString(s, -1)))
		scores[i] = strconv.Itoa(SentimentScore(cell(sentiment, i)))
		urgent[i] = strconv.FormatBool(strings.TrimSpace(cell(priority, i)) == "2")
	}

	for _, col := range []struct {
		name   string
		values []string
	}{
		{TextLengthColumn, lengths},
		{WordCountColumn, words},
		{MentionCountColumn, mentions},
		{SentimentScoreColumn, scores},
		{IsUrgentColumn, urgent},
	} {
		if err := t.SetColumn(col.name, col.values); err != nil {
			return eris.Wrapf(err, "stage: augment %s", st.DatasetID)
		}
	}
	st.report("columns", len(t.Columns))
	return nil
}

// SentimentScore maps a sentiment label to 1, 0 or -1.
func SentimentScore(label string) int {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "positive":
		return 1
	case "negative":
		return -1
	default:
		return 0
	}
}

func columnOrEmpty(values []string, ok bool) []string {
	if !ok {
		return nil
	}
	return values
}

func cell(values []string, i int) string {
	if i < len(values) {
		return values[i]
	}
	return ""
}
