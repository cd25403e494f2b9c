package annotate

import (
	"encoding/json"
	"fmt"
)

// DefaultPromptContext describes the posts being annotated.
const DefaultPromptContext = "customer complaints and messages posted on social media that mention a company about its customer service"

// BuildPrompt renders the annotation instruction for one batch of texts.
func BuildPrompt(context string, texts []string) string {
	if context == "" {
		context = DefaultPromptContext
	}
	list, err := json.Marshal(texts)
	if err != nil {
		list = []byte("[]")
	}
	return fmt.Sprintf(`You are analyzing %s. For each post below, provide:
- sentiment: 'negative', 'neutral', or 'positive'
- priority: 'high', 'normal', or 'low'
- topic: main topic/subject of the post

The list contains %d posts:
%s

Return only valid JSON in this exact format, with one entry per post in the same order:
{"data": {"sentiment": [...], "priority": [...], "topic": [...]}}`, context, len(texts), list)
}
