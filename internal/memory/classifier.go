package memory

import "strings"

// Classification is a proposed long-term importance fact derived from one
// completed turn.
type Classification struct {
	Content  string
	Tags     []string
	Priority int
}

// highPriorityKeywords mark identity or permanent facts. Any match promotes
// the turn at priority 5.
var highPriorityKeywords = []string{
	"remember",
	"never forget",
	"don't forget",
	"my name is",
	"birthday",
	"anniversary",
	"address",
	"phone number",
	"password",
	"allergic",
	"allergy",
	"emergency",
}

// mediumPriorityKeywords mark preferences and habits, promoted at priority 3.
var mediumPriorityKeywords = []string{
	"like",
	"love",
	"hate",
	"prefer",
	"favorite",
	"usually",
	"always",
	"every day",
	"hobby",
	"enjoy",
}

// topicTags maps topic vocabulary to the tag applied when any of the words
// appear in the turn. Multiple tags may apply; "general" is the fallback.
var topicTags = []struct {
	tag   string
	words []string
}{
	{"work", []string{"work", "job", "office", "meeting", "project", "boss", "colleague"}},
	{"family", []string{"family", "mom", "dad", "mother", "father", "sister", "brother", "wife", "husband", "son", "daughter", "kid"}},
	{"hobby", []string{"hobby", "game", "sport", "music", "read", "travel", "cook"}},
	{"preference", []string{"like", "love", "hate", "prefer", "favorite"}},
	{"schedule", []string{"schedule", "appointment", "tomorrow", "tonight", "weekend", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}},
	{"goal", []string{"goal", "plan", "want to", "going to", "dream", "wish"}},
}

// Classifier inspects completed turns and proposes importance facts.
// It is deterministic and performs no I/O, so identical input always yields
// identical output.
type Classifier struct{}

// NewClassifier creates a classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify inspects a turn and returns a proposed fact, or nil when the
// turn contains nothing worth promoting to long-term memory.
//
// High-priority keyword matches yield priority 5, medium matches priority 3.
// Tags come from independent topic checks and default to "general" when no
// topic word matches. Content is the literal turn pairing, not a summary.
func (c *Classifier) Classify(userText, agentText string) *Classification {
	combined := strings.ToLower(userText + " " + agentText)

	priority := 0
	if containsAny(combined, highPriorityKeywords) {
		priority = 5
	} else if containsAny(combined, mediumPriorityKeywords) {
		priority = 3
	}
	if priority == 0 {
		return nil
	}

	var tags []string
	for _, topic := range topicTags {
		if containsAny(combined, topic.words) {
			tags = append(tags, topic.tag)
		}
	}
	if len(tags) == 0 {
		tags = []string{"general"}
	}

	return &Classification{
		Content:  "User: " + userText + " | Assistant: " + agentText,
		Tags:     tags,
		Priority: priority,
	}
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
