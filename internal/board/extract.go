package board

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/antigravity-dev/squadforge/internal/store"
)

// fencedBlockPattern matches a triple-backtick block, capturing an optional
// language tag on the opening fence and the block's contents.
var fencedBlockPattern = regexp.MustCompile("(?s)```([a-zA-Z0-9]*)\\n(.*?)```")

// assistantContent is the loose shape of a transcript entry's payload: the
// ingester stores the backend message verbatim, so content may be a plain
// string or a nested JSON value. Extraction only cares about the string
// form (the rendered message text that may contain fenced blocks).
type assistantContent struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ExtractIssuePlan scans entries in reverse for the last qualifying fenced
// JSON block whose object has a non-empty "issues" array (§4.4 plan stage).
func ExtractIssuePlan(entries []store.TranscriptEntry) (*IssuePlan, bool) {
	var found *IssuePlan
	scanAssistantBlocksReverse(entries, func(raw []byte) bool {
		var plan IssuePlan
		if err := json.Unmarshal(raw, &plan); err != nil {
			return false
		}
		if len(plan.Issues) == 0 {
			return false
		}
		found = &plan
		return true
	})
	return found, found != nil
}

// ExtractBuildArtifact scans entries in reverse for the last qualifying
// fenced JSON block whose object has a non-empty "pr_url" string (§4.4
// build stage).
func ExtractBuildArtifact(entries []store.TranscriptEntry) (*BuildArtifact, bool) {
	var found *BuildArtifact
	scanAssistantBlocksReverse(entries, func(raw []byte) bool {
		var art BuildArtifact
		if err := json.Unmarshal(raw, &art); err != nil {
			return false
		}
		if art.PRURL == "" {
			return false
		}
		found = &art
		return true
	})
	return found, found != nil
}

// ExtractReviewArtifact scans entries in reverse for the last qualifying
// fenced JSON block whose "recommendation" field is one of the three
// allowed values (§4.4 review stage).
func ExtractReviewArtifact(entries []store.TranscriptEntry) (*ReviewArtifact, bool) {
	var found *ReviewArtifact
	scanAssistantBlocksReverse(entries, func(raw []byte) bool {
		var art ReviewArtifact
		if err := json.Unmarshal(raw, &art); err != nil {
			return false
		}
		if !validRecommendations[art.Recommendation] {
			return false
		}
		found = &art
		return true
	})
	return found, found != nil
}

// scanAssistantBlocksReverse walks assistant-role entries from the end of
// the transcript backward, and within each entry's fenced blocks from the
// end backward, invoking qualifies on every candidate JSON object until it
// returns true (the last qualifying block wins) or the transcript is
// exhausted. Unparsable or unqualified blocks are ignored silently, and
// extraction is idempotent and safe to re-run (§4.4).
func scanAssistantBlocksReverse(entries []store.TranscriptEntry, qualifies func(raw []byte) bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.Role != "assistant" {
			continue
		}
		text := messageText(entry.Payload)
		if text == "" {
			continue
		}
		matches := fencedBlockPattern.FindAllStringSubmatch(text, -1)
		for j := len(matches) - 1; j >= 0; j-- {
			lang := strings.ToLower(strings.TrimSpace(matches[j][1]))
			if lang != "" && lang != "json" {
				continue
			}
			body := strings.TrimSpace(matches[j][2])
			if !looksLikeJSONObject(body) {
				continue
			}
			if qualifies([]byte(body)) {
				return
			}
		}
	}
}

func looksLikeJSONObject(s string) bool {
	return strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}")
}

// messageText recovers the rendered text of a transcript entry's payload,
// whether content was stored as a bare string or a nested JSON value.
func messageText(payload string) string {
	var msg assistantContent
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		return payload
	}
	var asString string
	if err := json.Unmarshal(msg.Content, &asString); err == nil {
		return asString
	}
	return string(msg.Content)
}
