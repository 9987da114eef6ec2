package board

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/squadforge/internal/store"
)

func assistantEntry(t *testing.T, seq int64, text string) store.TranscriptEntry {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{"role": "assistant", "content": text})
	require.NoError(t, err)
	return store.TranscriptEntry{ID: "e", SessionID: "s", Sequence: seq, Role: "assistant", Payload: string(payload)}
}

func TestExtractIssuePlanHappyPath(t *testing.T) {
	text := "Here is the plan.\n```json\n" +
		`{"issues":[{"title":"RL middleware","body_md":"...","labels":["squads"],"dependencies":[]}],"repo":"acme/app","prd_path":".squads/prds/c1.md","questions":[]}` +
		"\n```\n"
	entries := []store.TranscriptEntry{assistantEntry(t, 0, text)}

	plan, ok := ExtractIssuePlan(entries)
	require.True(t, ok)
	require.Len(t, plan.Issues, 1)
	require.Equal(t, "RL middleware", plan.Issues[0].Title)
	require.Equal(t, ".squads/prds/c1.md", plan.PRDPath)
}

func TestExtractReviewArtifactIgnoresProseAndPicksLastQualifying(t *testing.T) {
	text := "```json\n{\"foo\":1}\n```\nSome commentary.\n```json\n" +
		`{"recommendation":"approve","risk":"low","summary":"ok","findings":[]}` +
		"\n```"
	entries := []store.TranscriptEntry{assistantEntry(t, 0, text)}

	art, ok := ExtractReviewArtifact(entries)
	require.True(t, ok)
	require.Equal(t, "approve", art.Recommendation)
}

func TestExtractReviewArtifactRejectsInvalidRecommendation(t *testing.T) {
	text := "```json\n" + `{"recommendation":"maybe"}` + "\n```"
	entries := []store.TranscriptEntry{assistantEntry(t, 0, text)}

	_, ok := ExtractReviewArtifact(entries)
	require.False(t, ok)
}

func TestExtractBuildArtifactScansMultipleEntriesInReverse(t *testing.T) {
	entries := []store.TranscriptEntry{
		assistantEntry(t, 0, "```json\n"+`{"pr_url":"https://example.com/pr/1"}`+"\n```"),
		{ID: "u", SessionID: "s", Sequence: 1, Role: "user", Payload: `{"content":"thanks"}`},
		assistantEntry(t, 2, "```json\n"+`{"pr_url":"https://example.com/pr/2"}`+"\n```"),
	}

	art, ok := ExtractBuildArtifact(entries)
	require.True(t, ok)
	require.Equal(t, "https://example.com/pr/2", art.PRURL)
}

func TestExtractIgnoresUnqualifiedBlocksSilently(t *testing.T) {
	entries := []store.TranscriptEntry{
		assistantEntry(t, 0, "```json\n{\"unrelated\":true}\n```"),
	}
	_, ok := ExtractIssuePlan(entries)
	require.False(t, ok)
}

func TestExtractFencedBlockWithNoLanguageTagQualifies(t *testing.T) {
	text := "```\n" + `{"pr_url":"https://example.com/pr/9"}` + "\n```"
	entries := []store.TranscriptEntry{assistantEntry(t, 0, text)}

	art, ok := ExtractBuildArtifact(entries)
	require.True(t, ok)
	require.Equal(t, "https://example.com/pr/9", art.PRURL)
}
