package board

import "fmt"

// Prompt templates are treated as data, not code (§4.4). Each is rendered
// inline with the card's title/body and, where relevant, the prior stage's
// artifact.

func planPrompt(title, body string) string {
	return fmt.Sprintf(`You are a senior engineering planner. Analyze this card and produce an issue plan.

TITLE: %s
BODY: %s

OUTPUT FORMAT: respond with ONLY a fenced json block (no other commentary) with this exact shape:
`+"```json"+`
{
  "issues": [{"title": "...", "body_md": "...", "labels": ["..."], "dependencies": []}],
  "repo": "org/repo",
  "prd_path": ".squads/prds/<card-id>.md",
  "questions": []
}
`+"```", title, body)
}

func buildPrompt(title string, plan IssuePlan) string {
	return fmt.Sprintf(`Implement the following issues against the checked-out worktree.

TITLE: %s
ISSUES: %d queued

When the change is ready and pushed, respond with ONLY a fenced json block:
`+"```json"+`
{"pr_url": "https://github.com/org/repo/pull/123"}
`+"```", title, len(plan.Issues))
}

func createPRPrompt(branch, baseBranch string) string {
	return fmt.Sprintf(`Open a pull request for branch %s against %s, then report its URL as instructed.`, branch, baseBranch)
}

func reviewPrompt(prURL string) string {
	return fmt.Sprintf(`Review the changes in %s. Respond with ONLY a fenced json block:
`+"```json"+`
{"recommendation": "approve|request_changes|comment_only", "risk": "low|medium|high", "summary": "...", "findings": []}
`+"```", prURL)
}
