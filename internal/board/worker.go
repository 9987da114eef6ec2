package board

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/antigravity-dev/squadforge/internal/store"
)

// TaskQueue is the Temporal task queue the Board Engine's worker polls.
const TaskQueue = "squadforge-board"

// StartWorker connects to Temporal and starts the Board Engine's worker,
// registering a single StageWorkflow/Activities pair.
func StartWorker(hostPort string, st *store.Store, sessions sessionStarter) (client.Client, worker.Worker, error) {
	c, err := client.Dial(client.Options{HostPort: hostPort})
	if err != nil {
		return nil, nil, fmt.Errorf("board: dial temporal: %w", err)
	}

	w := worker.New(c, TaskQueue, worker.Options{})
	acts := &Activities{Store: st, Sessions: sessions}

	w.RegisterWorkflow(StageWorkflow)
	w.RegisterActivity(acts.AllocateAgentActivity)
	w.RegisterActivity(acts.StartStageSessionActivity)
	w.RegisterActivity(acts.WaitForSessionCompletionActivity)
	w.RegisterActivity(acts.LoadTranscriptActivity)
	w.RegisterActivity(acts.LoadCardActivity)
	w.RegisterActivity(acts.ApplyPlanArtifactActivity)
	w.RegisterActivity(acts.ProvisionWorktreeActivity)
	w.RegisterActivity(acts.ApplyBuildArtifactActivity)
	w.RegisterActivity(acts.ApplyReviewArtifactActivity)
	w.RegisterActivity(acts.AdvanceLaneActivity)

	return c, w, nil
}
