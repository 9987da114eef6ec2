package store

import (
	"path/filepath"
	"testing"
	"time"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAndSchema(t *testing.T) {
	s := tempStore(t)
	if err := s.CreateProject(Project{ID: "proj-1", Name: "demo", Path: "/tmp/demo"}); err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
}

func TestProjectCRUD(t *testing.T) {
	s := tempStore(t)

	if err := s.CreateProject(Project{ID: "proj-1", Name: "demo", Path: "/tmp/demo", Config: "{}"}); err != nil {
		t.Fatal(err)
	}
	p, err := s.GetProject("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p == nil || p.Name != "demo" {
		t.Fatalf("expected project demo, got %+v", p)
	}

	if err := s.UpdateProjectConfig("proj-1", `{"foo":1}`); err != nil {
		t.Fatal(err)
	}
	p, err = s.GetProject("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.Config != `{"foo":1}` {
		t.Errorf("expected updated config, got %s", p.Config)
	}

	list, err := s.ListProjects()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 project, got %d", len(list))
	}

	if err := s.DeleteProject("proj-1"); err != nil {
		t.Fatal(err)
	}
	p, err = s.GetProject("proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p != nil {
		t.Errorf("expected project gone after delete, got %+v", p)
	}
}

func seedProjectSquadAgent(t *testing.T, s *Store) (projectID, squadID, agentID string) {
	t.Helper()
	projectID, squadID, agentID = "proj-1", "squad-1", "agent-1"
	if err := s.CreateProject(Project{ID: projectID, Name: "demo", Path: "/tmp/demo"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSquad(Squad{ID: squadID, ProjectID: projectID, Name: "alpha"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateAgent(Agent{ID: agentID, SquadID: squadID, Name: "Ada", Slug: "ada", Role: "build"}); err != nil {
		t.Fatal(err)
	}
	return
}

func TestSquadStatusAndListRunning(t *testing.T) {
	s := tempStore(t)
	projectID, squadID, _ := seedProjectSquadAgent(t, s)

	sq, err := s.GetSquad(squadID)
	if err != nil {
		t.Fatal(err)
	}
	if sq.OpencodeStatus != "idle" {
		t.Errorf("expected default status idle, got %s", sq.OpencodeStatus)
	}

	if err := s.UpdateSquadStatus(squadID, "running", "http://localhost:9000", 4242, ""); err != nil {
		t.Fatal(err)
	}
	running, err := s.ListRunningSquads()
	if err != nil {
		t.Fatal(err)
	}
	if len(running) != 1 || running[0].OpencodePID != 4242 {
		t.Fatalf("expected 1 running squad with pid 4242, got %+v", running)
	}

	squads, err := s.ListSquadsByProject(projectID)
	if err != nil {
		t.Fatal(err)
	}
	if len(squads) != 1 {
		t.Fatalf("expected 1 squad, got %d", len(squads))
	}
}

func TestAgentLookupBySlugAndIdleList(t *testing.T) {
	s := tempStore(t)
	_, squadID, agentID := seedProjectSquadAgent(t, s)

	a, err := s.GetAgentBySlug(squadID, "ada")
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.ID != agentID {
		t.Fatalf("expected agent %s, got %+v", agentID, a)
	}

	idle, err := s.ListIdleAgentsBySquad(squadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 1 {
		t.Fatalf("expected 1 idle agent, got %d", len(idle))
	}

	if err := s.UpdateAgentStatus(agentID, "busy"); err != nil {
		t.Fatal(err)
	}
	idle, err = s.ListIdleAgentsBySquad(squadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(idle) != 0 {
		t.Fatalf("expected 0 idle agents after status change, got %d", len(idle))
	}
}

func TestSessionActiveCountInvariant(t *testing.T) {
	s := tempStore(t)
	projectID, _, agentID := seedProjectSquadAgent(t, s)

	if err := s.CreateSession(Session{ID: "sess-1", ProjectID: projectID, AgentID: agentID, Mode: "build"}); err != nil {
		t.Fatal(err)
	}

	count, err := s.CountActiveSessionsForAgent(agentID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 active session, got %d", count)
	}

	sess, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.UpdateSessionStatus("sess-1", "completed", sess.Version)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected status update to succeed")
	}

	count, err = s.CountActiveSessionsForAgent(agentID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("expected 0 active sessions after completion, got %d", count)
	}
}

func TestSessionStatusOptimisticConcurrency(t *testing.T) {
	s := tempStore(t)
	projectID, _, agentID := seedProjectSquadAgent(t, s)

	if err := s.CreateSession(Session{ID: "sess-1", ProjectID: projectID, AgentID: agentID}); err != nil {
		t.Fatal(err)
	}
	sess, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	staleVersion := sess.Version

	ok, err := s.UpdateSessionStatus("sess-1", "running", staleVersion)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("first update with correct version should succeed")
	}

	// Retry with the now-stale version must fail (lost the race).
	ok, err = s.UpdateSessionStatus("sess-1", "failed", staleVersion)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("update with stale version should not succeed")
	}

	sess, err = s.GetSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != "running" {
		t.Errorf("expected status to remain running, got %s", sess.Status)
	}
}

func TestBackendSessionIDAssignedOnce(t *testing.T) {
	s := tempStore(t)
	projectID, _, agentID := seedProjectSquadAgent(t, s)

	if err := s.CreateSession(Session{ID: "sess-1", ProjectID: projectID, AgentID: agentID}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetBackendSessionID("sess-1", "backend-abc"); err != nil {
		t.Fatal(err)
	}
	if err := s.SetBackendSessionID("sess-1", "backend-xyz"); err != nil {
		t.Fatal(err)
	}

	sess, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.BackendSessionID != "backend-abc" {
		t.Errorf("expected backend session id to remain first-assigned value, got %s", sess.BackendSessionID)
	}
}

func TestTranscriptSequenceDensity(t *testing.T) {
	s := tempStore(t)
	projectID, _, agentID := seedProjectSquadAgent(t, s)
	if err := s.CreateSession(Session{ID: "sess-1", ProjectID: projectID, AgentID: agentID}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		seq, err := s.NextSequence("sess-1")
		if err != nil {
			t.Fatal(err)
		}
		if seq != int64(i) {
			t.Fatalf("expected dense sequence %d, got %d", i, seq)
		}
		if err := s.AppendTranscriptEntry(TranscriptEntry{
			ID:        "entry-" + string(rune('a'+i)),
			SessionID: "sess-1",
			Sequence:  seq,
			Role:      "assistant",
			Payload:   "{}",
		}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.ListTranscript("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != int64(i) {
			t.Errorf("entry %d has sequence %d, want %d", i, e.Sequence, i)
		}
	}

	if err := s.UpsertTranscriptEntryPayload("entry-a", `{"text":"updated"}`); err != nil {
		t.Fatal(err)
	}
	first, err := s.GetTranscriptEntry("entry-a")
	if err != nil {
		t.Fatal(err)
	}
	if first.Payload != `{"text":"updated"}` {
		t.Errorf("expected payload upsert to apply, got %s", first.Payload)
	}

	last, err := s.LastTranscriptEntry("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if last.Sequence != 2 {
		t.Errorf("expected last entry sequence 2, got %d", last.Sequence)
	}
}

func TestEventOrdering(t *testing.T) {
	s := tempStore(t)
	projectID, _, agentID := seedProjectSquadAgent(t, s)
	if err := s.CreateSession(Session{ID: "sess-1", ProjectID: projectID, AgentID: agentID}); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	for i, kind := range []string{"session:started", "message:updated", "session:completed"} {
		if err := s.RecordEvent(Event{
			ID:         "evt-" + string(rune('a'+i)),
			Kind:       kind,
			Payload:    "{}",
			ProjectID:  projectID,
			SessionID:  "sess-1",
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.ListEventsBySession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Kind != "session:started" || events[2].Kind != "session:completed" {
		t.Errorf("expected events in occurrence order, got %+v", events)
	}

	byProject, err := s.ListEventsByProject(projectID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(byProject) != 3 {
		t.Fatalf("expected 3 events for project, got %d", len(byProject))
	}
	if byProject[0].Kind != "session:completed" {
		t.Errorf("expected newest-first ordering, got %+v", byProject[0])
	}
}

func TestCardLaneAdvanceCAS(t *testing.T) {
	s := tempStore(t)
	projectID, squadID, _ := seedProjectSquadAgent(t, s)

	if err := s.CreateCard(Card{ID: "card-1", ProjectID: projectID, SquadID: squadID, Title: "ship it"}); err != nil {
		t.Fatal(err)
	}
	c, err := s.GetCard("card-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Lane != "todo" {
		t.Fatalf("expected default lane todo, got %s", c.Lane)
	}

	ok, err := s.AdvanceCardLane("card-1", "todo", "plan", c.Version)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected lane advance to succeed")
	}

	// Stale version must fail.
	ok, err = s.AdvanceCardLane("card-1", "plan", "build", c.Version)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected stale-version advance to fail")
	}

	c, err = s.GetCard("card-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.Lane != "plan" {
		t.Errorf("expected lane plan, got %s", c.Lane)
	}

	if err := s.SetCardReviewArtifacts("card-1", `{"recommendation":"approve"}`, "agent-1", "sess-review"); err != nil {
		t.Fatal(err)
	}
	c, err = s.GetCard("card-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.HumanReviewStatus != "pending" {
		t.Errorf("expected human_review_status pending after review artifacts set, got %s", c.HumanReviewStatus)
	}

	if err := s.ResetNextLaneSlot("card-1", "review"); err != nil {
		t.Fatal(err)
	}
	c, err = s.GetCard("card-1")
	if err != nil {
		t.Fatal(err)
	}
	if c.ReviewSessionID != "" || c.HumanReviewStatus != "" {
		t.Errorf("expected review slot cleared on reset, got %+v", c)
	}
}

func TestLaneAssignmentFallback(t *testing.T) {
	s := tempStore(t)
	projectID, squadID, agentID := seedProjectSquadAgent(t, s)

	la, err := s.GetLaneAssignment(projectID, squadID, "plan")
	if err != nil {
		t.Fatal(err)
	}
	if la != nil {
		t.Fatalf("expected nil lane assignment before pinning, got %+v", la)
	}

	if err := s.SetLaneAssignment(LaneAssignment{ProjectID: projectID, SquadID: squadID, Lane: "plan", AgentID: agentID}); err != nil {
		t.Fatal(err)
	}
	la, err = s.GetLaneAssignment(projectID, squadID, "plan")
	if err != nil {
		t.Fatal(err)
	}
	if la == nil || la.AgentID != agentID {
		t.Fatalf("expected pinned agent %s, got %+v", agentID, la)
	}

	// Re-pin overwrites rather than duplicating.
	if err := s.SetLaneAssignment(LaneAssignment{ProjectID: projectID, SquadID: squadID, Lane: "plan", AgentID: "agent-2"}); err != nil {
		t.Fatal(err)
	}
	list, err := s.ListLaneAssignments(squadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 lane assignment after re-pin, got %d", len(list))
	}
}

func TestMCPServerLifecycle(t *testing.T) {
	s := tempStore(t)
	_, squadID, _ := seedProjectSquadAgent(t, s)

	if err := s.CreateMCPServer(MCPServer{ID: "mcp-1", SquadID: squadID, Name: "github", Source: "registry", Type: "remote"}); err != nil {
		t.Fatal(err)
	}

	m, err := s.GetMCPServerByName(squadID, "github")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Enabled {
		t.Fatalf("expected new mcp server disabled by default, got %+v", m)
	}

	enabled, err := s.ListEnabledMCPServersBySquad(squadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 0 {
		t.Fatalf("expected 0 enabled servers, got %d", len(enabled))
	}

	if err := s.SetMCPServerEnabled("mcp-1", true); err != nil {
		t.Fatal(err)
	}
	enabled, err = s.ListEnabledMCPServersBySquad(squadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(enabled) != 1 {
		t.Fatalf("expected 1 enabled server, got %d", len(enabled))
	}

	if err := s.SetMCPServerStatus("mcp-1", "ready", ""); err != nil {
		t.Fatal(err)
	}
	m, err = s.GetMCPServer("mcp-1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Status != "ready" {
		t.Errorf("expected status ready, got %s", m.Status)
	}
}

func TestExternalNodeMissedProbeThreshold(t *testing.T) {
	s := tempStore(t)

	if err := s.UpsertExternalNode(ExternalNode{BaseURL: "http://node-1:4096", Healthy: true, Version: "1.0", Source: "manual"}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		if err := s.MarkExternalNodeMissed("http://node-1:4096"); err != nil {
			t.Fatal(err)
		}
		n, err := s.GetExternalNode("http://node-1:4096")
		if err != nil {
			t.Fatal(err)
		}
		if !n.Healthy {
			t.Fatalf("expected node to remain healthy after %d misses, got unhealthy", i+1)
		}
	}

	// Third consecutive miss crosses the threshold.
	if err := s.MarkExternalNodeMissed("http://node-1:4096"); err != nil {
		t.Fatal(err)
	}
	n, err := s.GetExternalNode("http://node-1:4096")
	if err != nil {
		t.Fatal(err)
	}
	if n.Healthy {
		t.Fatal("expected node unhealthy after 3 consecutive missed probes")
	}
	if n.MissedProbes != 3 {
		t.Errorf("expected missed_probes 3, got %d", n.MissedProbes)
	}

	// A fresh sighting resets the counter and restores health.
	if err := s.UpsertExternalNode(ExternalNode{BaseURL: "http://node-1:4096", Healthy: true, Version: "1.0", Source: "manual"}); err != nil {
		t.Fatal(err)
	}
	n, err = s.GetExternalNode("http://node-1:4096")
	if err != nil {
		t.Fatal(err)
	}
	if !n.Healthy || n.MissedProbes != 0 {
		t.Errorf("expected healthy node with reset counter, got %+v", n)
	}

	list, err := s.ListExternalNodes()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 node, got %d", len(list))
	}

	if err := s.DeleteExternalNode("http://node-1:4096"); err != nil {
		t.Fatal(err)
	}
	n, err = s.GetExternalNode("http://node-1:4096")
	if err != nil {
		t.Fatal(err)
	}
	if n != nil {
		t.Errorf("expected node gone after delete, got %+v", n)
	}
}
