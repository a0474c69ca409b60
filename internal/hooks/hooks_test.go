package hooks

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return strings.Fields(string(data))
}

func TestFireRunsCommand(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log")
	r := NewRunner(map[string]string{
		"idle": `echo "$CACD_STATE" >> ` + out,
	}, discardLogger())

	r.Fire("idle", Meta{SessionID: "s1", State: "idle"})

	waitFor(t, 2*time.Second, func() bool {
		lines := readLines(t, out)
		return len(lines) == 1 && lines[0] == "idle"
	}, "hook output")
}

func TestFireWithoutCommandIsNoop(t *testing.T) {
	r := NewRunner(nil, discardLogger())
	r.Fire("busy", Meta{SessionID: "s1", State: "busy"})

	if got := r.Running(); got != 0 {
		t.Errorf("Running() = %d, want 0", got)
	}
}

func TestEnvironmentPassedToHook(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env")
	r := NewRunner(map[string]string{
		"waiting_input": `printf '%s|%s|%s|%s|%s|%s' "$CACD_SESSION_ID" "$CACD_SESSION_NAME" "$CACD_WORKTREE" "$CACD_BRANCH" "$CACD_AGENT_ID" "$CACD_STATE" > ` + out,
	}, discardLogger())

	wt := t.TempDir()
	r.Fire("waiting_input", Meta{
		SessionID:   "abc123",
		SessionName: "repo-claude",
		Worktree:    wt,
		Branch:      "feature/x",
		AgentID:     "claude",
		State:       "waiting_input",
	})

	want := "abc123|repo-claude|" + wt + "|feature/x|claude|waiting_input"
	waitFor(t, 2*time.Second, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == want
	}, "hook environment")
}

func TestTriggersWhileRunningCoalesce(t *testing.T) {
	out := filepath.Join(t.TempDir(), "starts")
	r := NewRunner(map[string]string{
		"busy": `echo start >> ` + out + `; sleep 0.3`,
	}, discardLogger())

	meta := Meta{SessionID: "s1", State: "busy"}
	for i := 0; i < 5; i++ {
		r.Fire("busy", meta)
	}

	// First run plus exactly one coalesced rerun.
	waitFor(t, 3*time.Second, func() bool {
		return len(readLines(t, out)) == 2 && r.Running() == 0
	}, "coalesced reruns to finish")

	time.Sleep(200 * time.Millisecond)
	if got := len(readLines(t, out)); got != 2 {
		t.Errorf("hook ran %d times, want 2", got)
	}
}

func TestDistinctSessionsRunIndependently(t *testing.T) {
	out := filepath.Join(t.TempDir(), "ids")
	r := NewRunner(map[string]string{
		"idle": `echo "$CACD_SESSION_ID" >> ` + out,
	}, discardLogger())

	r.Fire("idle", Meta{SessionID: "one", State: "idle"})
	r.Fire("idle", Meta{SessionID: "two", State: "idle"})

	waitFor(t, 2*time.Second, func() bool {
		lines := readLines(t, out)
		if len(lines) != 2 {
			return false
		}
		joined := strings.Join(lines, " ")
		return strings.Contains(joined, "one") && strings.Contains(joined, "two")
	}, "both sessions' hooks")
}

func TestSessionOverrideShadowsGlobal(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log")
	r := NewRunner(map[string]string{
		"idle": `echo global >> ` + out,
	}, discardLogger())
	r.SetOverrides("special", map[string]string{
		"idle": `echo override >> ` + out,
	})

	r.Fire("idle", Meta{SessionID: "special", State: "idle"})
	waitFor(t, 2*time.Second, func() bool {
		lines := readLines(t, out)
		return len(lines) == 1 && lines[0] == "override"
	}, "override hook")

	r.DropOverrides("special")
	r.Fire("idle", Meta{SessionID: "special", State: "idle"})
	waitFor(t, 2*time.Second, func() bool {
		lines := readLines(t, out)
		return len(lines) == 2 && lines[1] == "global"
	}, "global hook after override dropped")
}

func TestSetCommandsReplacesTable(t *testing.T) {
	out := filepath.Join(t.TempDir(), "log")
	r := NewRunner(map[string]string{
		"idle": `echo old >> ` + out,
	}, discardLogger())

	r.SetCommands(map[string]string{
		"idle": `echo new >> ` + out,
	})
	r.Fire("idle", Meta{SessionID: "s1", State: "idle"})

	waitFor(t, 2*time.Second, func() bool {
		lines := readLines(t, out)
		return len(lines) == 1 && lines[0] == "new"
	}, "reloaded hook command")
}
