package main

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"encodeq/internal/api"
	"encodeq/internal/faults"
	"encodeq/internal/protocol"
)

func TestAddListMoveRemove(t *testing.T) {
	env := setupCLITestEnv(t)

	for _, id := range []string{"J1", "J2", "J3"} {
		out := env.run(t, "add", "/media/"+id+".mkv", "--id", id, "--dest", "/out/"+id+".mkv", "--title", "2")
		requireContains(t, out, "Queued "+id)
	}
	// J1 is handed to the single worker; J2 and J3 wait.
	w := env.launcher.WaitForWorker(t, 1, waitTimeout)
	w.Conn.WaitForCommand(t, protocol.CmdStartEncode, 1, waitTimeout)

	env.run(t, "queue", "move", "J3", "0")

	var items []api.QueueItem
	if err := json.Unmarshal([]byte(env.run(t, "queue", "list", "--status", "queued", "--json")), &items); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(items) != 2 || items[0].ID != "J3" || items[1].ID != "J2" {
		t.Fatalf("queued order = %+v", items)
	}
	if items[0].Position != 0 || items[0].Title != 2 {
		t.Fatalf("J3 item = %+v", items[0])
	}

	requireContains(t, env.run(t, "queue", "remove", "J2"), "Job J2 removed")

	table := env.run(t, "queue", "list")
	requireContains(t, table, "J1")
	requireContains(t, table, "Active")
	if strings.Contains(table, "J2") {
		t.Fatalf("removed job still listed:\n%s", table)
	}
}

func TestRemoveActiveJobIsRejected(t *testing.T) {
	env := setupCLITestEnv(t)
	env.run(t, "add", "/media/a.mkv", "--id", "J1", "--dest", "/out/a.mkv")
	w := env.launcher.WaitForWorker(t, 1, waitTimeout)
	w.Conn.WaitForCommand(t, protocol.CmdStartEncode, 1, waitTimeout)

	_, _, err := runCLI(t, []string{"queue", "remove", "J1"}, env.socketPath, env.configPath)
	if err == nil {
		t.Fatal("expected removing an active job to fail")
	}
}

func TestAddRejectsConflictingRanges(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"add", "/media/a.mkv", "--dest", "/out", "--chapters", "1-2", "--seconds", "0-10"},
		env.socketPath, env.configPath)
	if err == nil || !strings.Contains(err.Error(), "only one of") {
		t.Fatalf("err = %v", err)
	}
}

func TestPauseUnknownJobReportsNotFound(t *testing.T) {
	env := setupCLITestEnv(t)
	_, _, err := runCLI(t, []string{"pause", "missing"}, env.socketPath, env.configPath)
	if !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestPauseResumeCancelRunningJob(t *testing.T) {
	env := setupCLITestEnv(t)
	env.run(t, "add", "/media/a.mkv", "--id", "J1", "--dest", "/out/a.mkv")
	w := env.launcher.WaitForWorker(t, 1, waitTimeout)
	w.Conn.WaitForCommand(t, protocol.CmdStartEncode, 1, waitTimeout)

	requireContains(t, env.run(t, "pause", "J1"), "Job J1 paused")
	w.Conn.WaitForCommand(t, protocol.CmdPause, 1, waitTimeout)
	requireContains(t, env.run(t, "resume", "J1"), "Job J1 resumed")
	w.Conn.WaitForCommand(t, protocol.CmdResume, 1, waitTimeout)
	requireContains(t, env.run(t, "cancel", "J1"), "Job J1 stopping")
	w.Conn.WaitForCommand(t, protocol.CmdStop, 1, waitTimeout)
}

func TestParseBounds(t *testing.T) {
	cases := []struct {
		chapters, seconds string
		want              protocol.Range
		wantErr           bool
	}{
		{want: protocol.Range{Kind: protocol.RangeAll}},
		{chapters: "2-5", want: protocol.Range{Kind: protocol.RangeChapters, Start: 2, End: 5}},
		{seconds: "30-", want: protocol.Range{Kind: protocol.RangeSeconds, Start: 30}},
		{chapters: "5-2", wantErr: true},
		{seconds: "x", wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseRange(tc.chapters, tc.seconds)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("parseRange(%q, %q) expected error", tc.chapters, tc.seconds)
			}
			continue
		}
		if err != nil {
			t.Fatalf("parseRange(%q, %q): %v", tc.chapters, tc.seconds, err)
		}
		if got != tc.want {
			t.Fatalf("parseRange(%q, %q) = %+v, want %+v", tc.chapters, tc.seconds, got, tc.want)
		}
	}
}

func TestParseOptions(t *testing.T) {
	got, err := parseOptions([]string{"crf=22", " preset = slow"})
	if err != nil {
		t.Fatalf("parseOptions: %v", err)
	}
	if got["crf"] != "22" || got["preset"] != "slow" {
		t.Fatalf("options = %v", got)
	}
	if _, err := parseOptions([]string{"novalue"}); err == nil {
		t.Fatal("expected error for option without =")
	}
}
