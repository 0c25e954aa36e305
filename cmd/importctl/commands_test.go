package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/JonMunkholm/stockimport/internal/core"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"upload", "status", "watch", "cancel", "classify", "errors"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("Find(%q) = %v, %v", name, cmd, err)
		}
	}
}

func TestWatch_RejectsUnknownMode(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"watch", "job-1", "--mode", "carrier-pigeon"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	if err == nil || !strings.Contains(err.Error(), "unknown mode") {
		t.Fatalf("Execute() error = %v, want unknown mode", err)
	}
}

func TestPrintSnapshot(t *testing.T) {
	snap := core.ProgressSnapshot{
		JobID:    "job-1",
		Status:   core.StatusCompleted,
		Counters: core.Counters{Total: 3, Processed: 3, Success: 2, Errors: 1},
		Outcome:  core.OutcomePartialSuccess,
		RecentErrors: []core.RowError{
			{Row: 3, Column: "unit_price", Message: "not a number"},
		},
	}

	var buf bytes.Buffer
	if err := printSnapshot(&buf, snap, false); err != nil {
		t.Fatalf("printSnapshot() error = %v", err)
	}
	got := buf.String()
	for _, want := range []string{"job-1: completed", "partial_success", "3 of 3 rows", "row 3 unit_price: not a number"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
