package main

import (
	"errors"
	"strings"
	"testing"
)

func TestParseID(t *testing.T) {
	testCases := []struct {
		arg     string
		want    int64
		wantErr bool
	}{
		{arg: "42", want: 42},
		{arg: "0", wantErr: true},
		{arg: "-3", wantErr: true},
		{arg: "abc", wantErr: true},
	}
	for _, tc := range testCases {
		got, err := parseID(tc.arg)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("parseID(%q) = %d, %v", tc.arg, got, err)
		}
	}
}

func TestSyncArgs(t *testing.T) {
	defer func() { syncAll = false }()

	syncAll = false
	if err := syncCmd.Args(syncCmd, nil); err == nil {
		t.Error("expected error without id or --all")
	}
	if err := syncCmd.Args(syncCmd, []string{"1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	syncAll = true
	if err := syncCmd.Args(syncCmd, []string{"1"}); err == nil {
		t.Error("expected error for id with --all")
	}
	if err := syncCmd.Args(syncCmd, nil); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFailedSources(t *testing.T) {
	if err := failedSources("sync", nil); err != nil {
		t.Fatalf("failedSources(nil) = %v", err)
	}
	err := failedSources("renewal", map[int64]error{3: errors.New("boom"), 1: errors.New("bang")})
	if err == nil || !strings.Contains(err.Error(), "renewal failed for 2 sources") {
		t.Errorf("error = %v", err)
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"serve", "migrate", "renew", "prune", "sync", "calendars", "link", "unlink"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}
