package cli

import (
	"testing"
	"time"
)

func TestScopeFlags(t *testing.T) {
	f := scopeFlags{protocols: []string{"lido"}, start: "2024-01-01", end: "2024-03-31", periods: []string{"quarter"}}
	scope, err := f.scope()
	if err != nil {
		t.Fatalf("scope: %v", err)
	}
	if !scope.Start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || !scope.End.Equal(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected dates %s %s", scope.Start, scope.End)
	}
	if scope.Protocols[0] != "lido" || scope.Periods[0] != "quarter" {
		t.Fatalf("unexpected scope %+v", scope)
	}

	cases := []scopeFlags{
		{start: "2024/01/01"},
		{end: "yesterday"},
		{start: "2024-04-01", end: "2024-03-31"},
	}
	for _, c := range cases {
		if _, err := c.scope(); err == nil {
			t.Fatalf("expected error for %+v", c)
		}
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"run": false, "collect": false, "watch": false, "show": false, "export": false, "digest": false, "version": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("command %q 未注册", name)
		}
	}
	if runCmd.Flags().Lookup("use-cache") == nil || runCmd.Flags().Lookup("skip-report") == nil || runCmd.Flags().Lookup("out") == nil {
		t.Fatal("run flags missing")
	}
}
