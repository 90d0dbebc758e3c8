package main

import "testing"

func TestCommandTreeWiring(t *testing.T) {
	if got := serveCmd().Use; got != "serve" {
		t.Errorf("serveCmd().Use = %q", got)
	}
	if got := workerCmd().Use; got != "worker" {
		t.Errorf("workerCmd().Use = %q", got)
	}
	if got := scheduleCmd().Use; got != "schedule" {
		t.Errorf("scheduleCmd().Use = %q", got)
	}
}

func TestMigrateSubcommands(t *testing.T) {
	m := migrateCmd()
	if m.Use != "migrate" {
		t.Fatalf("migrateCmd().Use = %q", m.Use)
	}
	names := map[string]bool{}
	for _, sub := range m.Commands() {
		names[sub.Use] = true
	}
	for _, want := range []string{"up", "status"} {
		if !names[want] {
			t.Errorf("migrate is missing subcommand %q", want)
		}
	}
}
