package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewRootCmdRegistersSubcommands(t *testing.T) {
	root := NewRootCmd()
	want := []string{"prepare", "resume-local", "resume-remote", "connect", "serve", "monitor", "config"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands() {
			if strings.HasPrefix(c.Use, name) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("root command missing subcommand %q", name)
		}
	}
}

func TestRootCmdRejectsVerboseAndQuietTogether(t *testing.T) {
	root := NewRootCmd()
	root.SetArgs([]string{"--verbose", "--quiet", "config", "path"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if err := root.Execute(); err == nil {
		t.Fatalf("expected an error when --verbose and --quiet are both set")
	}
}

func TestConfigPathCommandPrintsConfigPath(t *testing.T) {
	root := NewRootCmd()
	root.SetArgs([]string{"config", "path"})
	var out bytes.Buffer
	root.SetOut(&out)
	if err := root.Execute(); err != nil {
		t.Fatalf("config path: %v", err)
	}
	if out.Len() == 0 {
		t.Fatalf("expected config path output, got nothing")
	}
}

func TestConfigGetUnknownKeyErrors(t *testing.T) {
	root := NewRootCmd()
	root.SetArgs([]string{"config", "get", "no.such.key"})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	if err := root.Execute(); err == nil {
		t.Fatalf("expected an error for an unknown config key")
	}
}
