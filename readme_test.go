package main

import (
	"os"
	"strings"
	"testing"
)

func TestREADMEDocumentsCommands(t *testing.T) {
	content, err := os.ReadFile("README.md")
	if err != nil {
		t.Fatalf("Failed to read README.md: %v", err)
	}
	readmeText := string(content)

	for _, section := range []string{"## Commands", "## State", "## Configuration"} {
		if !strings.Contains(readmeText, section) {
			t.Errorf("README.md missing %s section", section)
		}
	}

	commands := []string{
		"run-daemon", "stop-daemon", "daemon-status", "enqueue", "list-queue", "queue-status",
		"reset-project", "remove-project", "launch-next", "logs", "dash",
	}
	for _, c := range commands {
		if !strings.Contains(readmeText, "`foreman "+c+"`") {
			t.Errorf("README.md does not document `foreman %s`", c)
		}
	}

	for _, table := range []string{"[daemon]", "[health]", "[completion]", "[failure]", "[mail]"} {
		if !strings.Contains(readmeText, table) {
			t.Errorf("README.md config example missing %s", table)
		}
	}
}
