package version

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/urfave/cli/v3"
)

func TestGetCommand(t *testing.T) {
	t.Parallel()

	cmd := GetCommand()
	if cmd.Name != "version" {
		t.Errorf("command name = %q; want %q", cmd.Name, "version")
	}
	if cmd.Usage == "" {
		t.Error("command usage should not be empty")
	}
	if cmd.Action == nil {
		t.Fatal("command action should not be nil")
	}
}

func TestWriteVersion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := writeVersion(&buf); err != nil {
		t.Fatalf("writeVersion() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), Version+" (go") {
		t.Errorf("output = %q; want the version and toolchain", buf.String())
	}
}

func TestVersionCommand_Run(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	root := &cli.Command{
		Name:     "root",
		Writer:   &buf,
		Commands: []*cli.Command{GetCommand()},
	}
	if err := root.Run(context.Background(), []string{"root", "version"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(buf.String(), Version) {
		t.Errorf("output = %q; want it to contain %q", buf.String(), Version)
	}
}
