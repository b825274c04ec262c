package main

import (
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newTestRoot(log *logrus.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "stupid_tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return errors.New("no subcommand given")
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML configuration file")
	root.AddCommand(serverCmd(log), clientCmd(log))
	return root
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestNoSubcommandErrors(t *testing.T) {
	root := newTestRoot(testLogger())
	root.SetArgs([]string{})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error when no subcommand is given")
	}
}

func TestUnknownSubcommandErrors(t *testing.T) {
	root := newTestRoot(testLogger())
	root.SetArgs([]string{"bogus"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for an unrecognized subcommand")
	}
}

func TestServerSubcommandRejectsExtraArgs(t *testing.T) {
	root := newTestRoot(testLogger())
	root.SetArgs([]string{"server", "extra"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for unexpected positional args")
	}
}

func TestClientSubcommandRejectsExtraArgs(t *testing.T) {
	root := newTestRoot(testLogger())
	root.SetArgs([]string{"client", "extra"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for unexpected positional args")
	}
}
