package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/panel/pkg/config"
)

func newRootCommand() (*cobra.Command, error) {
	root := &cobra.Command{
		Use:          "chat-sample",
		Short:        "Sample host for the realtime panel client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return logging.InitLoggerFromCobra(cmd)
		},
	}
	if err := clay.InitGlazed(config.AppName, root); err != nil {
		return nil, err
	}
	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, root)

	runCmd, err := NewRunCommand()
	if err != nil {
		return nil, err
	}
	serveCmd, err := NewServeCommand()
	if err != nil {
		return nil, err
	}
	for _, c := range []cmds.Command{runCmd, serveCmd} {
		cobraCmd, err := buildCommand(c)
		if err != nil {
			return nil, err
		}
		root.AddCommand(cobraCmd)
	}

	historyCmd, err := newHistoryCommand()
	if err != nil {
		return nil, err
	}
	root.AddCommand(historyCmd)
	return root, nil
}

func buildCommand(c cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(config.Middlewares))
}

func main() {
	root, err := newRootCommand()
	cobra.CheckErr(err)
	cobra.CheckErr(root.Execute())
}
