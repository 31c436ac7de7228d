package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/npezzotti/swapchat/internal/client"
	"github.com/npezzotti/swapchat/internal/config"
	"github.com/spf13/cobra"
)

// globalOpts holds the persistent flags shared by every subcommand.
type globalOpts struct {
	server string
	token  string
}

func (o *globalOpts) api() (*client.API, error) {
	if o.token == "" {
		return nil, errors.New("no token: run `swapchat login` and set SWAPCHAT_TOKEN or pass --token")
	}
	return client.NewAPI(o.server, o.token), nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOpts{}

	cmd := &cobra.Command{
		Use:           "swapchat",
		Short:         "Skill swap chat client",
		Long:          "Command line client for skill swap threads, messages and call records.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", config.Getenv("SWAPCHAT_SERVER", "http://localhost:8000"), "server base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", config.Getenv("SWAPCHAT_TOKEN", ""), "session token")

	cmd.AddCommand(newLoginCmd(opts))
	cmd.AddCommand(newThreadsCmd(opts))
	cmd.AddCommand(newListenCmd(opts))
	cmd.AddCommand(newSendCmd(opts))
	cmd.AddCommand(newCallsCmd(opts))
	return cmd
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "[swapchat] ", log.LstdFlags)
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func main() {
	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "env:", err)
	}
	os.Exit(execute(newRootCmd()))
}
