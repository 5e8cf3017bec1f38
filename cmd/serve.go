package cmd

import (
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ollama/videoedit/envconfig"
	"github.com/ollama/videoedit/server"
)

func RunServer(cmd *cobra.Command, _ []string) error {
	ln, err := net.Listen("tcp", envconfig.Host)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Serve(ctx, ln)
}
