package cli

import (
	"net/http"

	"github.com/spf13/cobra"

	"github.com/scenesync/scenesync/internal/config"
	"github.com/scenesync/scenesync/internal/server"
	"github.com/scenesync/scenesync/internal/stats"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an embedded collaboration server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("addr", "localhost:8000", "Listen address")
	serveCmd.Flags().String("signing-key", "", "Base64 signing key; empty disables token auth")
	serveCmd.Flags().StringSlice("allowed-origins", nil, "Allowed CORS origins")

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	signingKey, _ := cmd.Flags().GetString("signing-key")
	origins, _ := cmd.Flags().GetStringSlice("allowed-origins")

	cfg, err := config.NewConfig(addr, signingKey, origins)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	cs := server.NewCollabServer(logger, statsUpdater)
	handler := server.NewHandler(mux, logger, cs, statsUpdater, cfg)
	go cs.Run()
	defer cs.Shutdown()

	srv := &http.Server{Addr: cfg.ServerAddr, Handler: handler.CORS(mux)}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-cmd.Context().Done():
		return srv.Close()
	case err := <-errCh:
		return err
	}
}
