package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/stockimport/internal/client"
)

var (
	serverURL string
	apiKey    string
	tenant    string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "importctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "importctl",
		Short: "Stock import API client",
		Long: `importctl uploads product, supplier and movement files to the import API
and follows the resulting jobs over the channel the server recommends.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("IMPORT_SERVER", "http://localhost:8080"), "Import API base URL")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("IMPORT_API_KEY"), "API key sent as X-API-Key")
	cmd.PersistentFlags().StringVarP(&tenant, "tenant", "t", os.Getenv("IMPORT_TENANT"), "Tenant sent as X-Tenant-ID when no API key is used")
	cmd.AddCommand(
		newUploadCmd(),
		newStatusCmd(),
		newWatchCmd(),
		newCancelCmd(),
		newClassifyCmd(),
		newErrorsCmd(),
	)
	return cmd
}

func newClient() *client.Client {
	var opts []client.Option
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}
	if tenant != "" {
		opts = append(opts, client.WithTenant(tenant))
	}
	return client.New(serverURL, opts...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
