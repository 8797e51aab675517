// Command hostfleetctl is the CLI front end from spec.md §6: it publishes
// requests onto the shared bus and streams the reply sub-topics to stdout.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"hostfleet/internal/bus"
	"hostfleet/internal/config"
	"hostfleet/internal/envflag"
	"hostfleet/internal/logging"
)

const selfModule = "hostfleetctl"

const requestTimeout = 30 * time.Second

var (
	cfg    *config.Config
	logger *logging.Logger
	b      *bus.Bus
)

func main() {
	root := &cobra.Command{
		Use:          "hostfleetctl",
		Short:        "Control front end for the game server host lifecycle managers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			logger, err = logging.New(selfModule, cfg.Logging)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}
			b, err = bus.New(cfg.BusDir, logger)
			if err != nil {
				return fmt.Errorf("opening message bus: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if b != nil {
				return b.Close()
			}
			return nil
		},
	}

	root.AddCommand(
		newSendCmd(),
		newDownloadGameCmd(),
		newListDownloadsCmd(),
		newCancelDownloadCmd(),
		newDownloadGameConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newSendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <channel> <message>",
		Short: "Publish a raw message onto the bus",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel, message := args[0], args[1]
			return b.Publish(channel, map[string]any{"message": message})
		},
	}
}

func newDownloadGameCmd() *cobra.Command {
	var force, validate, clean, steamcmdClean bool
	var username, password, rootDirectory string

	c := &cobra.Command{
		Use:   "downloadGame <game>",
		Short: "Request a game's base files be downloaded or updated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{
				"gameId":        args[0],
				"force":         force,
				"validate":      validate,
				"clean":         clean,
				"steamCmdClean": steamcmdClean,
				"username":      username,
				"password":      password,
				"rootDirectory": rootDirectory,
			}
			return exchangeAndPrint(cmd.Context(), "downloadManager.downloadGame", fields)
		},
	}
	c.Flags().BoolVar(&force, "force", false, "reinstall the content-delivery tool even if present")
	c.Flags().BoolVar(&validate, "validate", false, "validate files after download")
	c.Flags().BoolVar(&clean, "clean", false, "remove the download directory before downloading")
	c.Flags().BoolVar(&steamcmdClean, "steamcmd-clean", false, "remove the content-delivery tool before downloading")
	c.Flags().StringVar(&username, "username", envflag.String("STEAMCMD_USERNAME", ""), "content-delivery tool login username")
	c.Flags().StringVar(&password, "password", envflag.String("STEAMCMD_PASSWORD", ""), "content-delivery tool login password")
	c.Flags().StringVar(&rootDirectory, "root-directory", "", "override SERVER_FILES_ROOT_DIR for this request")
	return c
}

func newListDownloadsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listDownloads",
		Short: "List in-flight download tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exchangeAndPrint(cmd.Context(), "downloadManager.listDownloads", nil)
		},
	}
}

func newCancelDownloadCmd() *cobra.Command {
	var cleanup bool
	c := &cobra.Command{
		Use:   "cancelDownload <game>",
		Short: "Cancel an in-flight download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{"gameId": args[0], "cleanup": cleanup}
			return exchangeAndPrint(cmd.Context(), "downloadManager.cancelDownload", fields)
		},
	}
	c.Flags().BoolVar(&cleanup, "cleanup", envflag.Bool("DOWNLOAD_CANCEL_CLEANUP", false), "remove the download directory after cancellation")
	return c
}

func newDownloadGameConfigCmd() *cobra.Command {
	var clean bool
	var rootDirectory string
	c := &cobra.Command{
		Use:   "downloadGameConfig <instance-id> <repo-url> <layer-ident>",
		Short: "Fetch instance configuration from a VCS repository layer",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := map[string]any{
				"instanceId":    args[0],
				"repoUrl":       args[1],
				"layerIdent":    args[2],
				"clean":         clean,
				"rootDirectory": rootDirectory,
			}
			return exchangeAndPrint(cmd.Context(), "configManager.downloadUpdateRepo", fields)
		},
	}
	c.Flags().BoolVar(&clean, "clean", false, "remove the existing repo checkout before fetching")
	c.Flags().StringVar(&rootDirectory, "root-directory", "", "override SERVER_FILES_ROOT_DIR for this request")
	return c
}

// exchangeAndPrint publishes a request envelope to targetTopic and prints
// every reply sub-topic delivery until a terminal message arrives.
func exchangeAndPrint(ctx context.Context, targetTopic string, fields map[string]any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	env := bus.NewEnvelope(selfModule, fields)
	err := bus.Exchange(ctx, b, targetTopic, env, func(r bus.Reply) {
		switch r.Kind {
		case bus.SubNack:
			fmt.Printf("nack: alreadyRequested=%v subscribeTo=%s\n", r.Envelope.GetBool("alreadyRequested"), r.Envelope.GetString("subscribeTo"))
		case bus.SubError:
			fmt.Printf("error: %s\n", r.Envelope.GetString("message"))
		case bus.SubProgress:
			fmt.Printf("progress: %s %.1f%%\n", r.Envelope.GetString("stage"), percentOf(r.Envelope))
		case bus.SubOutput:
			fmt.Println(r.Envelope.GetString("line"))
		case bus.SubFinalStatus:
			fmt.Printf("finalStatus: %s\n", r.Envelope.GetString("reason"))
		case bus.SubAck:
			fmt.Println("ack")
		}
	})
	if err != nil {
		return fmt.Errorf("exchange with %s: %w", targetTopic, err)
	}
	return nil
}

func percentOf(env bus.Envelope) float64 {
	v, _ := env.Get("percent").(float64)
	return v
}
