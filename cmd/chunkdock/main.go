package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/jaywantadh/chunkdock/config"
	"github.com/jaywantadh/chunkdock/internal/metadata"
	"github.com/jaywantadh/chunkdock/internal/storage"
	"github.com/jaywantadh/chunkdock/internal/transfer"
	"github.com/jaywantadh/chunkdock/internal/upload"
	"github.com/jaywantadh/chunkdock/pkg/env"
	"github.com/jaywantadh/chunkdock/pkg/httpserver"
	"github.com/jaywantadh/chunkdock/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(env.GetEnv("CHUNKDOCK_DEBUG", "") == "true")

	app := &cli.App{
		Name:  "chunkdock",
		Usage: "Resumable chunked upload receiver",
		Commands: []*cli.Command{
			serveCommand(),
			pushCommand(),
			sessionsCommand(),
			artifactsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}

func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "base URL of the chunkdock server",
		Value:   env.GetEnv("CHUNKDOCK_SERVER", "http://localhost:8080"),
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the upload receiver",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "directory holding config.yaml",
				Value: "./config",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return err
			}
			logging.InitLogger(cfg.Debug)
			log := logging.Log

			maxChunk, err := cfg.MaxChunkBytes()
			if err != nil {
				return err
			}
			store, err := storage.NewLocalStorage(cfg.UploadRoot)
			if err != nil {
				return err
			}
			meta, err := metadata.OpenMetadataStore(cfg.MetadataPath)
			if err != nil {
				return err
			}
			defer meta.Close()

			svc := upload.NewService(store, meta, upload.Options{
				CompressChunks:   cfg.CompressChunks,
				LockWaitAttempts: cfg.LockWaitAttempts,
				LockWaitInitial:  cfg.LockWaitInitial,
				LockWaitMax:      cfg.LockWaitMax,
			}, log)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := svc.Recover(ctx); err != nil {
				return fmt.Errorf("startup recovery failed: %w", err)
			}

			log.WithFields(logrus.Fields{
				"upload_root":    cfg.UploadRoot,
				"max_chunk_size": units.HumanSize(float64(maxChunk)),
				"compress":       cfg.CompressChunks,
				"instance":       svc.InstanceID(),
			}).Info("📦 chunkdock receiver ready")

			handler := transfer.NewServer(svc, log, maxChunk).Handler()
			return httpserver.Run(ctx, cfg.Addr(), handler, cfg.ShutdownTimeout, log)
		},
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Upload a file, resuming from whatever the server already holds",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:  "chunk-size",
				Usage: "chunk size such as 1MB; picked from the file size when empty",
			},
			&cli.StringFlag{
				Name:  "identifier",
				Usage: "session identifier; derived from size and name when empty",
			},
			&cli.IntFlag{
				Name:  "simultaneous",
				Usage: "chunks in flight",
				Value: 3,
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "transport retries per request",
				Value: 4,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "per request timeout",
				Value: 2 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("push needs exactly one file", 2)
			}

			var chunkSize int64
			if raw := c.String("chunk-size"); raw != "" {
				size, err := units.RAMInBytes(raw)
				if err != nil {
					return fmt.Errorf("invalid chunk size %q: %w", raw, err)
				}
				chunkSize = size
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := transfer.NewClient(c.String("server"), transfer.ClientOptions{
				RetryMax: c.Int("retries"),
				Timeout:  c.Duration("timeout"),
				Logger:   logging.Log,
			})
			result, err := client.Push(ctx, c.Args().First(), transfer.PushOptions{
				Identifier:   c.String("identifier"),
				ChunkSize:    chunkSize,
				Simultaneous: c.Int("simultaneous"),
				Progress: func(p transfer.ProgressSnapshot) {
					fmt.Fprintf(c.App.ErrWriter, "\r%s: %d/%d chunks (%.1f%%)", p.FileName, p.ChunksSent+p.ChunksSkipped, p.TotalChunks, p.ProgressPercent)
				},
			})
			fmt.Fprintln(c.App.ErrWriter)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "%s uploaded as %s: %d chunks sent, %d already present\n",
				result.FileName, result.Identifier, result.Progress.ChunksSent, result.Progress.ChunksSkipped)
			return nil
		},
	}
}

func sessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "List uploads the server is still waiting on",
		Flags: []cli.Flag{serverFlag()},
		Action: func(c *cli.Context) error {
			client := transfer.NewClient(c.String("server"), transfer.ClientOptions{Logger: logging.Log})
			sessions, err := client.Sessions(c.Context)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "IDENTIFIER\tFILE\tCHUNKS\tCOMPRESSED\tAGE")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", s.SessionID, s.FileName, s.TotalChunks, s.Compressed,
					units.HumanDuration(time.Since(time.Unix(s.CreatedAt, 0))))
			}
			return w.Flush()
		},
	}
}

func artifactsCommand() *cli.Command {
	return &cli.Command{
		Name:  "artifacts",
		Usage: "List reassembled files",
		Flags: []cli.Flag{serverFlag()},
		Action: func(c *cli.Context) error {
			client := transfer.NewClient(c.String("server"), transfer.ClientOptions{Logger: logging.Log})
			artifacts, err := client.Artifacts(c.Context)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FILE\tSIZE\tCHUNKS\tBLAKE2B\tCOMPLETED")
			for _, a := range artifacts {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", a.FileName, units.HumanSize(float64(a.Size)), a.TotalChunks,
					a.Checksum, time.Unix(a.CompletedAt, 0).Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

var _ transfer.Uploader = (*upload.Service)(nil)
