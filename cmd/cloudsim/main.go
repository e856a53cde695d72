// Command cloudsim serves a local stand-in for the cloud API, for
// development against the remote backend without a real account.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetsync/internal/auth"
	"github.com/fruitsalade/assetsync/internal/backend"
	"github.com/fruitsalade/assetsync/internal/cloudsim"
	"github.com/fruitsalade/assetsync/internal/config"
	"github.com/fruitsalade/assetsync/internal/logging"
	"github.com/fruitsalade/assetsync/internal/storage"
	storelocal "github.com/fruitsalade/assetsync/internal/storage/local"
	stores3 "github.com/fruitsalade/assetsync/internal/storage/s3"
)

func main() {
	cmd := &cli.Command{
		Name:   "cloudsim",
		Usage:  "Serve a simulated cloud API",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: ":8090", Usage: "listen address", Sources: cli.EnvVars("CLOUDSIM_LISTEN")},
			&cli.StringFlag{Name: "base-url", Usage: "address clients reach the server at", Sources: cli.EnvVars("CLOUDSIM_BASE_URL")},
			&cli.StringFlag{Name: "storage", Value: "local", Usage: "object store: local or s3", Sources: cli.EnvVars("CLOUDSIM_STORAGE")},
			&cli.StringFlag{Name: "root", Value: "./cloudsim-data", Usage: "root directory of the local store", Sources: cli.EnvVars("CLOUDSIM_ROOT")},
			&cli.StringFlag{Name: "s3-endpoint", Sources: cli.EnvVars("S3_ENDPOINT")},
			&cli.StringFlag{Name: "s3-bucket", Value: "assetsync", Sources: cli.EnvVars("S3_BUCKET")},
			&cli.StringFlag{Name: "s3-access-key", Sources: cli.EnvVars("S3_ACCESS_KEY")},
			&cli.StringFlag{Name: "s3-secret-key", Sources: cli.EnvVars("S3_SECRET_KEY")},
			&cli.StringFlag{Name: "s3-region", Value: "us-east-1", Sources: cli.EnvVars("S3_REGION")},
			jwtSecretFlag(),
			&cli.StringFlag{Name: "plan", Value: string(backend.PlanSolo), Usage: "account plan: free, solo, team or enterprise", Sources: cli.EnvVars("CLOUDSIM_PLAN")},
			&cli.StringFlag{Name: "organization", Value: "Organization", Usage: "organization name on team plans", Sources: cli.EnvVars("CLOUDSIM_ORGANIZATION")},
			&cli.IntFlag{Name: "chunk-size", Value: config.DefaultChunkSize, Usage: "multipart part size in bytes", Sources: cli.EnvVars("CHUNK_SIZE")},
			&cli.DurationFlag{Name: "open-delay", Value: 2 * time.Second, Usage: "time a project takes to open", Sources: cli.EnvVars("CLOUDSIM_OPEN_DELAY")},
			&cli.StringFlag{Name: "log-level", Value: "info", Sources: cli.EnvVars("LOG_LEVEL")},
			&cli.StringFlag{Name: "log-format", Value: "json", Sources: cli.EnvVars("LOG_FORMAT")},
		},
		Commands: []*cli.Command{
			{
				Name:      "issue-token",
				Usage:     "Print a session token for a user, or save it as a token file",
				ArgsUsage: "<subject>",
				Action:    issueToken,
				Flags: []cli.Flag{
					jwtSecretFlag(),
					&cli.StringFlag{Name: "name", Usage: "display name"},
					&cli.StringFlag{Name: "email"},
					&cli.DurationFlag{Name: "ttl", Value: 24 * time.Hour},
					&cli.StringFlag{Name: "server", Usage: "server URL recorded in the token file"},
					&cli.StringFlag{Name: "out", Usage: "write a token file here instead of printing"},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func jwtSecretFlag() cli.Flag {
	return &cli.StringFlag{Name: "jwt-secret", Usage: "HMAC secret for session tokens", Sources: cli.EnvVars("CLOUDSIM_JWT_SECRET")}
}

func jwtSecret(cmd *cli.Command) (string, error) {
	secret := cmd.String("jwt-secret")
	if secret == "" {
		return "", errors.New("jwt-secret is required")
	}
	return secret, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	if err := logging.Init(logging.Config{Level: cmd.String("log-level"), Format: cmd.String("log-format")}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logging.Sync()

	secret, err := jwtSecret(cmd)
	if err != nil {
		return err
	}
	store, err := openStorage(ctx, cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	sim, err := cloudsim.New(cloudsim.Config{
		Storage:          store,
		Issuer:           auth.NewIssuer(secret, 24*time.Hour),
		BaseURL:          cmd.String("base-url"),
		ChunkSize:        int64(cmd.Int("chunk-size")),
		Plan:             backend.Plan(cmd.String("plan")),
		OrganizationName: cmd.String("organization"),
		OpenDelay:        cmd.Duration("open-delay"),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cmd.String("listen"),
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logging.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error("shutdown failed", zap.Error(err))
		}
	}()

	logging.Info("cloud simulator listening",
		zap.String("addr", srv.Addr),
		zap.String("storage", store.Type()),
		zap.String("plan", cmd.String("plan")),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStorage(ctx context.Context, cmd *cli.Command) (storage.Backend, error) {
	switch cmd.String("storage") {
	case "local":
		return storelocal.New(storelocal.Config{RootPath: cmd.String("root"), CreateDirs: true})
	case "s3":
		return stores3.New(ctx, stores3.Config{
			Endpoint:  cmd.String("s3-endpoint"),
			Bucket:    cmd.String("s3-bucket"),
			AccessKey: cmd.String("s3-access-key"),
			SecretKey: cmd.String("s3-secret-key"),
			Region:    cmd.String("s3-region"),
		})
	default:
		return nil, fmt.Errorf("unknown storage %q", cmd.String("storage"))
	}
}

func issueToken(_ context.Context, cmd *cli.Command) error {
	subject := cmd.Args().First()
	if subject == "" {
		return errors.New("subject is required")
	}
	secret, err := jwtSecret(cmd)
	if err != nil {
		return err
	}
	token, err := auth.NewIssuer(secret, cmd.Duration("ttl")).
		Issue(subject, cmd.String("name"), cmd.String("email"), "")
	if err != nil {
		return err
	}
	out := cmd.String("out")
	if out == "" {
		fmt.Println(token)
		return nil
	}
	return auth.SaveTokenFile(out, auth.TokenFile{Token: token, Server: cmd.String("server"), Subject: subject})
}
