package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"generation-executor/internal/app"
	"generation-executor/internal/config"
	"generation-executor/internal/executor"
	"generation-executor/internal/models"
	"generation-executor/internal/store"
	"generation-executor/internal/telemetry"
)

// backend is the store surface the CLI needs from either database.
type backend interface {
	app.Store
	RunMigrations(ctx context.Context) error
	CreateJob(ctx context.Context, job models.GenerationJob) (models.GenerationJob, error)
	AddReferenceImage(ctx context.Context, ref models.ReferenceImage) error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "genexec",
		Usage: "run and inspect generation jobs from the command line",
		Commands: []*cli.Command{
			{
				Name:  "process",
				Usage: "run one bounded invocation of a job and print the result",
				Flags: []cli.Flag{
					envFlag(), localFlag(),
					&cli.StringFlag{Name: "job", Usage: "job id", Required: true},
					&cli.IntFlag{Name: "batch-size", Usage: "variations claimed per invocation"},
					&cli.IntFlag{Name: "parallelism", Usage: "concurrent generation calls"},
					&cli.DurationFlag{Name: "time-budget", Usage: "stop claiming new units after this long"},
					&cli.StringFlag{Name: "credential", Usage: "provider API key override", Sources: cli.EnvVars("GENEXEC_CREDENTIAL")},
				},
				Action: processAction,
			},
			{
				Name:   "migrate",
				Usage:  "apply database migrations",
				Flags:  []cli.Flag{envFlag(), localFlag()},
				Action: migrateAction,
			},
			{
				Name:  "submit",
				Usage: "create a pending job",
				Flags: []cli.Flag{
					envFlag(), localFlag(),
					&cli.StringFlag{Name: "product", Required: true},
					&cli.StringFlag{Name: "type", Value: string(models.JobTypeImage)},
					&cli.StringFlag{Name: "prompt"},
					&cli.IntFlag{Name: "variations", Value: 1},
					&cli.StringFlag{Name: "reference-set"},
					&cli.StringFlag{Name: "scene"},
					&cli.StringFlag{Name: "model"},
					&cli.StringFlag{Name: "resolution"},
					&cli.StringFlag{Name: "aspect-ratio"},
				},
				Action: submitAction,
			},
			{
				Name:  "add-reference",
				Usage: "register a stored image as a member of a reference set",
				Flags: []cli.Flag{
					envFlag(), localFlag(),
					&cli.StringFlag{Name: "set", Required: true},
					&cli.StringFlag{Name: "path", Usage: "storage key of the image", Required: true},
					&cli.StringFlag{Name: "mime"},
					&cli.IntFlag{Name: "position"},
				},
				Action: addReferenceAction,
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func envFlag() cli.Flag {
	return &cli.StringFlag{Name: "env", Usage: "env file to load", Value: ".env"}
}

func localFlag() cli.Flag {
	return &cli.BoolFlag{Name: "local", Usage: "use SQLite and the local filesystem instead of Postgres and S3"}
}

func setup(ctx context.Context, cmd *cli.Command) (config.Config, backend, func(), zerolog.Logger, error) {
	cfg := config.Load(cmd.String("env"))
	logger := telemetry.NewLogger(cfg.Env).With().Str("component", "genexec").Logger()

	if cmd.Bool("local") {
		cfg.StorageBackend = "local"
		st, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return cfg, nil, nil, logger, err
		}
		return cfg, st, func() { _ = st.Close() }, logger, nil
	}
	st, err := store.NewPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		return cfg, nil, nil, logger, err
	}
	return cfg, st, st.Close, logger, nil
}

func processAction(ctx context.Context, cmd *cli.Command) error {
	cfg, st, closeStore, logger, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	objects, err := app.NewObjects(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init object storage: %w", err)
	}
	exec := app.NewExecutor(cfg, st, objects, nil, logger)

	res, err := exec.ProcessGenerationJob(ctx, cmd.String("job"), executor.Options{
		BatchSize:   cmd.Int("batch-size"),
		Parallelism: cmd.Int("parallelism"),
		TimeBudget:  cmd.Duration("time-budget"),
		Credential:  cmd.String("credential"),
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func migrateAction(ctx context.Context, cmd *cli.Command) error {
	_, st, closeStore, logger, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := st.RunMigrations(ctx); err != nil {
		return err
	}
	logger.Info().Bool("local", cmd.Bool("local")).Msg("migrations applied")
	return nil
}

func submitAction(ctx context.Context, cmd *cli.Command) error {
	_, st, closeStore, _, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeStore()

	job := models.GenerationJob{
		ProductID:       cmd.String("product"),
		JobType:         models.JobType(cmd.String("type")),
		FinalPrompt:     cmd.String("prompt"),
		VariationCount:  cmd.Int("variations"),
		GenerationModel: cmd.String("model"),
		Resolution:      cmd.String("resolution"),
		AspectRatio:     cmd.String("aspect-ratio"),
		ReferenceSetID:  optional(cmd.String("reference-set")),
		SceneID:         optional(cmd.String("scene")),
	}
	if job.JobType == models.JobTypeVideo {
		job.VariationCount = 1
	}
	job, err = st.CreateJob(ctx, job)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func addReferenceAction(ctx context.Context, cmd *cli.Command) error {
	_, st, closeStore, _, err := setup(ctx, cmd)
	if err != nil {
		return err
	}
	defer closeStore()
	return st.AddReferenceImage(ctx, models.ReferenceImage{
		ReferenceSetID: cmd.String("set"),
		StoragePath:    cmd.String("path"),
		MimeType:       cmd.String("mime"),
		Position:       cmd.Int("position"),
	})
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
