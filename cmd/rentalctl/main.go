package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"

	"rental-ops/internal/client"
	"rental-ops/internal/config"
	"rental-ops/internal/guard"
	"rental-ops/internal/logging"
	"rental-ops/internal/models"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	app := &cli.Command{
		Name:  "rentalctl",
		Usage: "contract documents, payment checks and contract mutations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api",
				Usage:   "API base URL",
				Value:   "http://localhost:8080",
				Sources: cli.EnvVars("RENTAL_API_URL"),
			},
			&cli.StringFlag{
				Name:    "tenant",
				Usage:   "tenant id sent as X-Tenant-ID",
				Sources: cli.EnvVars("RENTAL_TENANT"),
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "file holding idempotency keys between runs",
				Value: defaultSessionPath(),
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "env file path",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "debug logging",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			if err := config.LoadDotEnv(cmd.String("env")); err != nil {
				return ctx, err
			}
			level := "warn"
			if cmd.Bool("verbose") {
				level = "debug"
			}
			slog.SetDefault(logging.NewWithWriter(os.Stderr, level, "text"))
			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:      "generate",
				Usage:     "request a contract document",
				ArgsUsage: "<contract-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "template", Usage: "template name (standard, premium)"},
					&cli.BoolFlag{Name: "wait", Usage: "poll until the job finishes"},
					&cli.DurationFlag{Name: "interval", Usage: "poll interval", Value: time.Second},
				},
				Action: generateAction,
			},
			{
				Name:      "status",
				Usage:     "show a job",
				ArgsUsage: "<job-id>",
				Action:    statusAction,
			},
			{
				Name:      "wait",
				Usage:     "poll a job until it completes or fails",
				ArgsUsage: "<job-id>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "interval", Usage: "poll interval", Value: time.Second},
					&cli.DurationFlag{Name: "timeout", Usage: "give up after", Value: 10 * time.Minute},
				},
				Action: waitAction,
			},
			{
				Name:      "verify",
				Usage:     "check the ledger for a contract's payment",
				ArgsUsage: "<contract-id>",
				Action:    verifyAction,
			},
			{
				Name:  "dlq",
				Usage: "list render requests the worker gave up on",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Usage: "max entries", Value: 100},
				},
				Action: dlqAction,
			},
			{
				Name:      "approve",
				Usage:     "activate a pending contract",
				ArgsUsage: "<contract-id>",
				Action:    mutateAction((*client.Client).ApproveContract),
			},
			{
				Name:      "terminate",
				Usage:     "terminate an active contract",
				ArgsUsage: "<contract-id>",
				Action:    mutateAction((*client.Client).TerminateContract),
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func defaultSessionPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".rentalctl-session.json"
	}
	return filepath.Join(dir, "rentalctl", "session.json")
}

func newClient(cmd *cli.Command) *client.Client {
	tokens := guard.NewTokenGuard(guard.NewFileStorage(cmd.String("session")))
	return client.New(client.Config{
		BaseURL: cmd.String("api"),
		Tenant:  cmd.String("tenant"),
	}, tokens)
}

func requireArg(cmd *cli.Command, name string) (string, error) {
	v := cmd.Args().First()
	if v == "" {
		return "", fmt.Errorf("missing %s", name)
	}
	return v, nil
}

func generateAction(ctx context.Context, cmd *cli.Command) error {
	contractID, err := requireArg(cmd, "contract id")
	if err != nil {
		return err
	}
	c := newClient(cmd)
	req, err := c.GenerateDocument(ctx, contractID, cmd.String("template"))
	if err != nil {
		return err
	}
	if !req.Created {
		slog.Info("reusing active job", "job_id", req.Job.ID, "status", req.Job.Status)
	}
	if !cmd.Bool("wait") {
		return printJSON(req)
	}
	job, err := c.WaitForJob(ctx, req.Job.ID, cmd.Duration("interval"), logProgress)
	if err != nil {
		return err
	}
	return finish(job)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}
	job, err := newClient(cmd).GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return printJSON(job)
}

func waitAction(ctx context.Context, cmd *cli.Command) error {
	jobID, err := requireArg(cmd, "job id")
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, cmd.Duration("timeout"))
	defer cancel()
	job, err := newClient(cmd).WaitForJob(ctx, jobID, cmd.Duration("interval"), logProgress)
	if err != nil {
		return err
	}
	return finish(job)
}

func verifyAction(ctx context.Context, cmd *cli.Command) error {
	contractID, err := requireArg(cmd, "contract id")
	if err != nil {
		return err
	}
	check, err := newClient(cmd).VerifyPayment(ctx, contractID)
	var apiErr *client.APIError
	if err != nil && !errors.As(err, &apiErr) {
		return err
	}
	if perr := printJSON(check); perr != nil {
		return perr
	}
	if err != nil && check.Retryable() {
		return fmt.Errorf("%w (retry later)", err)
	}
	return err
}

func dlqAction(ctx context.Context, cmd *cli.Command) error {
	items, err := newClient(cmd).DeadLetters(ctx, int(cmd.Int("limit")))
	if err != nil {
		return err
	}
	return printJSON(items)
}

func mutateAction(fn func(*client.Client, context.Context, string) (client.Mutation, error)) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		contractID, err := requireArg(cmd, "contract id")
		if err != nil {
			return err
		}
		m, err := fn(newClient(cmd), ctx, contractID)
		if errors.Is(err, guard.ErrBusy) {
			return fmt.Errorf("another %s is in progress", cmd.Name)
		}
		if err != nil {
			return err
		}
		if m.Replayed {
			slog.Info("server replayed an earlier response", "contract_id", contractID)
		}
		return printJSON(m.Contract)
	}
}

func logProgress(job models.Job) {
	slog.Info("job progress", "job_id", job.ID, "status", job.Status, "progress", job.Progress)
}

func finish(job models.Job) error {
	if err := printJSON(job); err != nil {
		return err
	}
	if job.Status == models.StatusFailed {
		return fmt.Errorf("job %s failed: %s", job.ID, job.Error)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
