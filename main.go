package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	temporalLog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/worker"

	"ospool-executor/parsing"
	"ospool-executor/workflow"
)

var (
	configPath string
	logLevel   string
	session    workflow.StaticSession
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func loadConfig() (parsing.ExecutorConfig, error) {
	if configPath == "" {
		return parsing.ExecutorConfig{}, fmt.Errorf("--config is required")
	}
	return parsing.ParseExecutorConfigFile(configPath)
}

// newExecutor builds an executor for the configured access point. The
// returned func releases any ssh connection.
func newExecutor(logger *slog.Logger) (*workflow.CondorExecutor, func(), error) {
	config, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	run, closeRunner, err := workflow.NewRunner(config)
	if err != nil {
		return nil, nil, err
	}
	return workflow.NewCondorExecutor(config, session, session, run, logger), closeRunner, nil
}

func printJson(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var rootCmd = &cobra.Command{
	Use:           "ospool-executor",
	Short:         "Submit workflow tasks to an OSPool HTCondor access point",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		if session.Launch == "" {
			session.Launch = cwd
		}
		if session.Base == "" {
			session.Base = filepath.Join(session.Launch, "work")
		}
		return nil
	},
}

var stageCmd = &cobra.Command{
	Use:   "stage",
	Short: "Stage unreachable dirs and print the staging records",
	RunE: func(cmd *cobra.Command, args []string) error {
		executor, closeRunner, err := newExecutor(newLogger())
		if err != nil {
			return err
		}
		defer closeRunner()
		if err := executor.Init(); err != nil {
			return err
		}
		return printJson(executor.StagedDirs().Records())
	},
}

var directivesCmd = &cobra.Command{
	Use:   "directives <task-file>",
	Short: "Print the submit description for a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}
		task, err := parsing.ParseTaskFile(args[0])
		if err != nil {
			return err
		}
		executor := workflow.NewCondorExecutor(config, session, session, nil, newLogger())
		return parsing.WriteSubmitFile(os.Stdout, executor.Directives(task))
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit <task-file>...",
	Short: "Submit tasks directly and print their job ids",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		executor, closeRunner, err := newExecutor(newLogger())
		if err != nil {
			return err
		}
		defer closeRunner()

		for _, taskFile := range args {
			task, err := parsing.ParseTaskFile(taskFile)
			if err != nil {
				return err
			}
			job, err := executor.SubmitTask(task)
			if err != nil {
				return fmt.Errorf("failed to submit %s: %w", taskFile, err)
			}
			fmt.Println(job.JobId)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the state of every job in the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		executor, closeRunner, err := newExecutor(newLogger())
		if err != nil {
			return err
		}
		defer closeRunner()

		states, err := executor.QueueStatus()
		if err != nil {
			return err
		}
		out := make(map[string]string, len(states))
		for id, state := range states {
			out[id] = state.String()
		}
		return printJson(out)
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <job-id>...",
	Short: "Remove jobs from the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		executor, closeRunner, err := newExecutor(newLogger())
		if err != nil {
			return err
		}
		defer closeRunner()

		for _, jobId := range args {
			if err := executor.KillTask(jobId); err != nil {
				return err
			}
		}
		return nil
	},
}

func newTemporalClient(logger *slog.Logger) (client.Client, error) {
	return client.NewLazyClient(client.Options{
		Logger: temporalLog.NewStructuredLogger(logger),
	})
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the condor poller workflow and activities",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		executor, closeRunner, err := newExecutor(logger)
		if err != nil {
			return err
		}
		defer closeRunner()

		c, err := newTemporalClient(logger)
		if err != nil {
			return fmt.Errorf("unable to create Temporal client: %w", err)
		}
		defer c.Close()
		return workflow.StartCondorWorker(c, executor, worker.InterruptCh())
	},
}

var (
	pollerId   string
	parentWfId string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <task-file>...",
	Short: "Send tasks to the poller workflow, starting it if needed",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()
		config, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newTemporalClient(logger)
		if err != nil {
			return fmt.Errorf("unable to create Temporal client: %w", err)
		}
		defer c.Close()

		queueName := workflow.GetTemporalQueueName(config.SubmitHost)
		state := workflow.CondorState{
			ParentWfId:   parentWfId,
			QueueName:    queueName,
			PollInterval: config.PollInterval.Std(),
			MaxRetries:   config.MaxRetries,
		}
		opts := client.StartWorkflowOptions{
			ID:        pollerId,
			TaskQueue: queueName,
		}

		for _, taskFile := range args {
			task, err := parsing.ParseTaskFile(taskFile)
			if err != nil {
				return err
			}
			req := workflow.CondorRequest{Id: uuid.NewString(), Task: task}
			run, err := c.SignalWithStartWorkflow(
				context.Background(), pollerId, workflow.CondorRequestSignal,
				req, opts, workflow.CondorPollerWorkflow, state,
			)
			if err != nil {
				return fmt.Errorf("failed to enqueue %s: %w", taskFile, err)
			}
			logger.Info("Enqueued task", "task", task.Name, "request", req.Id, "run", run.GetRunID())
			fmt.Println(req.Id)
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "executor config file (.json, .yaml)")
	flags.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	flags.StringVar(&session.Base, "base-dir", "", "run work dir; staged copies are made here")
	flags.StringVar(&session.Project, "project-dir", "", "workflow project dir")
	flags.StringVar(&session.Launch, "launch-dir", "", "dir the run was launched from")
	flags.StringVar(&session.Bin, "bin-dir", "", "project bin dir put on task PATH")
	flags.StringVar(&session.SecretsDir, "secrets-dir", "", "secrets store dir; empty disables secrets")

	enqueueCmd.Flags().StringVar(&pollerId, "poller-id", "condor-poller", "poller workflow id")
	enqueueCmd.Flags().StringVar(&parentWfId, "parent", "", "workflow to signal with task results")

	rootCmd.AddCommand(stageCmd, directivesCmd, submitCmd, statusCmd, killCmd, workerCmd, enqueueCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
