// Praxis daemon: nightly coaching decisions, schedules and streaks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/praxishealth/praxis/internal/api"
	"github.com/praxishealth/praxis/internal/audit"
	"github.com/praxishealth/praxis/internal/config"
	"github.com/praxishealth/praxis/internal/embeddings"
	"github.com/praxishealth/praxis/internal/llm"
	"github.com/praxishealth/praxis/internal/logging"
	"github.com/praxishealth/praxis/internal/memory"
	"github.com/praxishealth/praxis/internal/mvd"
	"github.com/praxishealth/praxis/internal/nudge"
	"github.com/praxishealth/praxis/internal/safety"
	"github.com/praxishealth/praxis/internal/schedule"
	"github.com/praxishealth/praxis/internal/scheduler"
	"github.com/praxishealth/praxis/internal/storage"
	"github.com/praxishealth/praxis/internal/streaks"
	"github.com/praxishealth/praxis/internal/vectors"
)

var (
	configPath string
	dataDir    string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "praxis",
		Short: "Praxis - proactive coaching daemon",
		RunE:  runDaemon,
	}

	home, _ := os.UserHomeDir()
	defaultConfig := filepath.Join(home, ".praxis", "config.json")
	rootCmd.Flags().StringVar(&configPath, "config", defaultConfig, "Config file path")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.Flags().IntVar(&port, "port", 0, "Ops server port (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := storage.Open(storage.Config{Path: filepath.Join(cfg.DataDir, "praxis.db")})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	userStore := storage.NewUserStore(db)
	enrollmentStore := storage.NewEnrollmentStore(db)
	protocolStore := storage.NewProtocolStore(db)
	nudgeStore := storage.NewNudgeStore(db)
	memoryStore := storage.NewMemoryStore(db)
	mvdStore := storage.NewMVDStore(db)
	scheduleStore := storage.NewScheduleStore(db)
	sink := audit.NewStore(db)

	vectorStore, err := vectors.NewStore(vectors.Config{
		Host: cfg.Qdrant.Host,
		Port: cfg.Qdrant.Port,
	})
	if err != nil {
		return fmt.Errorf("connecting to qdrant: %w", err)
	}
	defer vectorStore.Close()

	embedder := embeddings.NewService(embeddings.Config{
		BaseURL: cfg.Ollama.URL,
		Model:   cfg.Ollama.Model,
	})
	if err := embedder.Health(cmd.Context()); err != nil {
		logging.Warn("ollama not reachable at startup: %v", err)
	} else if err := vectorStore.EnsureCollection(cmd.Context(), embedder.Dimension()); err != nil {
		logging.Warn("ensuring protocol collection: %v", err)
	}

	llmClient := llm.NewClient(llm.Config{
		APIKey: cfg.Anthropic.APIKey,
		Model:  cfg.Anthropic.Model,
	})

	memoryMgr := memory.NewManager(memoryStore, memory.Config{
		HalfLifeDays:    cfg.Pipeline.MemoryHalfLifeDays,
		CapPerUser:      cfg.Pipeline.MemoryCapPerUser,
		ConfidenceFloor: cfg.Pipeline.MemoryConfidenceFloor,
	})

	machine := mvd.NewMachine(mvdStore, sink, mvd.Config{
		ExitRecovery: cfg.Pipeline.MVDExitRecovery,
		Detector: mvd.ThresholdDetector{
			FullRecovery:     cfg.Pipeline.MVDFullRecovery,
			SemiRecovery:     cfg.Pipeline.MVDSemiRecovery,
			SemiCalendarLoad: cfg.Pipeline.MVDSemiCalendarLoad,
			SemiStrainMin:    cfg.Pipeline.MVDSemiStrainMin,
		},
	})

	orchestrator := nudge.NewOrchestrator(nudge.Deps{
		Users:       userStore,
		Enrollments: enrollmentStore,
		Protocols:   protocolStore,
		Nudges:      nudgeStore,
		Memories:    memoryMgr,
		Machine:     machine,
		Embedder:    embedder,
		Retriever:   vectorStore,
		Generator:   llmClient,
		Scanner:     safety.NewKeywordScanner(),
		Sink:        sink,
	}, cfg.Pipeline)

	builder := schedule.NewBuilder(userStore, enrollmentStore, protocolStore, mvdStore, scheduleStore, cfg.Pipeline)
	maintainer := streaks.NewMaintainer(enrollmentStore, nudgeStore, sink)

	sched, err := scheduler.NewScheduler(scheduler.Config{})
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}

	jobs := []*scheduler.Job{
		scheduler.DailyJob("adaptive_nudges", "Adaptive nudges", cfg.Jobs.NudgesAt,
			func(ctx context.Context, runAt time.Time) error {
				return orchestrator.Run(ctx, "schedule", runAt)
			}),
		scheduler.DailyJob("daily_schedules", "Daily schedules", cfg.Jobs.SchedulesAt,
			func(ctx context.Context, runAt time.Time) error {
				return builder.Run(ctx, runAt)
			}),
		scheduler.DailyJob("streak_maintenance", "Streak maintenance", cfg.Jobs.StreaksAt,
			func(ctx context.Context, runAt time.Time) error {
				return maintainer.Run(ctx, runAt)
			}),
		scheduler.WeeklyJob("freeze_reset", "Freeze reset", cfg.Jobs.FreezeResetAt,
			[]time.Weekday{time.Monday},
			func(ctx context.Context, runAt time.Time) error {
				return maintainer.ResetFreezes(ctx)
			}),
	}
	for _, job := range jobs {
		if err := sched.Register(job); err != nil {
			return fmt.Errorf("registering job %s: %w", job.ID, err)
		}
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer sched.Stop()

	server := api.New(api.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Scheduler: sched,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		logging.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Stop(shutdownCtx)
	}()

	logging.Info("praxis daemon started")
	return server.Start()
}
