package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tangentland/elile/internal/audit"
	"github.com/tangentland/elile/internal/compliance"
	"github.com/tangentland/elile/internal/config"
	"github.com/tangentland/elile/internal/crypto"
	"github.com/tangentland/elile/internal/engine"
	"github.com/tangentland/elile/internal/profile"
	"github.com/tangentland/elile/internal/provider"
	"github.com/tangentland/elile/internal/provider/synthetic"
	"github.com/tangentland/elile/internal/respcache"
	"github.com/tangentland/elile/internal/screening"
	"github.com/tangentland/elile/internal/vigilance"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "elile",
	Short:   "Elile - background screening and continuous monitoring engine",
	Long:    `Elile runs the investigation and monitoring engine: SAR evidence gathering, risk scoring, and vigilance scheduling.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Elile %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	log.Info().Str("version", Version).Msg("Starting Elile engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, stores, err := buildEngine(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build engine")
	}
	defer stores.close()

	go eng.Scheduler().Run(ctx)
	go eng.RunHealthProbes(ctx)
	go runRetentionSweep(ctx, cfg, stores)

	// Metrics endpoint.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("Metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	eng.Close()
}

// engineStores bundles the persistent stores behind the engine so the
// retention sweep and shutdown path can reach them.
type engineStores struct {
	cache     *respcache.Store
	profiles  *profile.SQLStore
	schedules *vigilance.SQLScheduleStore
}

func (s *engineStores) close() {
	s.schedules.Close()
	s.profiles.Close()
	s.cache.Close()
}

// runRetentionSweep prunes expired cache rows and out-of-retention
// profile versions once a day.
func runRetentionSweep(ctx context.Context, cfg config.Config, stores *engineStores) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := stores.cache.PruneExpired(ctx, time.Now().Add(-30*24*time.Hour)); err != nil {
				log.Warn().Err(err).Msg("Cache retention sweep failed")
			}
			cutoff := time.Now().AddDate(0, 0, -cfg.RetentionDays)
			if n, err := stores.profiles.PruneOlderThan(ctx, cutoff); err != nil {
				log.Warn().Err(err).Msg("Profile retention sweep failed")
			} else if n > 0 {
				log.Info().Int64("pruned", n).Msg("Profile retention sweep completed")
			}
		}
	}
}

// buildEngine constructs the engine and its stores from configuration.
func buildEngine(cfg config.Config) (*engine.Engine, *engineStores, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	cacheStore, err := respcache.NewStore(cfg.CacheDBPath)
	if err != nil {
		return nil, nil, err
	}
	profileStore, err := profile.NewSQLStore(cfg.ProfileDBPath)
	if err != nil {
		cacheStore.Close()
		return nil, nil, err
	}
	scheduleStore, err := vigilance.NewSQLScheduleStore(cfg.ScheduleDBPath)
	if err != nil {
		cacheStore.Close()
		profileStore.Close()
		return nil, nil, err
	}
	cryptoMgr, err := crypto.NewManager(cfg.DataDir, cfg.CryptoPassphrase)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to init crypto manager, raw payloads will not be stored")
	}

	registry := provider.NewRegistry()
	if err := synthetic.DefaultFleet(registry); err != nil {
		return nil, nil, err
	}
	registry.Seal()

	eng, err := engine.New(engine.Options{
		Registry:      registry,
		Cache:         cacheStore,
		Profiles:      profileStore,
		Schedules:     scheduleStore,
		Oracle:        compliance.PermitAll{},
		AuditSink:     audit.LogSink{},
		Crypto:        cryptoMgr,
		AuditBuffer:   cfg.AuditBuffer,
		Deadline:      cfg.ScreeningDeadline,
		SchedulerTick: cfg.SchedulerTick,
	})
	if err != nil {
		return nil, nil, err
	}

	return eng, &engineStores{cache: cacheStore, profiles: profileStore, schedules: scheduleStore}, nil
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run one end-to-end screening against the synthetic providers",
	Run: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		dir, err := os.MkdirTemp("", "elile-demo-")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create demo dir")
		}
		defer os.RemoveAll(dir)

		cfg := config.Default()
		cfg.DataDir = dir
		cfg.CacheDBPath = dir + "/cache.db"
		cfg.ProfileDBPath = dir + "/profiles.db"
		cfg.ScheduleDBPath = dir + "/schedules.db"

		eng, stores, err := buildEngine(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to build engine")
		}
		defer stores.close()

		subject := &screening.Subject{
			ID:        "sub_demo",
			Kind:      screening.SubjectIndividual,
			TenantID:  "tenant_demo",
			Names:     []string{"Jordan Example"},
			DOB:       "1988-04-12",
			Addresses: []string{"12 Main St, Springfield, Greene County, MO"},
			Emails:    []string{"jordan@example.com"},
			Role:      "finance_manager",
			Locale:    "US",
		}
		id, err := eng.StartScreening(cmd.Context(), screening.Request{
			Subject:       subject,
			Config:        screening.ServiceConfig{Tier: screening.TierEnhanced, Degree: screening.DegreeD2, Vigilance: screening.VigilanceV2},
			TenantID:      "tenant_demo",
			CorrelationID: "demo-1",
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start screening")
		}
		eng.Wait()

		rec := eng.Get(id)
		log.Info().
			Str("screening_id", id).
			Str("status", string(rec.Status)).
			Int("profile_version", rec.ProfileVersion).
			Msg("Demo screening finished")
		for _, outcome := range rec.TypeOutcomes {
			log.Info().
				Str("info_type", string(outcome.InfoType)).
				Str("state", string(outcome.State)).
				Str("reason", outcome.Reason).
				Msg("Type outcome")
		}
		eng.Close()
	},
}
