package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/companionkit/engage/internal/clock"
	"github.com/companionkit/engage/internal/config"
	"github.com/companionkit/engage/internal/dailyshare"
	"github.com/companionkit/engage/internal/dayplan"
	"github.com/companionkit/engage/internal/delivery"
	"github.com/companionkit/engage/internal/engage"
	"github.com/companionkit/engage/internal/escalation"
	"github.com/companionkit/engage/internal/festival"
	"github.com/companionkit/engage/internal/greetings"
	"github.com/companionkit/engage/internal/health"
	"github.com/companionkit/engage/internal/llm"
	"github.com/companionkit/engage/internal/messenger"
	"github.com/companionkit/engage/internal/metrics"
	"github.com/companionkit/engage/internal/mgmt"
	"github.com/companionkit/engage/internal/persona"
	"github.com/companionkit/engage/internal/slackio"
	"github.com/companionkit/engage/internal/state"
	"github.com/companionkit/engage/internal/tasks"
	"github.com/companionkit/engage/internal/timeperiod"
	"github.com/companionkit/engage/internal/users"
	"github.com/companionkit/engage/internal/weather"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Bool("llm_enabled", cfg.LLMEnabled()).
		Msg("starting engagement agent")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	clk := clock.New()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	m := metrics.New()
	checker := health.NewChecker(logger)

	// Persona
	p, err := persona.Load(cfg.PersonaFile, cfg.PersonaName)
	if err != nil {
		logger.Warn().Err(err).Msg("persona load failed, using default")
	}
	logger.Info().Str("persona", p.Name).Msg("persona loaded")

	// Core state
	tracker := users.NewTracker()
	esc := escalation.NewMachine(cfg.MaxConsecutiveNudges)
	registry := tasks.NewRegistry(clk, rng, logger)
	wl := users.NewWhitelist(cfg.WhitelistEnabled, cfg.WhitelistIDs())
	activeHours := timeperiod.Window{
		Enabled:   cfg.ActiveHoursEnabled,
		StartHour: cfg.ActiveStartHour,
		EndHour:   cfg.ActiveEndHour,
	}

	// WaitGroup for in-flight work
	var wg sync.WaitGroup

	var engine *engage.Engine
	var shares *dailyshare.Service
	var greets *greetings.Service
	var planner *dayplan.Planner

	if cfg.SlackEnabled() && cfg.LLMEnabled() {
		provider := llm.NewAnthropicProvider(cfg.AnthropicAPIKey, logger, llm.WithModel(cfg.LLMModel))

		detector := festival.NewDetector()
		var wx *weather.Client
		if cfg.WeatherConfigured() {
			wx = weather.NewClient(cfg.WeatherAPIKey, cfg.WeatherLocation, logger)
		} else {
			logger.Info().Msg("weather not configured — skipping")
		}

		if cfg.DayPlanEnabled {
			planner = dayplan.NewPlanner(clk, provider, p.Description, cfg.DayPlanHour, cfg.DayPlanMinute, logger)
		}

		slackApp, slackErr := slackio.NewApp(cfg.SlackBotToken, cfg.SlackAppToken, logger)
		if slackErr != nil {
			logger.Fatal().Err(slackErr).Msg("failed to init Slack app")
		}
		deliverer := delivery.NewSlackDeliverer(slackApp.API(), logger)

		msgr := messenger.New(clk, provider, deliverer, p, planner, detector, rng, logger)

		engine = engage.New(engage.Config{
			TickInterval:      cfg.TickInterval,
			InactiveThreshold: cfg.InactiveThreshold,
			MaxResponseDelay:  cfg.MaxResponseDelay,
			ActiveHours:       activeHours,
			Whitelist:         wl,
		}, clk, tracker, esc, registry, msgr, m, rng, logger)

		handler := slackio.NewHandler(engine, msgr.History(), logger)
		slackApp.SetHandler(handler)

		if cfg.SharingEnabled {
			shares = dailyshare.New(dailyshare.Config{
				Enabled:     true,
				MinInterval: cfg.SharingMinInterval,
				Probability: cfg.SharingProbability,
				ActiveHours: activeHours,
				Whitelist:   wl,
			}, clk, tracker, registry, msgr, m, rng, logger)
		}
		if cfg.GreetingsEnabled {
			greets = greetings.New(greetings.Config{
				Enabled:        true,
				MorningHour:    cfg.MorningHour,
				MorningMinute:  cfg.MorningMinute,
				NightHour:      cfg.NightHour,
				NightMinute:    cfg.NightMinute,
				CatchUpWindow:  cfg.GreetingCatchUp,
				SelectionRatio: cfg.SelectionRatio,
				MinSelected:    cfg.MinSelectedUsers,
				Whitelist:      wl,
			}, clk, tracker, registry, msgr, wx, detector, m, rng, logger)
		}

		// Persistence
		store := state.New(cfg.StateFile, clk, tracker, esc, engine, shares, greets, planner, m, logger)
		if err := store.Load(); err != nil {
			logger.Warn().Err(err).Msg("state load failed, starting fresh")
		}
		checker.Register("state", func(ctx context.Context) health.Status {
			if err := store.Save(); err != nil {
				return health.StatusDown
			}
			return health.StatusOK
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			store.RunPeriodic(ctx, cfg.StateSaveInterval)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Run(ctx)
		}()
		if shares != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				shares.Run(ctx)
			}()
		}
		if greets != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				greets.Run(ctx)
			}()
		}
		if planner != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				planner.Run(ctx)
			}()
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := slackApp.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("Slack Socket Mode error")
			}
		}()
		logger.Info().Msg("proactive engagement loops started")
	} else {
		logger.Warn().Msg("Slack or LLM not configured — running in mgmt-only mode")
	}

	// Diagnostic API
	mgmtServer := mgmt.NewServer(mgmt.ServerConfig{
		ListenAddr: cfg.MgmtListenAddr,
		Auth: mgmt.AuthConfig{
			Mode:   cfg.MgmtAuthMode,
			APIKey: cfg.MgmtAPIKey,
		},
	}, mgmt.StatusSource{
		Tracker:  tracker,
		Machine:  esc,
		Registry: registry,
		Engine:   engine,
		Planner:  planner,
	}, checker, m, logger)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgmtServer.Start(); err != nil {
			logger.Error().Err(err).Msg("diagnostic API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()
	registry.CancelAll()
	registry.Wait()

	if err := mgmtServer.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("diagnostic API server shutdown error")
	}

	// Wait for in-flight work to complete
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("engagement agent stopped")
}
