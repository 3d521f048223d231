// Dvmagent is a paid Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dvmagent/internal/admin"
	"dvmagent/internal/advertise"
	"dvmagent/internal/codec"
	"dvmagent/internal/config"
	"dvmagent/internal/crypto"
	"dvmagent/internal/inference"
	"dvmagent/internal/logging"
	"dvmagent/internal/orchestrator"
	"dvmagent/internal/payment"
	"dvmagent/internal/registry"
	"dvmagent/internal/relay"
	"dvmagent/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to relays and serve paid job requests until interrupted",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(globalFlags.EnvFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if globalFlags.LogLevel != "" {
		cfg.LogLevel = globalFlags.LogLevel
	}

	log, err := logging.New(cfg.LogLevel, globalFlags.Dev)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	secretKey, err := resolveSecretKey(cfg)
	if err != nil {
		return fmt.Errorf("resolve nostr private key: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	gw, err := relay.New(cfg.RelayURLs, secretKey, log.Named("relay"))
	if err != nil {
		return fmt.Errorf("build relay gateway: %w", err)
	}
	if err := gw.Connect(ctx); err != nil {
		return fmt.Errorf("connect to relays: %w", err)
	}
	defer gw.Close()

	reg := buildRegistry(cfg, log)

	lnurlpURL, err := payment.LNURLPFromAddress(cfg.LightningAddress)
	if err != nil {
		return fmt.Errorf("resolve lightning address: %w", err)
	}
	lightning := payment.NewLightningClient(lnurlpURL)

	// The pool is deliberately not derived from the signal context: a
	// shutdown signal must stop ingress first and leave in-flight
	// executions their grace period, which drainShutdown bounds.
	pool := orchestrator.NewWorkerPool(context.Background(), cfg.WorkerPoolSize, log.Named("workerpool"))

	orch := orchestrator.New(st, reg, lightning, gw, pool, log.Named("orchestrator"))

	reconciled, err := orch.ReconcileAfterRestart(ctx)
	if err != nil {
		return fmt.Errorf("reconcile after restart: %w", err)
	}
	if reconciled > 0 {
		log.Info("reconciled_interrupted_jobs", zap.Int("count", reconciled))
	}

	sweeper := orchestrator.NewSweeper(st, cfg.PaymentTimeout(), cfg.SweepInterval(), log.Named("sweeper"))
	go sweeper.Run(ctx)

	adminSrv := admin.New(st, cfg.AdminTokenHash, log.Named("admin"))
	go func() {
		if err := adminSrv.ListenAndServe(ctx, cfg.AdminListenAddr); err != nil {
			log.Error("admin_server_failed", zap.Error(err))
		}
	}()

	if err := advertise.PublishHandlerInfo(ctx, gw, reg, cfg.AgentIdentifier, advertise.Metadata{
		Name:        cfg.AgentName,
		DisplayName: cfg.AgentName,
		About:       cfg.AgentAbout,
		Picture:     cfg.AgentPicture,
		Lud16:       cfg.LightningAddress,
	}); err != nil {
		log.Warn("capability_advertisement_failed", zap.Error(err))
	}

	events, err := gw.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to relays: %w", err)
	}

	log.Info("dvmagent_started", zap.String("pubkey", gw.PublicKey()), zap.Strings("relays", cfg.RelayURLs))

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown_signal_received")
			return drainShutdown(pool, cfg.PaymentTimeout(), log)
		case evt, ok := <-events:
			if !ok {
				log.Warn("relay_event_stream_closed")
				return drainShutdown(pool, cfg.PaymentTimeout(), log)
			}
			dispatch(ctx, orch, evt, log)
		}
	}
}

// dispatch routes one inbound relay event to the orchestrator: job requests
// go through the codec, zap receipts through the payment verifier.
func dispatch(ctx context.Context, orch *orchestrator.Orchestrator, evt *nostr.Event, log *zap.Logger) {
	switch evt.Kind {
	case relay.ZapReceiptKind:
		receipt, err := payment.VerifyZapReceipt(evt)
		if err != nil {
			log.Debug("zap_receipt_rejected", zap.String("event_id", evt.ID), zap.Error(err))
			return
		}
		if err := orch.HandlePaymentReceipt(ctx, receipt); err != nil {
			log.Error("handle_payment_receipt_failed", zap.String("event_id", evt.ID), zap.Error(err))
		}
	default:
		input := codec.DecodeJobRequest(evt)
		if err := orch.HandleJobRequest(ctx, evt, input); err != nil {
			log.Error("handle_job_request_failed", zap.String("event_id", evt.ID), zap.Error(err))
		}
	}
}

// drainShutdown gives in-flight execution tasks a grace period (bounded by
// the payment timeout) to finish and write a terminal state before the
// worker pool is forcibly closed.
func drainShutdown(pool *orchestrator.WorkerPool, grace time.Duration, log *zap.Logger) error {
	done := make(chan struct{})
	go func() {
		pool.Close()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker_pool_drained")
	case <-time.After(grace):
		log.Warn("worker_pool_drain_timed_out", zap.Duration("grace", grace))
	}
	return nil
}

func resolveSecretKey(cfg config.Settings) (string, error) {
	if cfg.NostrPrivateKey == "" {
		return "", fmt.Errorf("NOSTR_PRIVATE_KEY is not configured")
	}
	if !cfg.NostrKeyEncrypted {
		return cfg.NostrPrivateKey, nil
	}
	box, err := crypto.NewSecretBox(cfg.KeyPassphrase)
	if err != nil {
		return "", fmt.Errorf("build secret box: %w", err)
	}
	return box.Open(cfg.NostrPrivateKey)
}

func buildRegistry(cfg config.Settings, log *zap.Logger) *registry.Registry {
	ai := inference.New(cfg.GeminiEndpoint, cfg.GeminiAPIKey, cfg.GeminiModel, log.Named("inference"))

	reg := registry.New()
	reg.Register(registry.NewTranslationService(ai, cfg.CostTable[5000]))
	reg.Register(registry.NewTextGenerationService(ai, cfg.CostTable[5001], cfg.CostTable[5001]))
	reg.Register(registry.NewTextExtractionService(ai, cfg.CostTable[5002]))
	reg.Register(registry.NewImageGenerationService(ai, cfg.CostTable[5100]))
	reg.Register(registry.NewDiscoveryService(ai, cfg.CostTable[5300]))
	return reg
}
