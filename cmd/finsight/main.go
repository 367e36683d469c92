// Command finsight runs the record analysis service.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"finsight/internal/config"
	"finsight/internal/embedding"
	"finsight/internal/enrich"
	"finsight/internal/learning"
	"finsight/internal/llm"
	"finsight/internal/logging"
	"finsight/internal/metrics"
	"finsight/internal/pipeline"
	"finsight/internal/promptgen"
	"finsight/internal/pseudonym"
	"finsight/internal/quality"
	"finsight/internal/server"
	"finsight/internal/token"
	"finsight/internal/validator"
	"finsight/internal/vector"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	root := &cobra.Command{
		Use:     "finsight",
		Short:   "Privacy-preserving analysis pipeline for financial records",
		Version: version,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config")

	root.AddCommand(serveCmd(), checkCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Debug); err != nil {
				return err
			}
			defer logging.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log := logging.Named("main")
	log.Info("starting", zap.String("version", version), zap.String("addr", cfg.Server.Addr))

	bootCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	embedder := embedding.NewEngine(bootCtx, embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Endpoint:   cfg.Embedding.Endpoint,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
		Secret:     cfg.Pseudonym.Secret,
	})

	vectorStore := vector.Open(cfg.Vector.Path)
	defer vectorStore.Close()

	adaptive := learning.NewAdaptive(
		cfg.Learning.QualityGate, cfg.Learning.SimilarityGate, cfg.Learning.ReinforceGate)
	substrate := learning.NewSubstrate(vectorStore, embedder, adaptive, learning.Config{
		DecayInterval: cfg.Learning.DecayInterval,
		MaxAge:        cfg.Learning.MaxAge,
		MinUses:       int64(cfg.Learning.MinUses),
	})
	defer substrate.Close()

	tokenStore := token.Open(bootCtx, token.RedisConfig{
		Addr:        cfg.TokenStore.RedisAddr,
		Password:    cfg.TokenStore.RedisPassword,
		DB:          cfg.TokenStore.RedisDB,
		DialTimeout: cfg.TokenStore.DialTimeout,
	})
	defer tokenStore.Close()

	pseudo := pseudonym.New(pseudonym.Config{
		Secret:             cfg.Pseudonym.Secret,
		DetectionThreshold: cfg.Pseudonym.DetectionThreshold,
		MappingTTL:         cfg.Pseudonym.MappingTTL,
	}, tokenStore)
	defer pseudo.Close()

	qualityEngine := quality.NewEngine(substrate, substrate, adaptive)

	enricher := enrich.New(enrich.Config{
		Endpoint: cfg.Enrichment.Endpoint,
		Budget:   cfg.Enrichment.Budget,
		HardCap:  cfg.Enrichment.HardCap,
	}, substrate)

	generator := promptgen.New(substrate, qualityEngine, enricher)

	analyst := llm.NewHTTPClient(llm.Config{
		Endpoint: cfg.LLM.Endpoint,
		Model:    cfg.LLM.Model,
		Timeout:  cfg.LLM.Timeout,
	})
	judge := llm.NewHTTPClient(llm.Config{
		Endpoint: cfg.Validator.Endpoint,
		Model:    cfg.Validator.Model,
		Timeout:  cfg.Validator.CriterionBudget,
	})

	validatorCfg := validator.Config{
		Mode:            cfg.Validator.Mode,
		ApprovalGate:    cfg.Validator.ApprovalGate,
		CriterionBudget: cfg.Validator.CriterionBudget,
		OuterBudget:     cfg.Validator.OuterBudget,
		Weights:         cfg.Validator.Weights,
	}
	gate := validator.New(judge, validatorCfg)
	fastCfg := validatorCfg
	fastCfg.Fast = true
	fastGate := validator.New(judge, fastCfg)

	m := metrics.New()

	orchestrator := pipeline.New(pipeline.Config{
		MaxConcurrent:   cfg.Pipeline.MaxConcurrent,
		QueueBound:      cfg.Pipeline.QueueBound,
		RequestBudget:   cfg.Pipeline.RequestBudget,
		ValidateReserve: cfg.Pipeline.ValidateReserve,
		MaxRetries:      cfg.Pipeline.MaxRetries,
	}, pseudo, generator, analyst, gate, qualityEngine, substrate, m)
	defer orchestrator.Close()

	probes := map[string]server.Probe{
		"analysis_backend":   analyst.HealthCheck,
		"validation_backend": judge.HealthCheck,
	}
	if cfg.Enrichment.Endpoint != "" {
		probes["enrichment"] = enricher.HealthCheck
	}
	if hc, ok := embedder.(embedding.HealthChecker); ok {
		probes["embedder"] = hc.HealthCheck
	}

	srv := server.New(cfg.Server, server.Deps{
		Orchestrator:  orchestrator,
		Pseudonymizer: pseudo,
		Generator:     generator,
		Validator:     gate,
		FastValidator: fastGate,
		Quality:       qualityEngine,
		Substrate:     substrate,
		Metrics:       m,
		Probes:        probes,
		TokenBackend:  tokenStore.Backend(),
		VectorBackend: vectorStore.Backend(),
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		log.Info("shutting down", zap.String("reason", "context cancelled"))
	}

	return srv.Shutdown(context.Background())
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe configured dependencies and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := logging.Init(cfg.Debug); err != nil {
				return err
			}
			defer logging.Sync()
			return check(cmd.Context(), cfg)
		},
	}
}

func check(ctx context.Context, cfg *config.Config) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	failed := 0
	probe := func(name string, fn func(context.Context) error) {
		if err := fn(probeCtx); err != nil {
			fmt.Printf("%-20s DOWN  %v\n", name, err)
			failed++
			return
		}
		fmt.Printf("%-20s OK\n", name)
	}

	analyst := llm.NewHTTPClient(llm.Config{Endpoint: cfg.LLM.Endpoint, Model: cfg.LLM.Model, Timeout: 5 * time.Second})
	probe("analysis_backend", analyst.HealthCheck)

	judge := llm.NewHTTPClient(llm.Config{Endpoint: cfg.Validator.Endpoint, Model: cfg.Validator.Model, Timeout: 5 * time.Second})
	probe("validation_backend", judge.HealthCheck)

	embedder := embedding.NewEngine(probeCtx, embedding.Config{
		Provider:   cfg.Embedding.Provider,
		Endpoint:   cfg.Embedding.Endpoint,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    cfg.Embedding.Timeout,
		Secret:     cfg.Pseudonym.Secret,
	})
	fmt.Printf("%-20s %s\n", "embedder", embedder.Name())

	store := token.Open(probeCtx, token.RedisConfig{
		Addr:        cfg.TokenStore.RedisAddr,
		Password:    cfg.TokenStore.RedisPassword,
		DB:          cfg.TokenStore.RedisDB,
		DialTimeout: cfg.TokenStore.DialTimeout,
	})
	defer store.Close()
	fmt.Printf("%-20s %s\n", "token_store", store.Backend())

	vec := vector.Open(cfg.Vector.Path)
	defer vec.Close()
	fmt.Printf("%-20s %s\n", "vector_index", vec.Backend())

	if cfg.Enrichment.Endpoint != "" {
		enricher := enrich.New(enrich.Config{Endpoint: cfg.Enrichment.Endpoint}, nil)
		probe("enrichment", enricher.HealthCheck)
	}

	if failed > 0 {
		return fmt.Errorf("%d dependencies unreachable", failed)
	}
	return nil
}
