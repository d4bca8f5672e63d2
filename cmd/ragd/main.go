// ragd - locally-deployed retrieval-augmented generation service.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/matiasleandrokruk/ragd/internal/api"
	"github.com/matiasleandrokruk/ragd/internal/domain/agent"
	"github.com/matiasleandrokruk/ragd/internal/domain/kb"
	"github.com/matiasleandrokruk/ragd/internal/domain/loader"
	"github.com/matiasleandrokruk/ragd/internal/domain/retrieval"
	"github.com/matiasleandrokruk/ragd/internal/domain/tool"
	"github.com/matiasleandrokruk/ragd/internal/infra/config"
	"github.com/matiasleandrokruk/ragd/internal/infra/flowlog"
	"github.com/matiasleandrokruk/ragd/internal/infra/llm"
	"github.com/matiasleandrokruk/ragd/internal/infra/sqlite"
	"github.com/matiasleandrokruk/ragd/internal/infra/vectorstore"
	"github.com/matiasleandrokruk/ragd/internal/server"
	"github.com/matiasleandrokruk/ragd/internal/version"
)

// embedCacheCapacity bounds the CachingEmbedder's query LRU. It is a pure
// performance knob, not a configured value.
const embedCacheCapacity = 2048

// dfCacheSize bounds the retrieval engine's per-collection document-frequency
// cache (same rationale as embedCacheCapacity).
const dfCacheSize = 64

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	if len(args) > 0 && args[0] == "serve" {
		return runServe(args[1:], out)
	}

	fs := flag.NewFlagSet("ragd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	showVersion := fs.Bool("version", false, "Show version information")
	showHelp := fs.Bool("help", false, "Show help")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Fprintln(out, version.String()) //nolint:errcheck
		return 0
	}

	if *showHelp {
		printHelp(out)
		return 0
	}

	fmt.Fprintln(out, version.String()) //nolint:errcheck
	return 0
}

func runServe(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	defaultPort := 8080
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			defaultPort = p
		}
	}
	port := fs.Int("port", defaultPort, "HTTP port")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(out, "config: %v\n", err) //nolint:errcheck
		return 1
	}

	dbPath := os.Getenv("DATABASE_URL")
	if dbPath == "" {
		dbPath = "./data/ragd.db"
	}
	db, err := sqlite.NewDB(dbPath)
	if err != nil {
		fmt.Fprintf(out, "db init failed: %v\n", err) //nolint:errcheck
		return 1
	}
	if err := sqlite.MigrateUp(db); err != nil {
		fmt.Fprintf(out, "migrations failed: %v\n", err) //nolint:errcheck
		_ = db.Close()
		return 1
	}

	flowFile, err := os.OpenFile(cfg.FlowLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(out, "flow log init failed: %v\n", err) //nolint:errcheck
		_ = db.Close()
		return 1
	}

	vsCfg, err := vectorStoreConfig(cfg.VectorStoreURL)
	if err != nil {
		fmt.Fprintf(out, "vector store config: %v\n", err) //nolint:errcheck
		_ = db.Close()
		return 1
	}
	vectorStore, err := vectorstore.NewQdrantStore(vsCfg)
	if err != nil {
		fmt.Fprintf(out, "vector store init failed: %v\n", err) //nolint:errcheck
		_ = db.Close()
		return 1
	}

	chatProvider := llm.NewOllamaProvider(cfg.LLMHost, cfg.LLMModel)
	embedProvider := llm.NewOllamaProvider(cfg.EmbedHost, cfg.EmbedModel)
	cachingEmbedder, err := llm.NewCachingEmbedder(embedProvider, embedCacheCapacity)
	if err != nil {
		fmt.Fprintf(out, "embed cache init failed: %v\n", err) //nolint:errcheck
		_ = db.Close()
		return 1
	}

	retrievalEngine, err := retrieval.NewEngine(vectorStore, cachingEmbedder, cfg.EmbedModel, dfCacheSize)
	if err != nil {
		fmt.Fprintf(out, "retrieval engine init failed: %v\n", err) //nolint:errcheck
		_ = db.Close()
		return 1
	}

	kbStore := kb.NewStore(db)
	loaderRegistry := loader.NewRegistry(cfg.MaxFileSizeBytes)
	kbManager := kb.NewManager(kbStore, vectorStore, loaderRegistry, cachingEmbedder, vectorStore, retrievalEngine)

	toolRegistry := tool.NewToolRegistry()
	if err := toolRegistry.Register(tool.SearchKnowledgeBaseDefinition(), tool.NewKBSearchExecutor(kbManager, "")); err != nil {
		fmt.Fprintf(out, "tool registry init failed: %v\n", err) //nolint:errcheck
		_ = db.Close()
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	flowLogger := flowlog.New(flowFile, cfg.FlowDetailLevel)
	go func() { _ = flowLogger.Run(ctx) }()

	agentStore := agent.NewStore(db)
	orchestrator := agent.NewOrchestrator(chatProvider, toolRegistry, kbManager, agentStore, cfg.LLMModel, flowLogger)

	router := api.NewRouter(api.Dependencies{
		KB:          kbManager,
		Chat:        orchestrator,
		LLM:         chatProvider,
		VectorStore: vectorStore,
	})

	srvCfg := server.DefaultConfig()
	srvCfg.Port = *port
	srv := server.NewServer(router, db, srvCfg)

	if err := srv.Start(ctx); err != nil {
		fmt.Fprintf(out, "server failed: %v\n", err) //nolint:errcheck
		_ = srv.Shutdown(ctx)
		_ = flowLogger.Close()
		return 1
	}

	return 0
}

// vectorStoreConfig parses a "scheme://host:port" URL (validated by
// config.Load) into vectorstore.Config's connection fields.
func vectorStoreConfig(rawURL string) (vectorstore.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return vectorstore.Config{}, fmt.Errorf("parse vector store url: %w", err)
	}

	port := 6334
	if u.Port() != "" {
		p, convErr := strconv.Atoi(u.Port())
		if convErr != nil {
			return vectorstore.Config{}, fmt.Errorf("parse vector store port: %w", convErr)
		}
		port = p
	}

	return vectorstore.Config{
		Host:   u.Hostname(),
		Port:   port,
		UseTLS: u.Scheme == "https",
	}, nil
}

func printHelp(out io.Writer) {
	helpText := `ragd - locally-deployed retrieval-augmented generation service

Usage:
  ragd [options]
  ragd serve [--port PORT]

Options:
  --version    Show version information
  --help       Show this help message

Commands:
  serve        Start the HTTP server (default port 8080)

Examples:
  ragd --version
  ragd serve --port 8080`
	fmt.Fprintln(out, helpText) //nolint:errcheck
}
