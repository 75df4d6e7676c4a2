package app

import (
	"context"
	"cosmos/config"
	"cosmos/core"
	"cosmos/core/provider"
	"cosmos/core/store"
	"cosmos/core/summarize"
	"cosmos/core/turnorder"
	"cosmos/engine/loader"
	"cosmos/engine/maintenance"
	"cosmos/engine/policy"
	"cosmos/engine/runtime"
	"cosmos/engine/vfs"
	"cosmos/providers/anthropic"
	"cosmos/providers/bedrock"
	"cosmos/providers/gemini"
	"cosmos/providers/grok"
	"cosmos/providers/openai"
	"cosmos/ui"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
)

// Bootstrap creates and wires all application dependencies.
// Each phase is separate for testability.
func Bootstrap(ctx context.Context) (*Application, error) {
	// 1. Load configuration
	cfg, warnings, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "cosmos: warning: %s\n", w)
	}

	cosmosDir := ".cosmos" // project-local directory
	storePath := filepath.Join(cosmosDir, "cosmos.db")

	// 1.5. Clean up old session data
	cleanupOpts := maintenance.CleanupOptions{
		CosmosDir: cosmosDir,
		StorePath: storePath,
		MaxAge:    30 * 24 * time.Hour,
		DryRun:    false,
	}
	cleanupResult, err := maintenance.CleanupSessionData(cleanupOpts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: session cleanup failed: %v\n", err)
	} else if len(cleanupResult.Errors) > 0 {
		for _, e := range cleanupResult.Errors {
			fmt.Fprintf(os.Stderr, "cosmos: warning: cleanup: %s\n", e)
		}
	} else if cleanupResult.DeletedAuditFiles > 0 || cleanupResult.DeletedSnapshotDirs > 0 || cleanupResult.DeletedSessionFiles > 0 {
		totalDeleted := cleanupResult.DeletedAuditFiles + cleanupResult.DeletedSnapshotDirs + cleanupResult.DeletedSessionFiles
		fmt.Fprintf(os.Stderr, "cosmos: cleaned up old session data: %d rows/files\n", totalDeleted)
	}

	// 2. Initialize currency formatter
	currencyFormatter, err := setupCurrencyFormatter(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: currency setup failed: %v\n", err)
		currencyFormatter = core.DefaultCurrencyFormatter()
	}

	// 3. Set up UI and notifier
	scaffold := ui.NewScaffold()
	notifier := scaffold.GetNotifier()

	// 4. Create pricing tracker with UI callbacks
	tracker := setupTracker(notifier, currencyFormatter)

	// 5. Create group session (participants, tool loop, store, turn executor)
	sr, err := setupSession(ctx, cfg, cosmosDir, storePath, tracker, notifier)
	if err != nil {
		return nil, fmt.Errorf("initializing session: %w", err)
	}
	cleanup := func() {
		if sr.executor != nil {
			sr.executor.Close()
		}
		if sr.store != nil {
			sr.store.Close()
		}
	}

	// Build restore function for Changelog UI, layered over vfs.Snapshotter.RollbackTurn.
	var restoreFunc ui.RestoreFunc
	if sr.snapshotter != nil {
		snap := sr.snapshotter
		restoreFunc = func(turnID string) tea.Cmd {
			return func() tea.Msg {
				paths, err := snap.RollbackTurn(turnID)
				if err != nil {
					return ui.ChangelogRestoreResultMsg{
						InteractionID: turnID,
						Success:       false,
						Message:       err.Error(),
					}
				}
				return ui.ChangelogRestoreResultMsg{
					InteractionID: turnID,
					Success:       true,
					Message:       fmt.Sprintf("Restored %d file(s)", len(paths)),
				}
			}
		}
	}

	// 6. Configure UI pages
	if err := configureUI(scaffold, sr.session, sr.tools, cfg.DefaultModel, restoreFunc); err != nil {
		cleanup()
		return nil, fmt.Errorf("configuring UI: %w", err)
	}

	// 7. Create Bubble Tea program
	program := setupProgram(scaffold, notifier, sr.session)

	return &Application{
		Config:            cfg,
		Session:           sr.session,
		Scaffold:          scaffold,
		Program:           program,
		CurrencyFormatter: currencyFormatter,
		Tracker:           tracker,
		Executor:          sr.executor,
		Store:             sr.store,
	}, nil
}

// loadConfig loads configuration from disk and ensures directories exist.
func loadConfig() (config.Config, []string, error) {
	cfg, warnings, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return config.Config{}, nil, err
	}
	return cfg, warnings, nil
}

// setupCurrencyFormatter initializes currency conversion if needed.
// Makes up to 3 attempts, waiting with exponential backoff (1s, 2s, 4s)
// after each failed one, before returning an error that triggers
// fallback to USD.
func setupCurrencyFormatter(ctx context.Context, cfg config.Config) (*core.CurrencyFormatter, error) {
	if cfg.Currency == "USD" {
		return core.DefaultCurrencyFormatter(), nil
	}

	engine := core.NewCurrencyEngine(&http.Client{})

	var lastErr error
	for attempt := range 3 {
		rate, err := engine.FetchRate(ctx, "USD", cfg.Currency)
		if err == nil {
			symbol := core.CurrencySymbol(cfg.Currency)
			return core.NewCurrencyFormatter(cfg.Currency, symbol, rate), nil
		}
		lastErr = err

		backoff := time.Duration(1<<attempt) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, fmt.Errorf("currency fetch cancelled: %w", ctx.Err())
		}
	}

	return nil, fmt.Errorf("currency fetch failed after 3 attempts: %w", lastErr)
}

// setupTracker creates a pricing tracker with UI update callbacks.
func setupTracker(notifier *ui.Notifier, formatter *core.CurrencyFormatter) *core.Tracker {
	return core.NewTracker(
		func(snap core.CostSnapshot) {
			notifier.Send(ui.StatusItemUpdateMsg{
				Key:   "tokens",
				Value: snap.FormatTokens(),
			})
			notifier.Send(ui.StatusItemUpdateMsg{
				Key:   "cost",
				Value: snap.FormatCost(),
			})
		},
		formatter,
	)
}

// setupSessionResult contains everything produced by setupSession.
type setupSessionResult struct {
	session     *core.GroupSession
	tools       []provider.ToolDefinition
	executor    *runtime.V8Executor
	store       *store.Store
	snapshotter *vfs.Snapshotter
}

// buildParticipantProvider constructs the Model Client for one configured
// participant's backend. Missing credentials are reported, not fatal:
// a participant without a working provider is simply dropped from the
// turn (the rest of the group chat still proceeds).
func buildParticipantProvider(ctx context.Context, cfg config.Config, pc config.ParticipantConfig) (provider.Provider, error) {
	switch pc.Backend {
	case "bedrock":
		pricingCfg := provider.PricingConfig{
			Enabled:  cfg.PricingEnabled,
			CacheDir: cfg.PricingCacheDir,
			CacheTTL: cfg.PricingCacheTTL,
		}
		return bedrock.NewBedrock(ctx, cfg.AWSRegion, cfg.AWSProfile, pricingCfg)
	case "anthropic":
		key := os.Getenv("ANTHROPIC_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		return anthropic.NewAnthropic(key)
	case "openai":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return openai.NewOpenAI(key)
	case "grok":
		key := os.Getenv("XAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("XAI_API_KEY not set")
		}
		return grok.NewGrok(key, "")
	case "gemini":
		key := os.Getenv("GEMINI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		return gemini.NewGemini(ctx, key)
	default:
		return nil, fmt.Errorf("unknown backend %q", pc.Backend)
	}
}

// setupSession creates the store-backed group session: participants,
// agent/tool loading, permission gate, summarizer, and the TurnExecutor
// that drives them.
func setupSession(
	ctx context.Context,
	cfg config.Config,
	cosmosDir, storePath string,
	tracker *core.Tracker,
	notifier *ui.Notifier,
) (*setupSessionResult, error) {
	adapter := &coreNotifierAdapter{ui: notifier}

	sessionID := uuid.New().String()
	auditLogger, err := policy.NewAuditLogger(sessionID, cosmosDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: audit logger init failed: %v\n", err)
		auditLogger = nil
	}

	// Policy evaluator: if policy.json doesn't exist, evaluator still
	// succeeds with empty overrides; malformed/unreadable policy.json is fatal.
	policyPath := filepath.Join(cosmosDir, "policy.json")
	evaluator, err := policy.NewEvaluator(policyPath)
	if err != nil {
		return nil, fmt.Errorf("policy evaluator init failed: %w", err)
	}

	snapshotter, err := vfs.NewSnapshotter(cosmosDir, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cosmos: warning: snapshotter init failed: %v\n", err)
		snapshotter = nil
	}

	storageDir := filepath.Join(cosmosDir, "storage")
	result, err := loader.Load("engine/agents", cfg.AgentsDir, storageDir, evaluator, nil)
	if err != nil {
		return nil, fmt.Errorf("loading agents: %w", err)
	}
	for _, agentErr := range result.Errors {
		fmt.Fprintf(os.Stderr, "cosmos: warning: agent %s: %v\n", agentErr.Dir, agentErr.Err)
	}

	gate := &core.PermissionGate{Evaluator: evaluator, Rules: result.Rules}
	permTTL := time.Duration(cfg.PermissionTimeout) * time.Second
	toolLoop, err := core.NewToolLoop(result.Executor, gate, adapter, auditLogger, result.Tools)
	if err != nil {
		return nil, fmt.Errorf("building tool loop: %w", err)
	}
	if permTTL > 0 {
		toolLoop.PermTTL = permTTL
	}
	if cfg.ToolDeadline > 0 {
		toolLoop.Deadline = time.Duration(cfg.ToolDeadline) * time.Second
	}
	if cfg.ToolIterations > 0 {
		toolLoop.Iterations = cfg.ToolIterations
	}

	st, err := store.Open(storePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	if err := st.CreateSession(ctx, core.SessionRecord{ID: sessionID}); err != nil {
		st.Close()
		return nil, fmt.Errorf("creating session record: %w", err)
	}

	var participants []core.Participant
	var summarizerProvider provider.Provider
	var summarizerModel string
	for _, pc := range cfg.Participants {
		if !pc.Enabled {
			continue
		}
		prov, err := buildParticipantProvider(ctx, cfg, pc)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cosmos: warning: participant %s disabled: %v\n", pc.ID, err)
			continue
		}
		participants = append(participants, core.Participant{
			ID:          pc.ID,
			DisplayName: pc.DisplayName,
			Color:       pc.Color,
			Enabled:     true,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
			Client:      prov,
			Model:       pc.Model,
			SystemMsg:   pc.SystemMsg,
		})
		if summarizerProvider == nil {
			summarizerProvider = prov
			summarizerModel = pc.Model
		}
	}
	if len(participants) == 0 {
		st.Close()
		return nil, fmt.Errorf("no participants could be initialized (check backend credentials)")
	}

	var summarizer *summarize.Summarizer
	if cfg.SummarizeEnabled && summarizerProvider != nil {
		summarizer = summarize.New(summarizerProvider, summarizerModel, cfg.SummarizeThreshold)
	}

	executor := &core.TurnExecutor{
		Participants: participants,
		ToolDefs:     result.Tools,
		ToolLoop:     toolLoop,
		Store:        st,
		Notifier:     adapter,
		Tracker:      tracker,
		Summarizer:   summarizer,
		Strategy:     turnorder.Strategy(cfg.TurnStrategy),
		FixedOrder:   cfg.FirstResponderFix,
		Rotator:      turnorder.NewRotator(),
		Threshold:    cfg.SilenceThreshold,
		EvalDeadline: time.Duration(cfg.EvaluationTimeout) * time.Second,
		Iterations:   cfg.ToolIterations,
	}

	session := core.NewGroupSession(sessionID, executor, adapter, auditLogger)

	return &setupSessionResult{
		session:     session,
		tools:       result.Tools,
		executor:    result.Executor,
		store:       st,
		snapshotter: snapshotter,
	}, nil
}

// configureUI sets up scaffold pages and status bar items.
func configureUI(scaffold *ui.Scaffold, session *core.GroupSession, tools []provider.ToolDefinition, model string, restoreFunc ui.RestoreFunc) error {
	currentDir, err := os.Getwd()
	if err != nil {
		currentDir = "unknown"
	} else {
		currentDir = filepath.Base(currentDir)
	}

	ui.ConfigureDefaultScaffold(scaffold, currentDir, model)

	uiTools := make([]ui.Tool, len(tools))
	for i, t := range tools {
		uiTools[i] = ui.Tool{Name: t.Name, Description: t.Description}
	}

	ui.AddDefaultPages(scaffold, session, uiTools, restoreFunc)
	return nil
}

// setupProgram creates the Bubble Tea program with correct screen mode.
func setupProgram(scaffold *ui.Scaffold, notifier *ui.Notifier, session *core.GroupSession) *tea.Program {
	app := ui.NewApp(scaffold, ui.AppConfig{
		Placeholder:        "Type your message here...",
		CharLimit:          0, // unlimited
		CompletionProvider: session,
	})

	// IMPORTANT: DO NOT use tea.WithAltScreen()!
	// We intentionally run in the primary screen buffer (not alternate screen) so that:
	// 1. All output (splash, messages, responses) goes to stdout and persists in terminal history
	// 2. Users can scroll the terminal (iTerm, etc.) to see past messages, the welcome logo, etc.
	// 3. The chat history is preserved in the terminal's scrollback buffer
	// Using tea.WithAltScreen() would put the app in an isolated alternate screen buffer
	// with no scrollback history, blocking access to previous content.
	program := tea.NewProgram(app, tea.WithMouseCellMotion())
	notifier.SetProgram(program)

	return program
}
