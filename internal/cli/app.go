package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/pflag"

	"ecaci/internal/command"
	"ecaci/internal/config"
	"ecaci/internal/core"
	"ecaci/internal/diskspace"
	"ecaci/internal/history"
	"ecaci/internal/secrets"
	"ecaci/internal/storage"
	"ecaci/internal/store"
	"ecaci/internal/vcs"
)

// app carries what every command needs once flags are parsed.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func (a *app) init(configPath string, flags *pflag.FlagSet, logOut io.Writer) error {
	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return err
	}
	if err := cfg.ApplyFlags(flags); err != nil {
		return err
	}
	cfg.Finalize()
	logger, err := config.NewLogger(cfg.Log, logOut)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.cfg, a.logger = cfg, logger
	return nil
}

func (a *app) project() (*core.Project, error) {
	if a.cfg.Definition == "" {
		return core.DefaultProject(), nil
	}
	return core.LoadProject(a.cfg.Definition)
}

func (a *app) secrets() (*secrets.Store, error) {
	if a.cfg.Secrets.File == "" {
		return nil, nil
	}
	if a.cfg.Secrets.Identity == "" {
		return nil, fmt.Errorf("--%s needs --%s", config.FlagSecrets, config.FlagIdentity)
	}
	return secrets.Open(a.cfg.Secrets.File, a.cfg.Secrets.Identity)
}

func (a *app) openStore(ctx context.Context) (*store.Store, error) {
	if a.cfg.DSN == "" {
		return nil, fmt.Errorf("missing --%s (or set DATABASE_URL)", config.FlagDSN)
	}
	return store.Open(ctx, a.cfg.DSN)
}

// openLedger opens the build history signed with the agent key.
func (a *app) openLedger() (*history.Ledger, error) {
	key, err := history.LoadOrCreateKey(a.cfg.KeyPath())
	if err != nil {
		return nil, fmt.Errorf("agent key: %w", err)
	}
	ledger, err := history.OpenLedger(a.cfg.HistoryPath())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	ledger.SignWith(key)
	return ledger, nil
}

// agent is a fully wired build runner.
type agent struct {
	project *core.Project
	runner  *core.Runner
	ledger  *history.Ledger
	logs    *storage.LogStorage
	close   func()
}

func (a *app) newAgent(ctx context.Context) (*agent, error) {
	project, err := a.project()
	if err != nil {
		return nil, err
	}
	creds, err := a.secrets()
	if err != nil {
		return nil, err
	}
	ledger, err := a.openLedger()
	if err != nil {
		return nil, err
	}
	logs := storage.NewLogStorage(a.cfg.LogDir())

	closeFn := func() {}
	var stores []core.Recorder
	if a.cfg.DSN != "" {
		st, err := store.Open(ctx, a.cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("run store: %w", err)
		}
		stores = append(stores, st)
		closeFn = st.Close
	}

	exec := command.NewExec()
	rc := core.RunnerConfig{
		Project:   project,
		Executor:  core.NewExecutor(exec),
		Git:       vcs.NewGit(exec, a.logger),
		Logs:      logs,
		History:   ledger,
		Stores:    stores,
		DiskGuard: diskspace.NewGuard(),
		WorkDir:   a.cfg.CheckoutDir(),
		AgentID:   a.cfg.AgentID,
		BaseURL:   a.cfg.BaseURL,
		Logger:    a.logger,
	}
	// A nil *secrets.Store must not become a non-nil interface.
	if creds != nil {
		rc.Secrets = creds
	}
	return &agent{
		project: project,
		runner:  core.NewRunner(rc),
		ledger:  ledger,
		logs:    logs,
		close:   closeFn,
	}, nil
}
