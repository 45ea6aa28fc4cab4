package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/marcus/harmony/internal/config"
	"github.com/marcus/harmony/internal/db"
	"github.com/marcus/harmony/internal/harmonize"
	"github.com/marcus/harmony/internal/icsstore"
	"github.com/marcus/harmony/internal/models"
	"github.com/marcus/harmony/internal/scheduler"
)

// app is the wiring shared by every command: config, the correlation
// database and both calendar stores.
type app struct {
	cfg    *config.Config
	db     *db.DB
	local  *icsstore.Local
	remote *icsstore.Remote
	logger *slog.Logger
}

// openApp loads the config named by --config, installs the default logger
// and opens the database.
func openApp() (*app, error) {
	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	return newApp(cfg, logger)
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	database, err := db.Open(cfg.Path(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &app{
		cfg:    cfg,
		db:     database,
		local:  icsstore.NewLocal(cfg.Path(cfg.LocalRoot)),
		remote: icsstore.NewRemote(cfg.Path(cfg.RemoteRoot)),
		logger: logger,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// engine returns an Engine using policy, or the configured policy when
// policy is empty.
func (a *app) engine(policy models.Policy) (*harmonize.Engine, error) {
	if policy == "" {
		p, err := a.cfg.PolicyValue()
		if err != nil {
			return nil, err
		}
		policy = p
	}
	leaser, err := a.leaser()
	if err != nil {
		return nil, err
	}
	return harmonize.NewEngine(harmonize.Config{
		Store:  a.db,
		Local:  a.local,
		Remote: a.remote,
		Policy: policy,
		Leaser: leaser,
		Logger: a.logger,
	}), nil
}

// leaser returns the per-pairing leaser shared with harmonization passes.
func (a *app) leaser() (*db.Leaser, error) {
	timeout, err := a.cfg.LeaseTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return db.NewLeaser(a.cfg.Path(a.cfg.LockDir), timeout), nil
}

// errPairingBusy is returned when a pass holds the pairing's lease.
var errPairingBusy = errors.New("pairing is busy, a harmonization pass is running")

// withLease runs fn while holding the lease of affiliationID, so fn cannot
// interleave with a pass over the same pairing.
func (a *app) withLease(affiliationID string, fn func() error) error {
	leaser, err := a.leaser()
	if err != nil {
		return err
	}
	release, err := leaser.Acquire(affiliationID)
	if errors.Is(err, db.ErrLeaseTimeout) {
		return fmt.Errorf("%w: %v", errPairingBusy, err)
	}
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		if err := release(); err != nil {
			a.logger.Warn("release lease", "affiliation", affiliationID, "err", err)
		}
	}()
	return fn()
}

// releaseTokens lets both stores discard change feed state kept for the
// pairing's resume tokens.
func (a *app) releaseTokens(ctx context.Context, cc *models.CollectionCorrelation) {
	if err := a.local.ReleaseToken(ctx, cc.LocalCollectionID, cc.LocalResumeToken); err != nil {
		a.logger.Warn("release local token", "affiliation", cc.AffiliationID, "err", err)
	}
	if err := a.remote.ReleaseToken(ctx, cc.RemoteCollectionID, cc.RemoteResumeToken); err != nil {
		a.logger.Warn("release remote token", "affiliation", cc.AffiliationID, "err", err)
	}
}

func (a *app) scheduler(policy models.Policy) (*scheduler.Scheduler, error) {
	engine, err := a.engine(policy)
	if err != nil {
		return nil, err
	}
	passTimeout, err := a.cfg.PassTimeoutDuration()
	if err != nil {
		return nil, err
	}
	return scheduler.New(scheduler.Config{
		Pairings:    a.db,
		Runner:      engine,
		MaxParallel: a.cfg.MaxParallel,
		PassTimeout: passTimeout,
		Logger:      a.logger,
	}), nil
}

// newLogger builds the slog logger for level and format. Unknown levels
// fall back to info and unknown formats to text.
func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// policyFlag is a pflag.Value restricted to the known conflict policies.
// The zero value means "use the configured policy".
type policyFlag struct {
	policy models.Policy
}

var _ pflag.Value = (*policyFlag)(nil)

func (f *policyFlag) String() string {
	return string(f.policy)
}

func (f *policyFlag) Set(s string) error {
	p, err := models.ParsePolicy(s)
	if err != nil {
		return err
	}
	f.policy = p
	return nil
}

func (f *policyFlag) Type() string {
	return "policy"
}
