// Command switchboard runs the control-plane daemon: it opens the store,
// wires the dispatcher behind the WebSocket server, and keeps the git-status
// and GitHub sync pollers running until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoyers/switchboard/internal/config"
	"github.com/jmoyers/switchboard/internal/switchboard/dispatch"
	"github.com/jmoyers/switchboard/internal/switchboard/ghsync"
	"github.com/jmoyers/switchboard/internal/switchboard/github"
	"github.com/jmoyers/switchboard/internal/switchboard/gitstatus"
	"github.com/jmoyers/switchboard/internal/switchboard/journal"
	"github.com/jmoyers/switchboard/internal/switchboard/linear"
	"github.com/jmoyers/switchboard/internal/switchboard/scheduler"
	"github.com/jmoyers/switchboard/internal/switchboard/scope"
	"github.com/jmoyers/switchboard/internal/switchboard/server"
	"github.com/jmoyers/switchboard/internal/switchboard/session"
	"github.com/jmoyers/switchboard/internal/switchboard/session/ptyrun"
	"github.com/jmoyers/switchboard/internal/switchboard/store"
)

const schemaVersion = 1

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "switchboard: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config YAML (default: discover .switchboard/switchboard.yaml)")
	listen := flag.String("listen", "", "listen address override")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Resolve(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	jnl := journal.New()
	sessions := session.NewRegistry()
	tracker := gitstatus.NewTracker(
		gitstatus.WithIgnoreGlobs(cfg.IgnoreGlobs...),
		gitstatus.WithRepositoryResolver(repositoryResolver(st)),
		gitstatus.WithLogger(logger),
	)
	sched := scheduler.New(st, tracker, sessions, jnl)

	ghClient, err := githubClient(cfg, logger)
	if err != nil {
		return err
	}
	linClient := linearClient(cfg, logger)

	dcfg := dispatch.Config{
		Store:     st,
		Journal:   jnl,
		Sessions:  sessions,
		Git:       tracker,
		Scheduler: sched,
		Spawn:     spawnSession,
		Logger:    logger,
	}
	if ghClient != nil {
		dcfg.GitHub = ghClient
	}
	if linClient != nil {
		dcfg.Linear = linClient
	}
	snd := &deferredSender{}
	dcfg.Sender = snd

	d := dispatch.New(dcfg)
	srv := server.New(d, sessions,
		server.WithLogger(logger),
		server.WithSchemaVersion(schemaVersion),
	)
	snd.set(srv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go tracker.Run(ctx, cfg.Poll.GitStatus.Std())
	if ghClient != nil {
		syncer := ghsync.New(st, tracker, ghClient, jnl,
			ghsync.WithStrategy(cfg.GitHub.BranchStrategy),
			ghsync.WithLogger(logger),
		)
		go syncer.Run(ctx, cfg.Poll.GitHubSync.Std())
	}

	if err := srv.Listen(cfg.Listen); err != nil {
		return err
	}
	logger.Info("switchboard listening",
		"addr", srv.Addr(),
		"db", cfg.Database.Path,
		"github", ghClient != nil,
		"linear", linClient != nil,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// githubClient builds the GitHub client from config, or nil when neither a
// token nor app credentials resolve.
func githubClient(cfg *config.Config, logger *slog.Logger) (*github.Client, error) {
	if cfg.GitHub.App.Complete() {
		return github.New("", github.WithAppAuth(github.AppCredentials{
			ClientID:       cfg.GitHub.App.ClientID,
			InstallationID: cfg.GitHub.App.InstallationID,
			PrivateKeyPath: cfg.GitHub.App.PrivateKeyPath,
		}))
	}
	token := github.ResolveToken(cfg.GitHub.Token, os.Getenv)
	if token == "" {
		logger.Info("github integration disabled: no token resolved")
		return nil, nil
	}
	return github.New(token)
}

// linearClient builds the Linear client from config, or nil when no API key
// resolves.
func linearClient(cfg *config.Config, logger *slog.Logger) *linear.Client {
	key, err := linear.ResolveAPIKey(cfg.Linear.APIKey, cfg.Linear.APIKeyEnv, os.Getenv)
	if err != nil {
		logger.Info("linear integration disabled", "reason", err)
		return nil
	}
	return linear.New(key)
}

// repositoryResolver maps a directory's origin remote to a tracked repository
// in the same scope, matching canonical owner/repo when both sides parse as
// GitHub remotes.
func repositoryResolver(st *store.Store) gitstatus.ResolveRepoFunc {
	return func(sc scope.Scope, remoteURL string) string {
		want, wantOK := github.ParseRemoteURL(remoteURL)
		repos, err := st.ListRepositories(sc)
		if err != nil {
			return ""
		}
		for _, r := range repos {
			if r.Archived() {
				continue
			}
			if r.RemoteURL == remoteURL {
				return r.ID
			}
			if !wantOK {
				continue
			}
			got, ok := github.ParseRemoteURL(r.RemoteURL)
			if ok && strings.EqualFold(got.Owner, want.Owner) && strings.EqualFold(got.Repo, want.Repo) {
				return r.ID
			}
		}
		return ""
	}
}

func spawnSession(p dispatch.SpawnParams) (session.Live, error) {
	return ptyrun.Start(ptyrun.Params{
		Command: p.Command,
		Args:    p.Args,
		Dir:     p.Dir,
		Env:     p.Env,
		Cols:    uint16(p.Cols),
		Rows:    uint16(p.Rows),
	})
}

// deferredSender breaks the construction cycle between the dispatcher (which
// needs a Sender) and the server (which needs the dispatcher). Envelopes
// produced before the server exists are dropped.
type deferredSender struct {
	srv *server.Server
}

func (s *deferredSender) set(srv *server.Server) { s.srv = srv }

func (s *deferredSender) Send(connectionID string, envelope any) {
	if s.srv == nil {
		return
	}
	s.srv.Send(connectionID, envelope)
}
