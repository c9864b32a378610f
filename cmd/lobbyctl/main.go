package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/fx"

	"github.com/dkeye/relaylobby/internal/app"
	"github.com/dkeye/relaylobby/internal/app/loop"
	"github.com/dkeye/relaylobby/internal/app/orch"
	"github.com/dkeye/relaylobby/internal/config"
	"github.com/dkeye/relaylobby/internal/directory"
	"github.com/dkeye/relaylobby/internal/domain"
)

const usage = `usage: lobbyctl <host|join|list> [flags]

  host                 create a session and accept peers
  join --session <id>  join a session by id
  join --owner <id>    join the listed session owned by identity
  list                 list public sessions
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd := os.Args[1]

	flags := pflag.NewFlagSet("lobbyctl "+cmd, pflag.ExitOnError)
	flags.Uint64("identity", 0, "local relay identity")
	flags.String("relay-url", "ws://127.0.0.1:8080/ws/relay", "relay hub websocket url")
	flags.String("directory-url", "http://127.0.0.1:8080/api", "directory REST base url")
	flags.String("filter-tag", domain.DefaultFilterTag, "directory scope tag")
	flags.String("log-level", "info", "zerolog level")
	flags.Duration("tick-interval", 16*time.Millisecond, "tick loop period")
	flags.Int("max-players", 4, "session capacity (host)")
	flags.String("session-name", "", "session name (host)")
	flags.String("session-password", "", "session password (host sets, join checks)")
	flags.Bool("public", true, "list the session publicly (host)")
	sessionFlag := flags.Uint64("session", 0, "session id (join)")
	ownerFlag := flags.Uint64("owner", 0, "owner identity (join)")
	_ = flags.Parse(os.Args[2:])

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "list":
		err = list(ctx, cfg)
	case "host":
		err = session(ctx, cfg, func(ctx context.Context, o *orch.Orchestrator, dir *directory.Client) (*domain.Session, error) {
			return host(ctx, cfg, o, dir)
		})
	case "join":
		err = session(ctx, cfg, func(ctx context.Context, o *orch.Orchestrator, dir *directory.Client) (*domain.Session, error) {
			return join(ctx, cfg, o, dir, domain.SessionID(*sessionFlag), domain.Identity(*ownerFlag))
		})
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Str("cmd", cmd).Msg("lobbyctl failed")
	}
}

func list(ctx context.Context, cfg *config.Config) error {
	var dir *directory.Client
	fxApp := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(app.ProvideDirectory),
		fx.Populate(&dir),
	)
	if err := fxApp.Err(); err != nil {
		return err
	}
	sessions, err := dir.ListSessions(ctx, domain.Filter{})
	if err != nil {
		return err
	}
	for _, s := range sessions {
		lock := ""
		if s.HasPassword() {
			lock = " [password]"
		}
		fmt.Printf("%s\t%q\towner=%s\t%d/%d%s\n", s.ID, s.Name(), s.Owner, len(s.Members), s.MaxMembers, lock)
	}
	return nil
}

type bootstrap func(ctx context.Context, o *orch.Orchestrator, dir *directory.Client) (*domain.Session, error)

// session starts the full service graph, runs start and then pumps stdin to peers
// until a signal arrives. fx.Stop runs the ordered teardown.
func session(ctx context.Context, cfg *config.Config, start bootstrap) error {
	var (
		o   *orch.Orchestrator
		dir *directory.Client
		l   *loop.Loop
	)
	fxApp := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		app.Module,
		fx.Populate(&o, &dir, &l),
	)
	startCtx, cancelStart := context.WithTimeout(ctx, 15*time.Second)
	defer cancelStart()
	if err := fxApp.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelStop()
		if err := fxApp.Stop(stopCtx); err != nil {
			log.Error().Err(err).Msg("teardown")
		}
	}()

	unsubscribe := l.Subscribe(echo(os.Stdout))
	defer unsubscribe()

	s, err := start(ctx, o, dir)
	if err != nil {
		return err
	}
	log.Info().Str("session", s.ID.String()).Str("name", s.Name()).Str("role", o.Role().String()).Msg("session ready")

	go pump(ctx, os.Stdin, l, o.Role())
	<-ctx.Done()
	return nil
}

func host(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, dir *directory.Client) (*domain.Session, error) {
	s, err := o.StartHost(ctx, cfg.MaxPlayers).Await(ctx)
	if err != nil {
		return nil, err
	}
	return dir.Decorate(ctx, s, directory.Decoration{
		Name:     cfg.SessionName,
		Password: cfg.SessionPassword,
		Public:   cfg.Public,
	})
}

func join(ctx context.Context, cfg *config.Config, o *orch.Orchestrator, dir *directory.Client, id domain.SessionID, owner domain.Identity) (*domain.Session, error) {
	if id == 0 && owner.Valid() {
		sessions, err := dir.ListSessions(ctx, domain.Filter{})
		if err != nil {
			return nil, err
		}
		var ok bool
		if id, ok = ownedBy(sessions, owner); !ok {
			return nil, fmt.Errorf("no listed session owned by %s", owner)
		}
	}
	if id == 0 {
		return nil, fmt.Errorf("join needs --session or --owner")
	}
	// joining through the directory keeps the password check for --owner too
	return o.StartClient(ctx, id, orch.JoinOptions{Password: cfg.SessionPassword}).Await(ctx)
}

// ownedBy picks the newest listed session owned by owner.
func ownedBy(sessions []*domain.Session, owner domain.Identity) (domain.SessionID, bool) {
	var id domain.SessionID
	for _, s := range sessions {
		if s.Owner == owner && s.ID > id {
			id = s.ID
		}
	}
	return id, id != 0
}
