// Package cmd is the zipline command tree.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Dyastin-0/zipline/config"
	"github.com/Dyastin-0/zipline/core"
	"github.com/Dyastin-0/zipline/logger"
	"github.com/Dyastin-0/zipline/store"
	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

func New() *cli.Command {
	return &cli.Command{
		Name:    "zipline",
		Usage:   "send files and text to devices on your local network",
		Version: core.VERSION,
		Action:  ziplineAction,
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			listenCommand(),
			sendCommand(),
			sendTextCommand(),
			peersCommand(),
			interfacesCommand(),
			historyCommand(),
			locationsCommand(),
		},
		OnUsageError: func(ctx context.Context, cmd *cli.Command, err error, isSubcommand bool) error {
			return cli.Exit(err.Error(), 1)
		},
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}

func ziplineAction(ctx context.Context, cmd *cli.Command) error {
	figure := figure.NewFigure("zipline", "", true)
	figure.Print()

	fmt.Println()

	return cli.ShowAppHelp(cmd)
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "path to the config file",
			Value:   config.DefaultPath(),
		},
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "discovery and transfer port (overrides listen_port)",
		},
		&cli.StringFlag{
			Name:    "name",
			Aliases: []string{"n"},
			Usage:   "device name announced to peers (overrides device_name)",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "log to stderr at trace level",
		},
	}
}

// app is what every command needs before it can start an engine.
type app struct {
	cfg   *config.Config
	log   logger.Logger
	state *store.File

	history   *store.History
	locations *store.SaveLocations
}

func setup(cmd *cli.Command) (*app, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}

	if port := int(cmd.Int("port")); port != 0 {
		cfg.ListenPort = port
	}
	if name := cmd.String("name"); name != "" {
		cfg.DeviceName = name
	}
	if cmd.IsSet("dir") {
		cfg.DownloadDirectory = cmd.String("dir")
	}

	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}

	log := logger.New()
	path, err := logger.LogPath(cfg.LogPath)
	if err != nil {
		return nil, err
	}

	if cmd.Bool("verbose") {
		log.InitMultiWriter(path)
		log.SetVerbose(true)
	} else {
		log.Init(path)
	}

	state := store.NewFile(cfg.StatePath)

	return &app{
		cfg:       cfg,
		log:       log,
		state:     state,
		history:   store.NewHistory(state),
		locations: store.NewSaveLocations(state),
	}, nil
}

// engine builds a client. Commands other than listen fall back to an
// ephemeral port when another zipline already holds the configured one,
// and never run the avatar server.
func (a *app) engine(ctx context.Context, listening bool, handler core.RequestHandler) *core.Client {
	opts := a.cfg.Options()

	if !listening {
		opts.DisableAvatar = true
		if status := core.PortAvailability(ctx, int(opts.Port)); !status.Available {
			a.log.WithInt("port", int(opts.Port)).
				WithStr("app", status.ConflictingApp).
				Info("port busy, using an ephemeral port")
			opts.Port = 0
		}
	}

	return core.NewClient(opts,
		core.WithLogger(a.log),
		core.WithHistory(a.history),
		core.WithSaveLocations(a.locations),
		core.WithRequestHandler(handler),
	)
}

// start runs client in the background and waits until it is bound.
func start(ctx context.Context, client *core.Client) (<-chan error, error) {
	errch := make(chan error, 1)

	go func() {
		errch <- client.Run(ctx)
	}()

	select {
	case <-client.Ready():
		return errch, nil
	case err := <-errch:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
