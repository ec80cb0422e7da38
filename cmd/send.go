package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Dyastin-0/zipline/core"
	"github.com/Dyastin-0/zipline/progress"
	"github.com/Dyastin-0/zipline/styles"
	"github.com/charmbracelet/huh/spinner"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

const defaultDiscover = 5 * time.Second

func discoverFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "discover",
		Usage: "how long to wait for the peer to show up",
		Value: defaultDiscover,
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "send files and folders to a peer",
		ArgsUsage: "[peer] [paths...]",
		Flags:     []cli.Flag{discoverFlag()},
		Action:    sendAction,
	}
}

func sendTextCommand() *cli.Command {
	return &cli.Command{
		Name:      "send-text",
		Usage:     "send a text snippet to a peer",
		ArgsUsage: "<peer> <text>",
		Flags:     []cli.Flag{discoverFlag()},
		Action:    sendTextAction,
	}
}

func sendAction(ctx context.Context, cmd *cli.Command) error {
	args := cmd.Args().Slice()
	tty := interactive()

	if !tty && len(args) < 2 {
		return cli.Exit("usage: zipline send <peer> <paths...>", 1)
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := a.engine(ctx, false, core.DeclineAll)
	errch, err := start(ctx, client)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		<-errch
	}()

	peers, err := targets(ctx, client, args, cmd.Duration("discover"), tty)
	if err != nil {
		return err
	}

	paths := []string{}
	if len(args) > 1 {
		paths = args[1:]
	}
	if len(paths) == 0 {
		cwd, _ := os.Getwd()
		files := NewFileSelector(cwd)
		if err := files.Run(); err != nil {
			return err
		}
		paths = files.SelectedPaths()
	}
	if len(paths) == 0 {
		return cli.Exit(core.ErrEmptySources.Error(), 1)
	}

	items, total, err := core.Walk(paths)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Println(styles.INFO.Render(fmt.Sprintf("sending %s (%s)", core.Describe(items), humanize.Bytes(uint64(total)))))

	return sendAll(ctx, client, peers, func(ctx context.Context, peer core.Peer) (core.Session, error) {
		return client.Send(ctx, peer, paths)
	})
}

func sendTextAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() < 2 {
		return cli.Exit("usage: zipline send-text <peer> <text>", 1)
	}
	query, text := cmd.Args().Get(0), cmd.Args().Get(1)

	a, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := a.engine(ctx, false, core.DeclineAll)
	errch, err := start(ctx, client)
	if err != nil {
		return err
	}
	defer func() {
		cancel()
		<-errch
	}()

	peers, err := targets(ctx, client, []string{query}, cmd.Duration("discover"), false)
	if err != nil {
		return err
	}

	return sendAll(ctx, client, peers, func(ctx context.Context, peer core.Peer) (core.Session, error) {
		return client.SendText(ctx, peer, text)
	})
}

// targets resolves the peer argument, or lets the user pick peers when
// there is none.
func targets(ctx context.Context, client *core.Client, args []string, discover time.Duration, tty bool) ([]core.Peer, error) {
	if len(args) > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, discover)
		defer cancel()

		var peer core.Peer
		err := spinner.New().
			Title(styles.INFO.Render(fmt.Sprintf("looking for %s...", args[0]))).
			ActionWithErr(func(context.Context) error {
				var err error
				peer, err = client.WaitForPeer(waitCtx, args[0])
				return err
			}).
			Run()
		if err != nil {
			return nil, err
		}
		return []core.Peer{peer}, nil
	}

	if !tty {
		return nil, cli.Exit("no peer given", 1)
	}

	waitCtx, cancel := context.WithTimeout(ctx, discover)
	defer cancel()
	discoverPeers(waitCtx, client)

	selector := NewPeerSelector(client.Peers)
	if err := selector.Run(); err != nil {
		return nil, err
	}

	peers := selector.SelectedPeers()
	if len(peers) == 0 {
		return nil, cli.Exit("no peer selected", 1)
	}
	return peers, nil
}

// discoverPeers shows a spinner until the first peer appears or ctx ends.
func discoverPeers(ctx context.Context, client *core.Client) {
	events, unsubscribe := client.Broadcaster().Subscribe(16)
	defer unsubscribe()

	spinner.New().
		Title(styles.INFO.Render("discovering peers...")).
		Action(func() {
			if len(client.Peers()) > 0 {
				return
			}
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok || ev.Kind == core.PeerFound {
						return
					}
				}
			}
		}).
		Run()
}

type sendFunc func(ctx context.Context, peer core.Peer) (core.Session, error)

// sendAll pushes to each peer in turn. The first failure is returned after
// the remaining peers have been tried.
func sendAll(ctx context.Context, client *core.Client, peers []core.Peer, send sendFunc) error {
	var errs []error
	for _, peer := range peers {
		s, err := sendOne(ctx, client, peer, send)
		if err != nil {
			var declined *core.DeclinedError
			if errors.As(err, &declined) {
				fmt.Println(styles.WARN.Render(fmt.Sprintf("%s declined: %s", peer.Name, declined.Reason)))
			} else {
				fmt.Println(styles.ERROR.Render(fmt.Sprintf("sending to %s failed: %v", peer.Name, err)))
			}
			errs = append(errs, err)
			continue
		}

		fmt.Println(styles.SUCCESS.Render(fmt.Sprintf("sent %s to %s in %s",
			humanize.Bytes(uint64(s.TransferredSize)),
			peer.Name,
			s.CompletedAt.Sub(s.StartedAt).Round(time.Millisecond),
		)))
	}
	return errors.Join(errs...)
}

// sendOne shows a spinner while the receiver decides, then a progress bar
// once bytes flow.
func sendOne(ctx context.Context, client *core.Client, peer core.Peer, send sendFunc) (core.Session, error) {
	events, unsubscribe := client.Registry().Subscribe(256,
		core.EventStarted,
		core.EventProgress,
		core.EventCompleted,
		core.EventFailed,
	)
	defer unsubscribe()

	type result struct {
		s   core.Session
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := send(ctx, peer)
		done <- result{s, err}
	}()

	var (
		res      *result
		follow   core.Session
		flowing  bool
		outbound string
	)

	spinner.New().
		Title(styles.INFO.Render(fmt.Sprintf("waiting for %s to accept...", peer.Name))).
		Action(func() {
			for {
				select {
				case r := <-done:
					res = &r
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if ev.Session.Direction != core.DirectionSending || ev.Session.Peer.ID != peer.ID {
						continue
					}
					if ev.Kind == core.EventStarted && outbound == "" {
						outbound = ev.Session.ID
					}
					if ev.Session.ID != outbound {
						continue
					}
					if ev.Session.Status == core.StatusInProgress || ev.Session.Status.Terminal() {
						follow = ev.Session
						flowing = true
						return
					}
				}
			}
		}).
		Run()

	if res != nil {
		return res.s, res.err
	}

	if flowing {
		bar := progress.NewSingle(nil)
		bar.Follow(follow)

		for res == nil {
			select {
			case r := <-done:
				res = &r
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Session.ID == outbound {
					bar.Handle(ev)
				}
			}
		}
		return res.s, res.err
	}

	r := <-done
	return r.s, r.err
}
