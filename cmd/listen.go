package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Dyastin-0/zipline/core"
	"github.com/Dyastin-0/zipline/progress"
	"github.com/Dyastin-0/zipline/styles"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

const (
	acceptAsk  = "ask"
	acceptAll  = "all"
	acceptNone = "none"
)

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "announce this device and receive transfers",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "accept",
				Aliases: []string{"a"},
				Usage:   "how to answer transfer requests: ask, all or none (default: ask on a terminal, all otherwise)",
			},
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "directory to save received files in (overrides download_directory)",
			},
		},
		Action: listenAction,
	}
}

func requestHandler(policy string, tty bool) (core.RequestHandler, error) {
	if policy == "" {
		policy = acceptAll
		if tty {
			policy = acceptAsk
		}
	}

	switch policy {
	case acceptAsk:
		return core.PromptRequest, nil
	case acceptAll:
		return core.AcceptAll, nil
	case acceptNone:
		return core.DeclineAll, nil
	default:
		return nil, cli.Exit(fmt.Sprintf("invalid --accept %q: want ask, all or none", policy), 1)
	}
}

func listenAction(ctx context.Context, cmd *cli.Command) error {
	handler, err := requestHandler(cmd.String("accept"), interactive())
	if err != nil {
		return err
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}

	client := a.engine(ctx, true, handler)
	if cmd.IsSet("dir") {
		client.SetDownloadDir(a.cfg.DownloadDirectory)
	}

	bars, unsubscribe := client.Registry().Subscribe(256,
		core.EventStarted,
		core.EventProgress,
		core.EventCompleted,
		core.EventFailed,
	)
	defer unsubscribe()

	notices, unsubscribeNotices := client.Registry().Subscribe(64,
		core.EventCompleted,
		core.EventFailed,
		core.EventRequestRejected,
		core.EventText,
	)
	defer unsubscribeNotices()

	errch, err := start(ctx, client)
	if err != nil {
		return err
	}

	fmt.Println(styles.TITLE.Render(fmt.Sprintf("zipline listening as %s on port %d", client.Signature(), client.Port())))
	fmt.Println(styles.INFO.Render(fmt.Sprintf("saving to %s", client.SaveRoot(core.Peer{}))))

	p := progress.New(os.Stderr)
	go progress.Track(ctx, bars, p)
	go printNotices(ctx, notices)

	err = <-errch
	p.Wait()
	return err
}

func printNotices(ctx context.Context, events <-chan core.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if line := notice(ev); line != "" {
				fmt.Println(line)
			}
		}
	}
}

// notice renders the one-line summary for an event, or "" when the event
// has nothing to say.
func notice(ev core.Event) string {
	switch ev.Kind {
	case core.EventText:
		return fmt.Sprintf("%s\n%s",
			styles.INFO.Render(fmt.Sprintf("text from %s:", ev.Text.Peer.Name)),
			styles.TEXT.Render(ev.Text.Text),
		)

	case core.EventRequestRejected:
		reason := ev.Rejected.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return styles.WARN.Render(fmt.Sprintf("request %s from %s not accepted: %s",
			ev.Rejected.TransferID, ev.Rejected.Peer.Name, reason))

	case core.EventCompleted:
		s := ev.Session
		if s.Direction != core.DirectionReceiving {
			return ""
		}
		return styles.SUCCESS.Render(fmt.Sprintf("received %d item(s), %s from %s into %s",
			s.CompletedFiles, humanize.Bytes(uint64(s.TransferredSize)), s.Peer.Name, s.SaveRoot))

	case core.EventFailed:
		s := ev.Session
		if s.Status == core.StatusCancelled {
			return styles.WARN.Render(fmt.Sprintf("transfer %s with %s cancelled", s.ID, s.Peer.Name))
		}
		return styles.ERROR.Render(fmt.Sprintf("transfer %s with %s failed after %s: %s",
			s.ID, s.Peer.Name, humanize.Bytes(uint64(s.TransferredSize)), s.Error))
	}

	return ""
}
