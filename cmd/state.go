package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Dyastin-0/zipline/core"
	"github.com/Dyastin-0/zipline/store"
	"github.com/Dyastin-0/zipline/styles"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:   "history",
		Usage:  "show finished transfers",
		Action: historyAction,
		Commands: []*cli.Command{
			{
				Name:   "clear",
				Usage:  "forget every finished transfer",
				Action: historyClearAction,
			},
		},
	}
}

func historyAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	registry := core.NewRegistry(a.history, a.log)
	defer registry.Close()

	fmt.Print(renderHistory(registry.Completed(), time.Now()))
	return nil
}

func historyClearAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	registry := core.NewRegistry(a.history, a.log)
	defer registry.Close()

	n := len(registry.Completed())
	if err := registry.ClearHistory(); err != nil {
		return err
	}

	fmt.Println(styles.SUCCESS.Render(fmt.Sprintf("cleared %d transfer(s)", n)))
	return nil
}

func renderHistory(sessions []core.Session, now time.Time) string {
	if len(sessions) == 0 {
		return styles.INFO.Render("no finished transfers") + "\n"
	}

	var sb strings.Builder
	for _, s := range sessions {
		arrow, who := "<-", "from"
		if s.Direction == core.DirectionSending {
			arrow, who = "->", "to"
		}

		line := fmt.Sprintf("%s %-15s %-9s %d item(s), %s %s %s, %s",
			arrow,
			s.ID,
			s.Status,
			s.CompletedFiles,
			humanize.Bytes(uint64(s.TransferredSize)),
			who,
			s.Peer.Name,
			humanize.RelTime(s.StartedAt, now, "ago", "from now"),
		)

		for _, text := range s.Texts() {
			line += fmt.Sprintf(" %q", truncate(text, 40))
		}

		switch s.Status {
		case core.StatusCompleted:
			line = styles.SUCCESS.Render(line)
		case core.StatusCancelled:
			line = styles.WARN.Render(fmt.Sprintf("%s (%.0f%%)", line, s.Progress()*100))
		default:
			line = fmt.Sprintf("%s (%.0f%%)", line, s.Progress()*100)
			if s.Error != "" {
				line += ": " + s.Error
			}
			line = styles.ERROR.Render(line)
		}

		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func peerFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "peer",
		Usage: "apply to one peer (id, address or name) instead of the default",
	}
}

func locationsCommand() *cli.Command {
	return &cli.Command{
		Name:   "locations",
		Usage:  "show or change where received transfers are saved",
		Action: locationsAction,
		Commands: []*cli.Command{
			{
				Name:      "set",
				Usage:     "remember a save directory",
				ArgsUsage: "<dir>",
				Flags:     []cli.Flag{peerFlag(), discoverFlag()},
				Action:    locationsSetAction,
			},
			{
				Name:   "clear",
				Usage:  "forget a save directory",
				Flags:  []cli.Flag{peerFlag(), discoverFlag()},
				Action: locationsClearAction,
			},
		},
	}
}

func locationsAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	locs, err := a.locations.List()
	if err != nil {
		return err
	}

	fmt.Print(renderLocations(locs, a.cfg.DownloadDirectory))
	return nil
}

func locationsSetAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.NArg() != 1 {
		return cli.Exit("usage: zipline locations set [--peer <peer>] <dir>", 1)
	}

	dir, err := filepath.Abs(cmd.Args().First())
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	return changeLocation(ctx, cmd, dir)
}

func locationsClearAction(ctx context.Context, cmd *cli.Command) error {
	return changeLocation(ctx, cmd, "")
}

// changeLocation stores dir for the peer named by --peer, or as the
// default when no peer is named. An empty dir removes the entry.
func changeLocation(ctx context.Context, cmd *cli.Command, dir string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	query := cmd.String("peer")
	if query == "" {
		if err := a.locations.SetDefault(dir); err != nil {
			return err
		}
		fmt.Println(styles.SUCCESS.Render(locationChange("everyone", dir)))
		return nil
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

	peer := peers[0]
	if err := a.locations.Set(peer, dir); err != nil {
		return err
	}
	fmt.Println(styles.SUCCESS.Render(locationChange(core.StripAdapter(peer.Signature), dir)))
	return nil
}

func locationChange(who, dir string) string {
	if dir == "" {
		return fmt.Sprintf("transfers from %s go to the default location again", who)
	}
	return fmt.Sprintf("transfers from %s go to %s", who, dir)
}

func renderLocations(locs store.Locations, configured string) string {
	var sb strings.Builder

	def := locs.Default
	source := "stored"
	if def == "" {
		def, source = configured, "download_directory"
	}
	fmt.Fprintf(&sb, "%s %s %s\n",
		styles.HEADER.Render("default"),
		def,
		styles.INFO.Render("("+source+")"),
	)

	signatures := make([]string, 0, len(locs.PerPeer))
	for sig := range locs.PerPeer {
		signatures = append(signatures, sig)
	}
	sort.Strings(signatures)

	for _, sig := range signatures {
		fmt.Fprintf(&sb, "%s %s\n", styles.HEADER.Render(sig), locs.PerPeer[sig])
	}
	return sb.String()
}
