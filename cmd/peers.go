package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/Dyastin-0/zipline/core"
	"github.com/Dyastin-0/zipline/styles"
	"github.com/Dyastin-0/zipline/tui"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

func peersCommand() *cli.Command {
	return &cli.Command{
		Name:  "peers",
		Usage: "list devices discovered on the network",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "watch",
				Aliases: []string{"w"},
				Usage:   "keep a live table open",
			},
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "how long to listen before printing",
				Value: 3 * time.Second,
			},
		},
		Action: peersAction,
	}
}

func peersAction(ctx context.Context, cmd *cli.Command) error {
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

	if cmd.Bool("watch") {
		title := fmt.Sprintf("zipline peers (as %s)", client.Signature())
		_, err := tea.NewProgram(tui.NewPeers(title, client.Peers), tea.WithContext(ctx)).Run()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(cmd.Duration("wait")):
	}

	fmt.Println(tui.RenderPeers(client.Peers(), width(), time.Now()))
	return nil
}

func interfacesCommand() *cli.Command {
	return &cli.Command{
		Name:   "interfaces",
		Usage:  "show network interfaces and whether the zipline ports are free",
		Action: interfacesAction,
	}
}

func interfacesAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	ifaces, err := core.ListInterfaces()
	if err != nil {
		return err
	}

	fmt.Println(styles.TITLE.Render("interfaces"))
	fmt.Print(renderInterfaces(ifaces))

	fmt.Println()
	fmt.Println(styles.TITLE.Render("ports"))

	port := a.cfg.ListenPort
	for _, p := range []int{port, port + 1} {
		fmt.Println(portLine(core.PortAvailability(ctx, p)))
	}
	return nil
}

func renderInterfaces(ifaces []core.NetInterface) string {
	if len(ifaces) == 0 {
		return styles.INFO.Render("  no IPv4 interfaces") + "\n"
	}

	var sb strings.Builder
	for _, iface := range ifaces {
		state := styles.SUCCESS.Render("up")
		if !iface.IsActive {
			state = styles.ERROR.Render("down")
		}

		line := fmt.Sprintf("  %-16s %-10s %-15s mask %-15s bcast %-15s %s",
			truncate(iface.Name, 16),
			iface.Type,
			iface.Address,
			net.IP(iface.SubnetMask),
			iface.BroadcastAddress,
			state,
		)
		if !iface.Broadcastable() {
			line = styles.INFO.Render(line)
		}
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func portLine(status core.PortStatus) string {
	if status.Available {
		return styles.SUCCESS.Render(fmt.Sprintf("  %d free", status.Port))
	}

	holder := status.ConflictingApp
	if holder == "" {
		holder = "unknown process"
	}
	return styles.ERROR.Render(fmt.Sprintf("  %d in use (%s) by %s", status.Port, status.Proto, holder))
}

func width() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 100
	}
	return w
}
