// Command chordswarm starts one node-pool process: a bound UDP endpoint,
// an empty pool of virtual nodes, and an interactive shell for hosting,
// joining and fetching content (spec §1 "out of scope, treated as external
// collaborators" — the shell and process bootstrap live here, outside the
// core).
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/inconshreveable/log15"
	colorable "github.com/mattn/go-colorable"
	"github.com/mitchellh/go-wordwrap"
	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/mod/chordswarm/config"
	"github.com/mod/chordswarm/controller"
	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/pool"
	"github.com/mod/chordswarm/remotenode"
	"github.com/mod/chordswarm/transport"
	"github.com/mod/chordswarm/wire"
)

var (
	bootstrapFlag = cli.StringSliceFlag{
		Name:  "bootstrap",
		Usage: "host:port of a peer to use as an initial routing hint (repeatable)",
	}
	scenarioHostRandomFlag = cli.BoolFlag{
		Name:  "scenario-host-random",
		Usage: "host one virtual node with a fixed-size random payload at startup",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Value: 3,
		Usage: "log verbosity, 0 (crit) through 4 (debug)",
	}
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML configuration file overlaying the built-in defaults",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "chordswarm"
	app.Usage = "a Chord-with-swarms distributed hash table node"
	app.ArgsUsage = "<bind-ip> <bind-port>"
	app.Flags = []cli.Flag{bootstrapFlag, scenarioHostRandomFlag, verbosityFlag, configFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("fatal: %v", err))
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg := config.Default()
	if path := cliCtx.String(configFlag.Name); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}
	if cliCtx.NArg() >= 1 {
		cfg.BindIP = cliCtx.Args().Get(0)
	}
	if cliCtx.NArg() >= 2 {
		port, err := strconv.ParseUint(cliCtx.Args().Get(1), 10, 16)
		if err != nil {
			return fmt.Errorf("invalid bind port %q: %w", cliCtx.Args().Get(1), err)
		}
		cfg.BindPort = uint16(port)
	}
	if cliCtx.IsSet(verbosityFlag.Name) {
		cfg.Verbosity = cliCtx.Int(verbosityFlag.Name)
	}

	log15.Root().SetHandler(log15.LvlFilterHandler(
		log15.Lvl(cfg.Verbosity),
		log15.StreamHandler(colorable.NewColorableStderr(), log15.TerminalFormat()),
	))
	logger := log15.New("module", "main")

	var bootstrap []remotenode.RemoteNode
	for _, raw := range append(append([]string(nil), cfg.Bootstrap...), cliCtx.StringSlice(bootstrapFlag.Name)...) {
		addr, err := wire.ParseAddress(raw)
		if err != nil {
			return fmt.Errorf("invalid bootstrap address %q: %w", raw, err)
		}
		// id.Zero marks the bootstrap's identity as unknown; the transport
		// treats a Zero RemoteID as a wildcard so the first contact can
		// still correlate a reply (see transport.keysMatch).
		bootstrap = append(bootstrap, remotenode.New(id.Zero, addr))
	}

	p := pool.New(cfg.BindAddress(), nil, bootstrap, cfg.PoolConfig())
	tr, err := transport.Listen(cfg.BindAddress(), p, cfg.TransportConfig())
	if err != nil {
		return fmt.Errorf("binding transport: %w", err)
	}
	defer tr.Close()
	p.SetRequester(tr)
	logger.Info("listening", "addr", tr.LocalAddr())

	ctrl := controller.New(p, tr, tr.LocalAddr(), cfg.ControllerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cliCtx.Bool(scenarioHostRandomFlag.Name) || cfg.ScenarioHostRandom {
		payload := make([]byte, 32)
		if _, err := rand.Read(payload); err != nil {
			return fmt.Errorf("generating random scenario payload: %w", err)
		}
		v, err := ctrl.Host(ctx, payload)
		if err != nil {
			return fmt.Errorf("scenario-host-random: %w", err)
		}
		logger.Info("scenario-host-random hosted a node", "id", v.ID)
	}

	runShell(ctx, ctrl, logger)
	return nil
}

const helpText = `Commands:
  ls                 list locally known virtual nodes and whether they hold a value
  jr <id-hex> <file>  fetch content by id and write it to file, verifying its hash
  hl <file>           host the contents of file and print its resulting id
  help                show this text
  quit, exit          leave the shell`

func runShell(ctx context.Context, ctrl *controller.Controller, logger log15.Logger) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	prompt := color.New(color.FgCyan).Sprint("chordswarm> ")
	for {
		input, err := line.Prompt(prompt)
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		fields := strings.Fields(input)
		switch fields[0] {
		case "quit", "exit":
			return
		case "help":
			fmt.Println(wordwrap.WrapString(helpText, 78))
		case "ls":
			cmdLS(ctrl)
		case "jr":
			if len(fields) != 3 {
				fmt.Println(color.RedString("usage: jr <id-hex> <file>"))
				continue
			}
			cmdJR(ctx, ctrl, fields[1], fields[2])
		case "hl":
			if len(fields) != 2 {
				fmt.Println(color.RedString("usage: hl <file>"))
				continue
			}
			cmdHL(ctx, ctrl, fields[1])
		default:
			fmt.Println(color.RedString("unknown command %q; try 'help'", fields[0]))
		}
	}
}

func cmdLS(ctrl *controller.Controller) {
	table := tablewriter.NewWriter(colorable.NewColorableStdout())
	table.SetHeader([]string{"id", "has value"})
	for _, entry := range ctrl.List() {
		has := color.YellowString("no")
		if entry.HasValue {
			has = color.GreenString("yes")
		}
		table.Append([]string{entry.ID.String(), has})
	}
	table.Render()
	if count, ok := ctrl.DecodeErrorCount(); ok {
		fmt.Println(color.New(color.Faint).Sprintf("decode errors: %d", count))
	}
}

func cmdJR(ctx context.Context, ctrl *controller.Controller, idHex, path string) {
	target, err := id.ParseHex(idHex)
	if err != nil {
		fmt.Println(color.RedString("invalid id: %v", err))
		return
	}
	value, err := ctrl.Fetch(ctx, target)
	if err != nil {
		fmt.Println(color.RedString("fetch failed: %v", err))
		return
	}
	if id.Hash(value) != target {
		fmt.Println(color.RedString("hash mismatch; refusing to write %s", path))
		return
	}
	if err := os.WriteFile(path, value, 0o644); err != nil {
		fmt.Println(color.RedString("writing %s: %v", path, err))
		return
	}
	fmt.Println(color.GreenString("wrote %d bytes to %s", len(value), path))
}

func cmdHL(ctx context.Context, ctrl *controller.Controller, path string) {
	value, err := os.ReadFile(path)
	if err != nil {
		fmt.Println(color.RedString("reading %s: %v", path, err))
		return
	}
	v, err := ctrl.Host(ctx, value)
	if err != nil {
		fmt.Println(color.RedString("host failed: %v", err))
		return
	}
	fmt.Println(color.GreenString("hosted as %s", v.ID.String()))
}
