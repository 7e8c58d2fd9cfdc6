package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/term"

	"espdeck/internal/config"
	"espdeck/internal/console"
	"espdeck/internal/esploader"
	"espdeck/internal/firmware"
	"espdeck/internal/flash"
	"espdeck/internal/logging"
	"espdeck/internal/transport"
)

// escapeKey (Ctrl-]) leaves the console.
const escapeKey = 0x1d

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Config file",
			EnvVars: []string{config.EnvPath},
		},
		&cli.StringFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Serial port (default: first ESP-compatible USB port)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "Log level: debug, info, warn, error",
		},
	}
}

// env is what every command needs, built from flags and the config file.
type env struct {
	cfg config.Config
	log *zap.Logger
}

func newEnv(c *cli.Context) (*env, error) {
	path, explicit := config.DefaultPath, false
	if p := c.String("config"); p != "" {
		path, explicit = p, true
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	if p := c.String("port"); p != "" {
		cfg.Serial.Port = p
	}

	logCfg := cfg.Log
	logCfg.Development = true
	if lvl := c.String("log-level"); lvl != "" {
		logCfg.Level = lvl
	} else if logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}
	return &env{cfg: cfg, log: log}, nil
}

func (e *env) fetcher() *flash.HTTPFetcher {
	return flash.NewHTTPFetcher(&http.Client{Timeout: e.cfg.Firmware.FetchTimeout})
}

func (e *env) catalog(ctx context.Context) (*firmware.Catalog, error) {
	opts := e.cfg.CatalogOptions(e.fetcher().Fetch)
	opts.Log = e.log.Named("firmware")
	return firmware.Open(ctx, opts)
}

func (e *env) registry() *transport.Registry {
	return transport.NewRegistry(e.cfg.Serial.PollInterval, e.log.Named("serial"))
}

func portsCommand() *cli.Command {
	return &cli.Command{
		Name:  "ports",
		Usage: "List serial ports",
		Action: func(c *cli.Context) error {
			ports, err := transport.ListPorts()
			if err != nil {
				return err
			}
			return printPorts(c.App.Writer, ports)
		},
	}
}

func printPorts(w io.Writer, ports []transport.PortInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tVID:PID\tBRIDGE\tPRODUCT")
	for _, p := range ports {
		id := "-"
		if p.USB {
			id = p.VID + ":" + p.PID
		}
		bridge := p.Bridge
		if bridge == "" {
			bridge = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, id, bridge, p.Product)
	}
	return tw.Flush()
}

func firmwaresCommand() *cli.Command {
	return &cli.Command{
		Name:  "firmwares",
		Usage: "List the firmware catalog",
		Action: func(c *cli.Context) error {
			e, err := newEnv(c)
			if err != nil {
				return err
			}
			cat, err := e.catalog(c.Context)
			if err != nil {
				return err
			}
			return printFirmwares(c.App.Writer, cat.All())
		},
	}
}

func printFirmwares(w io.Writer, fws []firmware.Descriptor) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tCHIP\tBAUD\tFILES")
	for _, d := range fws {
		offsets := make([]string, len(d.Files))
		for i, f := range d.Files {
			offsets[i] = fmt.Sprintf("0x%x", f.Offset)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", d.ID, d.Name, d.Version, d.Chip, d.Baud, strings.Join(offsets, ","))
	}
	return tw.Flush()
}

func consoleCommand() *cli.Command {
	return &cli.Command{
		Name:  "console",
		Usage: "Open an interactive serial console (Ctrl-] to quit)",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "baud",
				Aliases: []string{"b"},
				Usage:   "Baud rate (default from config)",
			},
		},
		Action: consoleAction,
	}
}

func consoleAction(c *cli.Context) (err error) {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	baud := c.Int("baud")
	if baud <= 0 {
		baud = e.cfg.Serial.Baud
	}

	reg := e.registry()
	defer func() { err = multierr.Append(err, reg.CloseAll()) }()

	s := console.NewSession(reg.Opener(e.cfg.Serial.Port), baud, e.log.Named("console"))
	tr, err := s.Connect(c.Context)
	if err != nil {
		return err
	}

	out := c.App.Writer
	if err := s.Start(tr, func(b []byte) { out.Write(b) }, nil); err != nil {
		return err
	}
	defer s.Close()

	fmt.Fprintf(c.App.ErrWriter, "--- %s at %d baud, Ctrl-] to quit ---\r\n", tr.Name(), baud)

	if fd := int(os.Stdin.Fd()); term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)
	}

	go pumpInput(os.Stdin, s)

	select {
	case <-s.Done():
		fmt.Fprint(c.App.ErrWriter, "\r\n--- disconnected ---\r\n")
	case <-c.Context.Done():
	}
	return nil
}

// pumpInput copies keystrokes to the session until the escape key or EOF,
// then closes the session.
func pumpInput(r io.Reader, s *console.Session) {
	defer s.Close()
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk, quit := beforeEscape(buf[:n])
			s.Write(chunk)
			if quit {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// beforeEscape returns the part of b preceding the escape key, and whether
// the key was found.
func beforeEscape(b []byte) ([]byte, bool) {
	if i := bytes.IndexByte(b, escapeKey); i >= 0 {
		return b[:i], true
	}
	return b, false
}

func flashCommand() *cli.Command {
	return &cli.Command{
		Name:  "flash",
		Usage: "Write a catalog firmware or a local image",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "firmware",
				Aliases: []string{"f"},
				Usage:   "Catalog firmware id",
			},
			&cli.StringFlag{
				Name:  "file",
				Usage: "Local application image",
			},
			&cli.StringFlag{
				Name:  "offset",
				Usage: "Flash offset for --file",
				Value: fmt.Sprintf("0x%x", firmware.AppOffset),
			},
			&cli.IntFlag{
				Name:  "baud",
				Usage: "Transfer baud rate for --file",
				Value: firmware.DefaultBaud,
			},
		},
		Action: flashAction,
	}
}

func flashAction(c *cli.Context) (err error) {
	e, err := newEnv(c)
	if err != nil {
		return err
	}
	fw, err := e.descriptor(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()

	reg := e.registry()
	defer func() { err = multierr.Append(err, reg.CloseAll()) }()

	tr, err := reg.Open(ctx, e.cfg.Serial.Port, esploader.ROMBaud)
	if err != nil {
		return err
	}
	lease, err := tr.Acquire(transport.RoleFlash)
	if err != nil {
		return err
	}
	defer lease.Release()

	orch := flash.New(e.fetcher(), esploader.Factory(esploader.WithLogger(e.log.Named("esploader"))), e.log.Named("flash"))
	p := &progressPrinter{w: c.App.ErrWriter}
	err = orch.Flash(ctx, fw, lease, p.print)
	p.finish()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	fmt.Fprintf(c.App.Writer, "%s %s written to %s\n", fw.ID, fw.Version, tr.Name())
	return nil
}

func (e *env) descriptor(c *cli.Context) (firmware.Descriptor, error) {
	id, file := c.String("firmware"), c.String("file")
	switch {
	case id != "" && file != "":
		return firmware.Descriptor{}, cli.Exit("--firmware and --file are mutually exclusive", 2)
	case file != "":
		offset, err := parseOffset(c.String("offset"))
		if err != nil {
			return firmware.Descriptor{}, cli.Exit(err.Error(), 2)
		}
		return firmware.Custom(file, offset, "", c.Int("baud")), nil
	case id != "":
		cat, err := e.catalog(c.Context)
		if err != nil {
			return firmware.Descriptor{}, err
		}
		fw, ok := cat.Get(id)
		if !ok {
			return firmware.Descriptor{}, cli.Exit(fmt.Sprintf("unknown firmware %q", id), 2)
		}
		return fw, nil
	default:
		return firmware.Descriptor{}, cli.Exit("one of --firmware or --file is required", 2)
	}
}

func parseOffset(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q", s)
	}
	return uint32(v), nil
}

// progressPrinter redraws one line per phase.
type progressPrinter struct {
	w     io.Writer
	phase flash.Phase
}

func (p *progressPrinter) print(pr flash.Progress) {
	if p.phase != "" && pr.Phase != p.phase {
		fmt.Fprintln(p.w)
	}
	p.phase = pr.Phase
	fmt.Fprintf(p.w, "\r%-9s %s %3d%%", pr.Phase, bar(pr.Percent, 30), pr.Percent)
}

func (p *progressPrinter) finish() {
	if p.phase != "" {
		fmt.Fprintln(p.w)
	}
}

func bar(percent, width int) string {
	filled := percent * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}
