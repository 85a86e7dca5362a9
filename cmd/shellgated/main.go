package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/containerd/log"
	"github.com/urfave/cli/v2"

	"github.com/toddlipcon/hue/internal/config"
	"github.com/toddlipcon/hue/internal/eventbus"
	"github.com/toddlipcon/hue/internal/httpapi"
	"github.com/toddlipcon/hue/internal/paths"
	"github.com/toddlipcon/hue/internal/persistence"
	"github.com/toddlipcon/hue/internal/ptyio"
	"github.com/toddlipcon/hue/internal/shellmanager"
	"github.com/toddlipcon/hue/internal/shellproc"
	"github.com/toddlipcon/hue/internal/shelltypes"
)

func main() {
	app := &cli.App{
		Name:  "shellgated",
		Usage: "PTY-backed shell multiplexer served over HTTP long-polling",
		Commands: []*cli.Command{
			serveCommand,
			attachCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.L.WithError(err).Error("shellgated: fatal error")
		os.Exit(1)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "start the shellgate HTTP server",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to config.json (overrides SHELLGATE_CONFIG and the compiled-in default)"},
		&cli.StringFlag{Name: "listen-addr", Usage: "override the config file's listenAddr"},
		&cli.IntFlag{Name: "shell-timeout", Usage: "override the config file's shellTimeoutSeconds (clamped to the compiled ceiling)"},
	},
	Action: func(c *cli.Context) error {
		return serve(c.String("config"), c.String("listen-addr"), c.Int("shell-timeout"))
	},
}

// serve loads configuration, wires the core components together and blocks
// serving HTTP until the process is killed. It fails fast: a bad config
// file or an unspawnable shell executable is reported and the process
// exits, rather than surfacing at the first browser request.
func serve(configFlag, listenAddrFlag string, shellTimeoutFlag int) error {
	if configFlag == "" {
		// No --config given: let paths.FirstExistingConfig pick whichever
		// of the standard locations actually exists, so an operator who
		// dropped config.json in /etc/shellgate doesn't also have to set
		// SHELLGATE_CONFIG just to have it picked up.
		if found := paths.FirstExistingConfig(config.DefaultConfigPath, "./config.json"); found != "" {
			configFlag = found
		}
	}
	if configFlag != "" {
		os.Setenv("SHELLGATE_CONFIG", configFlag)
	}

	cfg, err := config.Get()
	if err != nil {
		fmt.Fprintln(os.Stderr, "\nPlease create a configuration file at", config.DefaultConfigPath)
		fmt.Fprintln(os.Stderr, "It is a JSON object with a non-empty \"shellTypes\" list of {niceName, keyName, command}; listenAddr, stateDir and limits are optional.")
		fmt.Fprintln(os.Stderr, "\nAlternatively, set SHELLGATE_CONFIG to specify a custom config file location.")
		return fmt.Errorf("load config: %w", err)
	}

	if listenAddrFlag != "" {
		cfg.ListenAddr = listenAddrFlag
	}
	if shellTimeoutFlag > 0 {
		ceiling := int(config.ShellTimeout.Seconds())
		if shellTimeoutFlag > ceiling {
			log.L.WithField("requested", shellTimeoutFlag).WithField("ceiling", ceiling).
				Warn("shellgated: --shell-timeout above the compiled ceiling; clamping")
			shellTimeoutFlag = ceiling
		}
		cfg.Limits.ShellTimeoutSeconds = shellTimeoutFlag
	}

	types := shelltypes.New(cfg.ShellTypes)

	bus := eventbus.New()
	defer bus.Close()

	if cfg.StateDir != "" {
		auditLog, err := persistence.Open(cfg.StateDir + "/audit.db")
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer auditLog.Close()
		go auditLog.Listen(bus)
	}

	spawn := shellproc.Spawner(func(command []string) (shellproc.PTYHandle, error) {
		return ptyio.Spawn(command)
	})

	mgr, err := shellmanager.New(cfg, types, spawn, bus)
	if err != nil {
		return fmt.Errorf("create shell manager: %w", err)
	}
	go mgr.Run()
	defer mgr.Stop()

	mux := http.NewServeMux()
	httpapi.New(mgr).Routes(mux)

	log.L.WithField("addr", cfg.ListenAddr).Info("shellgated: listening")
	return http.ListenAndServe(cfg.ListenAddr, mux)
}
