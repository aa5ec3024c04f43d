// gatewayd — remote tunnel gateway core
// License: MIT
//
// Copyright (c) 2026 DevOpsClaw contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/freitascorp/gatewayd/internal/config"
	"github.com/freitascorp/gatewayd/internal/credstore"
	"github.com/freitascorp/gatewayd/internal/gateway"
	"github.com/freitascorp/gatewayd/internal/model"
	"github.com/freitascorp/gatewayd/internal/portforward"
	"github.com/freitascorp/gatewayd/internal/rpcfabric"
	"github.com/freitascorp/gatewayd/internal/serverbridge"
	"github.com/freitascorp/gatewayd/internal/serversup"
	"github.com/freitascorp/gatewayd/internal/singleton"
	"github.com/freitascorp/gatewayd/internal/tunnelsup"
	"github.com/freitascorp/gatewayd/internal/xerrors"
)

const credProvider = "tunnel"

// gatewayStack bundles the collaborators `serve` composes, mirroring
// cmd/devopsclaw/cobra_cli.go:newFleetStack's single assembly point.
type gatewayStack struct {
	cfg       *config.Config
	logger    *slog.Logger
	vault     *credstore.FileVault
	identity  *tunnelsup.IdentityStore
	installer *serversup.Installer
	serverSup *serversup.Supervisor
	bridges   *serverbridge.Registry
	tunnel    *tunnelsup.Supervisor
	ports     *portforward.Registrar
	gw        *gateway.Gateway
}

func lockFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "gatewayd.lock")
}

func identityFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "code_tunnel.json")
}

// newGatewayStack wires every component the gateway composes out of its
// configuration, following cmd/devopsclaw's newFleetStack precedent of one
// function building the whole dependency graph before handing it to the
// command that needs it.
func newGatewayStack(cfg *config.Config, logger *slog.Logger) (*gatewayStack, error) {
	vault, err := credstore.NewFileVault(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	identity := tunnelsup.NewIdentityStore(identityFilePath(cfg))

	cache, err := serversup.OpenCache(filepath.Join(cfg.DataDir, "cache"), cfg.CacheMaxSize)
	if err != nil {
		return nil, err
	}
	resolver := &serversup.HTTPReleaseResolver{ManifestBaseURL: cfg.RelayURL}
	installer := serversup.NewInstaller(cache, resolver)
	serverSup := serversup.NewSupervisor(logger)
	bridges := serverbridge.NewRegistry(logger)

	cred, err := vault.Load(credProvider)
	if err != nil && xerrors.KindOf(err) != xerrors.NotFound {
		return nil, err
	}
	dialer := &tunnelsup.WSDialer{RelayURL: cfg.RelayURL, Cred: cred, Logger: logger}
	tokenSource := credstore.TokenSource(vault, credProvider)
	tunnel := tunnelsup.NewSupervisor(tokenSource, dialer, 5*time.Second, 120*time.Second, logger)

	relayProxy := tunnelsup.NewRelayProxy(tunnel)
	ports := portforward.NewRegistrar(relayProxy, logger)

	hostname, _ := os.Hostname()
	if t, err := identity.Load(); err == nil {
		hostname = t.Name
	}

	gw := gateway.New(gateway.Deps{
		Logger:     logger,
		Hostname:   hostname,
		Version:    formatVersion(),
		Installer:  installer,
		ServerSup:  serverSup,
		Entrypoint: "code-server",
		Bridges:    bridges,
		Ports:      ports,
		Tunnel:     tunnel,
	})

	return &gatewayStack{
		cfg:       cfg,
		logger:    logger,
		vault:     vault,
		identity:  identity,
		installer: installer,
		serverSup: serverSup,
		bridges:   bridges,
		tunnel:    tunnel,
		ports:     ports,
		gw:        gw,
	}, nil
}

// ------------------------------------------------------------------
// Root command
// ------------------------------------------------------------------

var (
	flagDebug    bool
	flagJSON     bool
	flagDataDir  string
	flagConfFile string
)

func loadConfigFromFlags() (*config.Config, error) {
	cfg, err := config.Load(flagConfFile)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	if flagDebug {
		cfg.Debug = true
	}
	if flagJSON {
		cfg.JSON = true
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "gatewayd — remote tunnel gateway core",
		Long: `gatewayd runs the long-lived process behind a remote development tunnel:
it downloads and supervises the editor server, bridges client connections
to it, reconciles forwarded ports, and maintains the authenticated relay
connection.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit JSON logs")
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "override the gateway data directory")
	root.PersistentFlags().StringVar(&flagConfFile, "config", "", "path to tunnel-config.yaml")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newPruneCmd(),
		newRenameCmd(),
		newUnregisterCmd(),
		newUserCmd(),
		newServiceCmd(),
		newVersionCmd(),
	)

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "show version information",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

// ------------------------------------------------------------------
// `gatewayd serve` — bring up the gateway, as leader or follower
// ------------------------------------------------------------------

func newServeCmd() *cobra.Command {
	var (
		flagName            string
		flagRandomName      bool
		flagParentProcessID int
		flagAcceptTerms     bool
		flagInstallExt      []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start or attach to the gateway",
		Long: `serve acquires the singleton lock for the data directory: the process
that wins becomes the leader and runs the gateway; every other invocation
attaches to the leader as a follower and mirrors its log/version output
until x is typed on stdin (r asks the leader to restart and keeps following).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFromFlags()
			if err != nil {
				return err
			}
			if flagName != "" {
				cfg.TunnelName = flagName
			}
			if flagRandomName {
				cfg.RandomName = true
			}
			logger := config.NewLogger(cfg)

			if !flagAcceptTerms {
				return xerrors.New(xerrors.InvalidInput, "--accept-server-license-terms is required")
			}
			_ = flagParentProcessID
			_ = flagInstallExt

			res, err := singleton.Acquire(lockFilePath(cfg))
			if err != nil {
				return err
			}
			if res.Server != nil {
				return runLeader(cfg, logger, res.Server)
			}
			return runFollower(res.Client.Conn)
		},
	}

	cmd.Flags().StringVar(&flagName, "name", "", "preferred tunnel name")
	cmd.Flags().BoolVar(&flagRandomName, "random-name", false, "accept any free generated name")
	cmd.Flags().IntVar(&flagParentProcessID, "parent-process-id", 0, "exit once this pid is gone")
	cmd.Flags().BoolVar(&flagAcceptTerms, "accept-server-license-terms", false, "accept the editor server's license terms")
	cmd.Flags().StringArrayVar(&flagInstallExt, "install-extension", nil, "extension id to preinstall (repeatable)")

	return cmd
}

func runLeader(cfg *config.Config, logger *slog.Logger, srv *singleton.Server) error {
	defer srv.Close()

	stack, err := newGatewayStack(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go stack.tunnel.Run(ctx)
	go stack.gw.AcceptLoop(ctx, srv.Listener(), func(c net.Conn) rpcfabric.Codec {
		return rpcfabric.NewLineJSONCodec(c, c)
	})

	select {
	case <-ctx.Done():
	case <-stack.gw.ShutdownRequested():
	}
	return nil
}

// runFollower attaches to the leader's pipe and renders its log and version
// notifications to stdout (a shutdown notice goes to stderr and ends the
// process) while forwarding raw stdin
// keystrokes as shutdown/restart requests, per spec.md §4.G.
func runFollower(conn net.Conn) error {
	defer conn.Close()

	onNotify := func(method string, params json.RawMessage) {
		switch method {
		case "log":
			var p struct {
				Line string `json:"line"`
			}
			_ = json.Unmarshal(params, &p)
			fmt.Println(p.Line)
		case "version":
			var p struct {
				Version string `json:"version"`
			}
			_ = json.Unmarshal(params, &p)
			fmt.Printf("gatewayd %s\n", p.Version)
		case "shutdown":
			fmt.Fprintln(os.Stderr, "gatewayd: leader is shutting down")
			os.Exit(0)
		}
	}

	d := rpcfabric.New(rpcfabric.NewLineJSONCodec(conn, conn), slog.Default(), onNotify)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	go func() { _, _ = d.Call(ctx, "log", struct{}{}) }()
	watchFollowerStdin(ctx, d)
	return nil
}

// watchFollowerStdin puts stdin into raw mode (when it is a terminal) and
// maps the x/r keystrokes spec.md §4.G defines to shutdown/restart
// notifications sent to the leader.
func watchFollowerStdin(ctx context.Context, d *rpcfabric.Dispatcher) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		<-ctx.Done()
		return
	}

	old, err := term.MakeRaw(fd)
	if err != nil {
		<-ctx.Done()
		return
	}
	defer term.Restore(fd, old)

	buf := make([]byte, 1)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			if err != io.EOF {
				return
			}
			return
		}
		if n == 0 {
			continue
		}
		switch buf[0] {
		case 'x':
			d.Notify("shutdown", struct{}{})
			return
		case 'r':
			d.Notify("restart", struct{}{})
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// ------------------------------------------------------------------
// One-shot commands querying an already-running leader
// ------------------------------------------------------------------

func callRunningGateway(cfg *config.Config, method string, params any) (json.RawMessage, error) {
	conn, err := singleton.DialExisting(lockFilePath(cfg))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	d := rpcfabric.New(rpcfabric.NewLineJSONCodec(conn, conn), slog.Default(), func(string, json.RawMessage) {})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	callCtx, cancelCall := context.WithTimeout(ctx, 10*time.Second)
	defer cancelCall()
	return d.Call(callCtx, method, params)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "show the running gateway's tunnel status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFromFlags()
			if err != nil {
				return err
			}
			raw, err := callRunningGateway(cfg, "status", struct{}{})
			if err != nil {
				return err
			}
			var out map[string]any
			if err := json.Unmarshal(raw, &out); err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "remove cached server installs that are not currently running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFromFlags()
			if err != nil {
				return err
			}
			raw, err := callRunningGateway(cfg, "prune", struct{}{})
			if err != nil {
				return err
			}
			var removed []string
			if err := json.Unmarshal(raw, &removed); err != nil {
				return err
			}
			for _, p := range removed {
				fmt.Println(p)
			}
			return nil
		},
	}
}

// ------------------------------------------------------------------
// Tunnel identity commands
// ------------------------------------------------------------------

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <name>",
		Short: "rename the registered tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFromFlags()
			if err != nil {
				return err
			}
			identity := tunnelsup.NewIdentityStore(identityFilePath(cfg))
			return identity.Rename(args[0])
		},
	}
}

func newUnregisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unregister",
		Short: "remove the registered tunnel identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFromFlags()
			if err != nil {
				return err
			}
			identity := tunnelsup.NewIdentityStore(identityFilePath(cfg))
			return identity.Delete()
		},
	}
}

// ------------------------------------------------------------------
// `gatewayd user {login,logout,show}`
// ------------------------------------------------------------------

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "manage the stored relay credential",
	}
	cmd.AddCommand(newUserLoginCmd(), newUserLogoutCmd(), newUserShowCmd())
	return cmd
}

func newUserLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "store a relay access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFromFlags()
			if err != nil {
				return err
			}
			fmt.Print("Access token: ")
			tokenBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Println()
			if err != nil {
				return xerrors.Wrap(xerrors.Transport, "read access token", err)
			}

			vault, err := credstore.NewFileVault(cfg.DataDir)
			if err != nil {
				return err
			}
			return vault.Save(model.StoredCredential{
				Provider:    credProvider,
				AccessToken: string(tokenBytes),
			})
		},
	}
}

func newUserLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "remove the stored relay access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFromFlags()
			if err != nil {
				return err
			}
			vault, err := credstore.NewFileVault(cfg.DataDir)
			if err != nil {
				return err
			}
			return vault.Delete(credProvider)
		},
	}
}

func newUserShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "show whether a relay credential is stored",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFromFlags()
			if err != nil {
				return err
			}
			vault, err := credstore.NewFileVault(cfg.DataDir)
			if err != nil {
				return err
			}
			cred, err := vault.Load(credProvider)
			if err != nil {
				if xerrors.KindOf(err) == xerrors.NotFound {
					fmt.Println("not logged in")
					return nil
				}
				return err
			}
			fmt.Printf("logged in (provider=%s)\n", cred.Provider)
			return nil
		},
	}
}

// ------------------------------------------------------------------
// `gatewayd service {install,uninstall,log,internal-run}`
// ------------------------------------------------------------------

func newServiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "manage gatewayd as a systemd user unit",
	}
	cmd.AddCommand(
		newServiceInstallCmd(),
		newServiceUninstallCmd(),
		newServiceLogCmd(),
		newServiceInternalRunCmd(),
	)
	return cmd
}

func newServiceInstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "install the systemd user unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return installServiceUnit()
		},
	}
}

func newServiceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "remove the systemd user unit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return uninstallServiceUnit()
		},
	}
}

func newServiceLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log",
		Short: "print the service's journal output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printServiceLog()
		},
	}
}

// newServiceInternalRunCmd is the command the systemd unit itself
// invokes — equivalent to `serve --accept-server-license-terms`; it does
// not check for the license-terms flag.
func newServiceInternalRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "internal-run",
		Short:  "entry point used by the installed systemd unit",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigFromFlags()
			if err != nil {
				return err
			}
			logger := config.NewLogger(cfg)

			res, err := singleton.Acquire(lockFilePath(cfg))
			if err != nil {
				return err
			}
			if res.Server != nil {
				return runLeader(cfg, logger, res.Server)
			}
			return runFollower(res.Client.Conn)
		},
	}
}
