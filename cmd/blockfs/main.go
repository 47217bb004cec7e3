// blockfs runs one node of a distributed block filesystem.
//
//	blockfs serve --node 0 --nodes 3
//	blockfs mount --node 1 --nodes 3 /mnt/blockfs
//
// serve runs the node's block store and block server until interrupted.
// mount does the same and additionally mounts the shared namespace through
// FUSE.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/blockfs/blockfs/internal/config"
	"github.com/blockfs/blockfs/pkg/utils"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line settings layered over the configuration.
type options struct {
	command    string
	mountPoint string
	configFile string
	waitPeers  bool

	flags *pflag.FlagSet

	node        uint64
	nodes       uint64
	basePort    int
	host        string
	backend     string
	storeDir    string
	logLevel    string
	metricsPort int
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	if len(args) == 0 {
		printUsage(stderr, nil)
		return nil, fmt.Errorf("missing command")
	}

	opts := &options{command: args[0]}
	switch opts.command {
	case "serve", "mount":
	case "help", "-h", "--help":
		printUsage(stderr, nil)
		return nil, pflag.ErrHelp
	default:
		printUsage(stderr, nil)
		return nil, fmt.Errorf("unknown command %q", opts.command)
	}

	flagSet := pflag.NewFlagSet("blockfs "+opts.command, pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	flagSet.Uint64Var(&opts.node, "node", 0, "this node's id")
	flagSet.Uint64Var(&opts.nodes, "nodes", 1, "number of nodes in the deployment")
	flagSet.IntVar(&opts.basePort, "base-port", 7000, "node N listens on base-port+N")
	flagSet.StringVar(&opts.host, "host", "127.0.0.1", "host every node listens on")
	flagSet.StringVar(&opts.backend, "store", config.BackendMemory, "backing store: memory, directory or s3")
	flagSet.StringVar(&opts.storeDir, "store-dir", "", "root directory of the directory store")
	flagSet.StringVar(&opts.logLevel, "log-level", "INFO", "DEBUG, INFO, WARN or ERROR")
	flagSet.IntVar(&opts.metricsPort, "metrics-port", 0, "serve prometheus metrics on this port (0 disables)")
	flagSet.BoolVar(&opts.waitPeers, "wait-peers", false, "wait until every peer accepts connections before serving")
	flagSet.Usage = func() { printUsage(stderr, flagSet) }

	if err := flagSet.Parse(args[1:]); err != nil {
		return nil, err
	}

	rest := flagSet.Args()
	switch {
	case opts.command == "mount" && len(rest) != 1:
		return nil, fmt.Errorf("mount needs exactly one mount point")
	case opts.command == "serve" && len(rest) != 0:
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.command == "mount" {
		opts.mountPoint = rest[0]
	}

	opts.flags = flagSet
	return opts, nil
}

// load builds the configuration: defaults, then the file, then the
// environment, then flags that were set explicitly.
func (o *options) load() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if o.configFile != "" {
		if err := cfg.LoadFromFile(o.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	o.apply(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (o *options) apply(cfg *config.Configuration) {
	changed := func(name string) bool {
		return o.flags != nil && o.flags.Changed(name)
	}

	if changed("node") {
		cfg.Node.ID = o.node
	}
	if changed("nodes") {
		cfg.Node.Nodes = o.nodes
	}
	if changed("base-port") {
		cfg.Node.BasePort = o.basePort
	}
	if changed("host") {
		cfg.Node.Host = o.host
	}
	if changed("store") {
		cfg.Storage.Backend = o.backend
	}
	if changed("store-dir") {
		cfg.Storage.Directory.Path = o.storeDir
		if !changed("store") {
			cfg.Storage.Backend = config.BackendDirectory
		}
	}
	if changed("log-level") {
		cfg.Global.LogLevel = strings.ToUpper(o.logLevel)
	}
	if changed("metrics-port") {
		cfg.Metrics.Port = o.metricsPort
		cfg.Metrics.Enabled = o.metricsPort > 0
	}
}

func run(args []string) error {
	opts, err := parseArgs(args, os.Stderr)
	if err == pflag.ErrHelp {
		return nil
	}
	if err != nil {
		return err
	}

	cfg, err := opts.load()
	if err != nil {
		return err
	}

	logger, logCloser, err := utils.NewLogger(utils.LoggerOptions{
		Level:  cfg.Global.LogLevel,
		Format: cfg.Global.LogFormat,
		File:   cfg.Global.LogFile,
	})
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer n.shutdown()

	if opts.waitPeers {
		if err := waitForPeers(ctx, cfg, logger); err != nil {
			return err
		}
	}

	if opts.command == "mount" {
		return n.mount(ctx, opts.mountPoint, cfg.Mount)
	}

	logger.Info("Node serving", "node", cfg.Node.ID, "nodes", cfg.Node.Nodes, "listen", n.server.Addr())
	<-ctx.Done()
	logger.Info("Shutting down", "node", cfg.Node.ID)
	return nil
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprint(w, `blockfs runs one node of a distributed block filesystem.

Usage:
  blockfs serve [flags]
  blockfs mount [flags] <mount-point>

`)
	if flagSet != nil {
		fmt.Fprintln(w, "Flags:")
		fmt.Fprint(w, flagSet.FlagUsages())
	}
}
