package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"replicamgr/internal/config"
	"replicamgr/internal/manager"
	"replicamgr/internal/supervisor"
)

// options holds what the command line adds on top of config.Config.
type options struct {
	cfg          config.Config
	replicasFile string
	peersFile    string
	logFile      string
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Fatalf("invalid arguments: %v", err)
	}

	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			log.Fatalf("failed to open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}
	logger := log.Default()

	cfg := opts.cfg
	if err := loadSpecFiles(&cfg, opts.replicasFile, opts.peersFile); err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	reg, err := cfg.BuildRegistry()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if len(reg.Codes()) == 0 {
		log.Printf("[%s] No replicas configured", cfg.ID)
	}

	launcher := &supervisor.ExecLauncher{
		Command: cfg.LaunchCommand(),
		Logger:  logger,
	}
	m, err := manager.New(cfg, reg, launcher, logger)
	if err != nil {
		log.Fatalf("failed to create replica manager: %v", err)
	}
	if err := m.Start(); err != nil {
		log.Fatalf("failed to start replica manager: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	if err := m.Stop(); err != nil {
		log.Printf("[%s] Errors while stopping replicas: %v", cfg.ID, err)
	}
	log.Printf("[%s] replica manager stopped", cfg.ID)
}

// parseFlags binds every setting to a flag whose default comes from an RM_*
// environment variable, falling back to config.Default().
func parseFlags(args []string) (*options, error) {
	def := config.Default()
	opts := &options{}

	fs := flag.NewFlagSet("replicamgr", flag.ContinueOnError)
	fs.StringVar(&opts.cfg.ID, "id", getenv("RM_ID", def.ID), "replica manager id used in logs")
	fs.StringVar(&opts.cfg.ListenAddr, "listen", getenv("RM_LISTEN", def.ListenAddr), "UDP listen address")
	fs.StringVar(&opts.cfg.AdminAddr, "admin", getenv("RM_ADMIN", def.AdminAddr), "gRPC health/reflection address (empty disables)")
	fs.StringVar(&opts.cfg.ReplicaSpec, "replicas", getenv("RM_REPLICAS", ""), "replicas: name,code,port,path;...")
	fs.StringVar(&opts.cfg.PeerSpec, "peers", getenv("RM_PEERS", ""), "peer replica managers: address,port;...")
	fs.StringVar(&opts.replicasFile, "replicas-file", getenv("RM_REPLICAS_FILE", ""), "file whose first line is the replica list")
	fs.StringVar(&opts.peersFile, "peers-file", getenv("RM_PEERS_FILE", ""), "file whose first line is the peer list")
	fs.StringVar(&opts.cfg.ReplicaCommand, "replica-cmd", getenv("RM_REPLICA_CMD", def.ReplicaCommand), "command prefix used to launch a replica path")
	fs.StringVar(&opts.cfg.ReplicaHost, "replica-host", getenv("RM_REPLICA_HOST", def.ReplicaHost), "host the local replicas listen on")
	fs.IntVar(&opts.cfg.Workers, "workers", getenvInt("RM_WORKERS", def.Workers), "request worker count")
	fs.IntVar(&opts.cfg.QueueSize, "queue", getenvInt("RM_QUEUE", def.QueueSize), "request queue size")
	fs.IntVar(&opts.cfg.QuorumSize, "quorum", getenvInt("RM_QUORUM", def.QuorumSize), "peer responses to wait for on import")
	fs.DurationVar(&opts.cfg.QuorumTimeout, "quorum-timeout", getenvDuration("RM_QUORUM_TIMEOUT", def.QuorumTimeout), "import round deadline")
	fs.BoolVar(&opts.cfg.QuorumCapAtPeers, "quorum-cap-peers", getenvBool("RM_QUORUM_CAP_PEERS", false), "end an import round once every peer answered")
	fs.DurationVar(&opts.cfg.ReplicaTimeout, "replica-timeout", getenvDuration("RM_REPLICA_TIMEOUT", def.ReplicaTimeout), "local replica reply deadline (0 waits forever)")
	fs.IntVar(&opts.cfg.MaxDatagram, "max-datagram", getenvInt("RM_MAX_DATAGRAM", def.MaxDatagram), "receive buffer size")
	fs.StringVar(&opts.logFile, "log-file", getenv("RM_LOG_FILE", "replica-manager.log"), "append logs to this file (empty disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if err := opts.cfg.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// loadSpecFiles replaces the inline lists with the first line of the given files.
func loadSpecFiles(cfg *config.Config, replicasFile, peersFile string) error {
	if replicasFile != "" {
		spec, err := config.LoadSpecFile(replicasFile)
		if err != nil {
			return err
		}
		cfg.ReplicaSpec = spec
	}
	if peersFile != "" {
		spec, err := config.LoadSpecFile(peersFile)
		if err != nil {
			return err
		}
		cfg.PeerSpec = spec
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("ignoring %s=%q: not an integer", k, v)
	}
	return def
}

func getenvBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		log.Printf("ignoring %s=%q: not a boolean", k, v)
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Printf("ignoring %s=%q: not a duration", k, v)
	}
	return def
}
