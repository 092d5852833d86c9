package main

import (
	"log"
	"os"
	"time"

	"github.com/hamba/cmd"
	_ "github.com/joho/godotenv/autoload"
	"gopkg.in/urfave/cli.v2"
)

const (
	flagName              = "name"
	flagHTTPAddr          = "http-addr"
	flagAPIURL            = "api-url"
	flagStore             = "store"
	flagDBDSN             = "db-dsn"
	flagElection          = "election"
	flagElectionPort      = "election-port"
	flagPodListURL        = "pod-list-url"
	flagSecret            = "secret"
	flagExecTTL           = "exec-ttl"
	flagMaxAttempts       = "max-attempts"
	flagAssignInterval    = "assign-interval"
	flagHeartbeatInterval = "heartbeat-interval"
	flagLoginTimeout      = "login-timeout"
	flagLivenessWindow    = "liveness-window"
	flagDataDir           = "data-dir"
	flagSerfAddr          = "serf-addr"
	flagRaftAddr          = "raft-addr"
	flagEncryptKey        = "encrypt"
	flagBootstrap         = "bootstrap"
	flagBootstrapExpect   = "bootstrap-expect"
	flagJoin              = "join"
	flagClient            = "client"
	flagLength            = "length"
)

const (
	storeMemory   = "memory"
	storePostgres = "postgres"

	electionSidecar = "sidecar"
	electionRaft    = "raft"
)

var version = "¯\\_(ツ)_/¯"

var secretFlag = &cli.StringFlag{
	Name:    flagSecret,
	Usage:   "The shared secret used to sign agent and execution tokens.",
	EnvVars: []string{"JOBCLUSTER_SECRET"},
}

var commands = []*cli.Command{
	{
		Name:  "node",
		Usage: "Run a job cluster node",
		Flags: cmd.Flags{
			&cli.StringFlag{
				Name:    flagName,
				Usage:   "The node name. Defaults to the hostname.",
				EnvVars: []string{"JOBCLUSTER_NAME"},
			},
			&cli.StringFlag{
				Name:    flagHTTPAddr,
				Usage:   "The address the api listens on.",
				Value:   ":8080",
				EnvVars: []string{"JOBCLUSTER_HTTP_ADDR"},
			},
			&cli.StringFlag{
				Name:    flagAPIURL,
				Usage:   "The api url handed to executing agents.",
				EnvVars: []string{"JOBCLUSTER_API_URL"},
			},
			&cli.StringFlag{
				Name:    flagStore,
				Usage:   "The job store to use: memory or postgres.",
				Value:   storeMemory,
				EnvVars: []string{"JOBCLUSTER_STORE"},
			},
			&cli.StringFlag{
				Name:    flagDBDSN,
				Usage:   "The postgres connection string.",
				EnvVars: []string{"JOBCLUSTER_DB_DSN"},
			},
			&cli.StringFlag{
				Name:    flagElection,
				Usage:   "The leader election to use: sidecar or raft.",
				Value:   electionSidecar,
				EnvVars: []string{"JOBCLUSTER_ELECTION"},
			},
			&cli.IntFlag{
				Name:    flagElectionPort,
				Usage:   "The local port of the election sidecar.",
				Value:   4040,
				EnvVars: []string{"JOBCLUSTER_ELECTION_PORT"},
			},
			&cli.StringFlag{
				Name:    flagPodListURL,
				Usage:   "The pod list url used to resolve the leader address.",
				EnvVars: []string{"JOBCLUSTER_POD_LIST_URL"},
			},
			secretFlag,
			&cli.DurationFlag{
				Name:    flagExecTTL,
				Usage:   "The lifetime of execution tokens. Zero mints tokens that do not expire.",
				Value:   24 * time.Hour,
				EnvVars: []string{"JOBCLUSTER_EXEC_TTL"},
			},
			&cli.IntFlag{
				Name:    flagMaxAttempts,
				Usage:   "The attempts of a job before it fails on disconnect.",
				Value:   3,
				EnvVars: []string{"JOBCLUSTER_MAX_ATTEMPTS"},
			},
			&cli.DurationFlag{
				Name:    flagAssignInterval,
				Usage:   "The interval between job assignment ticks.",
				Value:   time.Second,
				EnvVars: []string{"JOBCLUSTER_ASSIGN_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    flagHeartbeatInterval,
				Usage:   "The interval between agent heartbeats.",
				Value:   30 * time.Second,
				EnvVars: []string{"JOBCLUSTER_HEARTBEAT_INTERVAL"},
			},
			&cli.DurationFlag{
				Name:    flagLoginTimeout,
				Usage:   "The time a connection has to log in.",
				Value:   5 * time.Second,
				EnvVars: []string{"JOBCLUSTER_LOGIN_TIMEOUT"},
			},
			&cli.DurationFlag{
				Name:    flagLivenessWindow,
				Usage:   "The time since an agent was last seen for it to count as live.",
				Value:   60 * time.Second,
				EnvVars: []string{"JOBCLUSTER_LIVENESS_WINDOW"},
			},
			&cli.StringFlag{
				Name:    flagDataDir,
				Usage:   "The path under which to store raft state.",
				Value:   "/tmp/jobcluster",
				EnvVars: []string{"JOBCLUSTER_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    flagSerfAddr,
				Usage:   "The address for Serf to bind on.",
				Value:   "0.0.0.0:8301",
				EnvVars: []string{"JOBCLUSTER_SERF_ADDR"},
			},
			&cli.StringFlag{
				Name:    flagRaftAddr,
				Usage:   "The address for Raft to bind and advertise on.",
				Value:   "127.0.0.1:8300",
				EnvVars: []string{"JOBCLUSTER_RAFT_ADDR"},
			},
			&cli.StringFlag{
				Name:    flagEncryptKey,
				Usage:   "The encryption key to secure Serf.",
				EnvVars: []string{"JOBCLUSTER_ENCRYPTION_KEY"},
			},
			&cli.BoolFlag{
				Name:    flagBootstrap,
				Usage:   "Initial cluster bootstrapping.",
				EnvVars: []string{"JOBCLUSTER_BOOTSTRAP"},
			},
			&cli.IntFlag{
				Name:    flagBootstrapExpect,
				Usage:   "The number of expected nodes in the cluster.",
				EnvVars: []string{"JOBCLUSTER_EXPECT"},
			},
			&cli.StringSliceFlag{
				Name:    flagJoin,
				Usage:   "The serf addresses of nodes to join at start time.",
				EnvVars: []string{"JOBCLUSTER_JOIN"},
			},
		}.Merge(cmd.CommonFlags),
		Action: runNode,
	},
	{
		Name:   "keygen",
		Usage:  "Generate a random base64 key for the token secret or serf encryption",
		Action: runKeyGen,
		Flags: cmd.Flags{
			&cli.IntFlag{
				Name:  flagLength,
				Usage: "The key length in bytes.",
				Value: 32,
			},
		},
	},
	{
		Name:   "token",
		Usage:  "Mint an agent credential for a client",
		Action: runToken,
		Flags: cmd.Flags{
			secretFlag,
			&cli.StringFlag{
				Name:  flagClient,
				Usage: "The client the agent belongs to.",
			},
		},
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "jobcluster",
		Version:  version,
		Commands: commands,
	}
}

func main() {
	app := newApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
