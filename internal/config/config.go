package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"./data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	GroupsPath   string `envconfig:"GROUPS_PATH" default:""`

	// Command bridge (loopback IPC for the automation agent)
	BridgeHost string `envconfig:"IPC_HOST" default:"127.0.0.1"`
	BridgePort int    `envconfig:"IPC_PORT" default:"54112"`

	// Transport settings
	ConnectTimeout     string `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	KeepaliveInterval  string `envconfig:"KEEPALIVE_INTERVAL" default:"5s"`
	KeepaliveThreshold int    `envconfig:"KEEPALIVE_THRESHOLD" default:"3"`

	// Reconnect settings
	ReconnectEnabled  bool   `envconfig:"RECONNECT_ENABLED" default:"true"`
	ReconnectAttempts int    `envconfig:"RECONNECT_ATTEMPTS" default:"60"`
	ReconnectInterval string `envconfig:"RECONNECT_INTERVAL" default:"1s"`

	// Session settings
	PostConnectDelay string `envconfig:"POST_CONNECT_DELAY" default:"200ms"`

	// Bridge request settings
	ApprovalTimeout string `envconfig:"APPROVAL_TIMEOUT" default:"5m"`
	ExecTimeout     string `envconfig:"EXEC_TIMEOUT" default:"5m"`

	// History retention for the pruning job
	HistoryRetentionDays int `envconfig:"HISTORY_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("ASH", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = Cfg.DataPath + "/ash.db"
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = Cfg.DataPath + "/ash.log"
	}
	if Cfg.GroupsPath == "" {
		Cfg.GroupsPath = Cfg.DataPath + "/groups.yaml"
	}
}

// Duration parses the named duration setting, falling back to def when the
// configured value does not parse.
func Duration(value string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
