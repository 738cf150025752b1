package eventlog

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"rerouteline/internal/config"
	"rerouteline/internal/db"
	"rerouteline/internal/migrate"
)

// Open builds the backend selected by cfg.EventLog. nodes names the warehouses
// hosted by this process and seeds the MQTT client id.
func Open(cfg *config.Config, workspace string, nodes []string, logger zerolog.Logger) (Log, error) {
	lc := cfg.EventLog
	logger = logger.With().Str("component", "eventlog").Str("driver", lc.Driver).Logger()
	switch lc.Driver {
	case "memory":
		return NewMemory(), nil
	case "sql":
		conn, err := db.Open(db.Config{Driver: lc.SQL.Driver, Workspace: workspace, Name: "eventlog", DSN: lc.SQL.DSN})
		if err != nil {
			return nil, err
		}
		if err := migrate.Migrate(conn); err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate event log: %w", err)
		}
		return &SQL{DB: conn, Interval: lc.PollInterval, Logger: logger}, nil
	case "redis":
		return NewRedis(lc.Redis.Addr, lc.Redis.Password, lc.Redis.DB, lc.Redis.Prefix, logger), nil
	case "kafka":
		return NewKafka(lc.Kafka.Brokers, lc.Kafka.Topic, lc.Kafka.GroupPrefix, logger), nil
	case "mqtt":
		clientID := lc.MQTT.ClientPrefix + "-" + strings.Join(nodes, "-")
		return NewMQTT(lc.MQTT.Broker, clientID, lc.MQTT.TopicPrefix, logger)
	default:
		return nil, fmt.Errorf("unsupported event log driver: %s", lc.Driver)
	}
}
