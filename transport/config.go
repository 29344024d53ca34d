package transport

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvConfig holds the environment settings for one transport
type EnvConfig struct {
	Broker       string `env:"BROKER"`
	Login        string `env:"LOGIN"`
	Password     string `env:"PASSWORD"`
	Messaging    string `env:"MESSAGING"     envDefault:"InMemory"`
	JailStrategy string `env:"JAIL_STRATEGY" envDefault:"None"`
}

// LoadFromEnv reads one transport per id from variables named
// <prefix><ID>_BROKER, <prefix><ID>_LOGIN and so on.
func LoadFromEnv(prefix string, ids ...string) (map[string]*TransportInfo, error) {
	transports := make(map[string]*TransportInfo, len(ids))
	for _, id := range ids {
		var cfg EnvConfig
		opts := env.Options{Prefix: prefix + envKey(id) + "_"}
		if err := env.ParseWithOptions(&cfg, opts); err != nil {
			return nil, fmt.Errorf("parse env for transport %s: %w", id, err)
		}

		info, err := NewTransportInfo(cfg.Broker, cfg.Login, cfg.Password,
			WithMessaging(cfg.Messaging),
			WithJailStrategy(cfg.JailStrategy))
		if err != nil {
			return nil, fmt.Errorf("transport %s: %w", id, err)
		}
		transports[id] = info
	}
	return transports, nil
}

func envKey(id string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(id))
}
