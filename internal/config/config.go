// Package config loads daemon settings from a .env file, the environment
// and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr   string
	Origin string // upstream serving the web app

	Remote      string // memory | redis | postgres
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	PostgresDSN string
	RecordsPath string
	CasesPath   string

	SlotProvider  string // memory | bigcache | ristretto | redis
	Gens          string // local | redis
	SnapshotCodec string
	OfflineCodec  string

	Node        int64 // snowflake node
	SkipWaiting bool

	KafkaBrokers []string
	KafkaTopic   string
	ZMQEndpoint  string

	LogBackend       string // zap | zerolog | logrus | slog
	LogLevel         string
	LogFormat        string // json | console
	MetricsNamespace string
	ShutdownTimeout  time.Duration
}

func defaults() Config {
	return Config{
		Addr:             ":8080",
		Origin:           "http://localhost:3000/",
		Remote:           "memory",
		RedisAddr:        "localhost:6379",
		SlotProvider:     "bigcache",
		Gens:             "local",
		SnapshotCodec:    "json",
		OfflineCodec:     "msgpack",
		SkipWaiting:      true,
		LogBackend:       "zap",
		LogLevel:         "info",
		LogFormat:        "json",
		MetricsNamespace: "syncache",
		ShutdownTimeout:  30 * time.Second,
	}
}

// Load reads envFile (missing is fine), then the process environment, then
// args. Variables already set in the environment win over the file.
func Load(envFile string, args []string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: %s: %w", envFile, err)
		}
	}
	return parse(os.Getenv, args)
}

func parse(getenv func(string) string, args []string) (Config, error) {
	c := defaults()
	var errs []error
	str := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, set func(string) error) {
		if v := getenv(key); v != "" {
			if err := set(v); err != nil {
				errs = append(errs, fmt.Errorf("config: %s=%q: %w", key, v, err))
			}
		}
	}

	str(&c.Addr, "SYNCACHE_ADDR")
	str(&c.Origin, "SYNCACHE_ORIGIN")
	str(&c.Remote, "SYNCACHE_REMOTE")
	str(&c.RedisAddr, "SYNCACHE_REDIS_ADDR")
	str(&c.RedisPass, "SYNCACHE_REDIS_PASSWORD")
	str(&c.PostgresDSN, "SYNCACHE_POSTGRES_DSN")
	str(&c.RecordsPath, "SYNCACHE_RECORDS_PATH")
	str(&c.CasesPath, "SYNCACHE_CASES_PATH")
	str(&c.SlotProvider, "SYNCACHE_SLOT_PROVIDER")
	str(&c.Gens, "SYNCACHE_GENS")
	str(&c.SnapshotCodec, "SYNCACHE_SNAPSHOT_CODEC")
	str(&c.OfflineCodec, "SYNCACHE_OFFLINE_CODEC")
	str(&c.KafkaTopic, "SYNCACHE_KAFKA_TOPIC")
	str(&c.ZMQEndpoint, "SYNCACHE_ZMQ_ENDPOINT")
	str(&c.LogBackend, "SYNCACHE_LOG_BACKEND")
	str(&c.LogLevel, "SYNCACHE_LOG_LEVEL")
	str(&c.LogFormat, "SYNCACHE_LOG_FORMAT")
	str(&c.MetricsNamespace, "SYNCACHE_METRICS_NAMESPACE")
	if v := getenv("SYNCACHE_KAFKA_BROKERS"); v != "" {
		c.KafkaBrokers = splitList(v)
	}
	num("SYNCACHE_REDIS_DB", func(v string) (err error) { c.RedisDB, err = strconv.Atoi(v); return })
	num("SYNCACHE_NODE", func(v string) (err error) { c.Node, err = strconv.ParseInt(v, 10, 64); return })
	num("SYNCACHE_SKIP_WAITING", func(v string) (err error) { c.SkipWaiting, err = strconv.ParseBool(v); return })
	num("SYNCACHE_SHUTDOWN_TIMEOUT", func(v string) (err error) { c.ShutdownTimeout, err = time.ParseDuration(v); return })
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	fset := flag.NewFlagSet("syncached", flag.ContinueOnError)
	fset.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address")
	fset.StringVar(&c.Origin, "origin", c.Origin, "upstream origin of the web app")
	fset.StringVar(&c.Remote, "remote", c.Remote, "remote store: memory, redis or postgres")
	fset.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis address")
	fset.IntVar(&c.RedisDB, "redis-db", c.RedisDB, "redis database")
	fset.StringVar(&c.PostgresDSN, "postgres-dsn", c.PostgresDSN, "postgres connection string")
	fset.StringVar(&c.RecordsPath, "records-path", c.RecordsPath, "remote path of the records")
	fset.StringVar(&c.CasesPath, "cases-path", c.CasesPath, "remote path of the cases")
	fset.StringVar(&c.SlotProvider, "slot-provider", c.SlotProvider, "slot provider: memory, bigcache, ristretto or redis")
	fset.StringVar(&c.Gens, "gens", c.Gens, "generation store: local or redis")
	fset.StringVar(&c.SnapshotCodec, "snapshot-codec", c.SnapshotCodec, "snapshot codec: json, cbor or msgpack")
	fset.StringVar(&c.OfflineCodec, "offline-codec", c.OfflineCodec, "offline entry codec: json, cbor, msgpack or proto")
	fset.Int64Var(&c.Node, "node", c.Node, "snowflake node id")
	fset.BoolVar(&c.SkipWaiting, "skip-waiting", c.SkipWaiting, "activate new offline workers immediately")
	brokers := fset.String("kafka-brokers", strings.Join(c.KafkaBrokers, ","), "comma separated kafka brokers; empty disables kafka")
	fset.StringVar(&c.KafkaTopic, "kafka-topic", c.KafkaTopic, "kafka topic")
	fset.StringVar(&c.ZMQEndpoint, "zmq-endpoint", c.ZMQEndpoint, "zeromq PUB endpoint; empty disables zeromq")
	fset.StringVar(&c.LogBackend, "log-backend", c.LogBackend, "zap, zerolog, logrus or slog")
	fset.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fset.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json or console")
	fset.StringVar(&c.MetricsNamespace, "metrics-namespace", c.MetricsNamespace, "prometheus namespace")
	fset.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "graceful shutdown timeout")
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}
	c.KafkaBrokers = splitList(*brokers)
	return c, c.validate()
}

func (c Config) validate() error {
	var errs []error
	oneOf := func(name, v string, allowed ...string) {
		for _, a := range allowed {
			if v == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("config: %s %q not one of %v", name, v, allowed))
	}
	oneOf("remote", c.Remote, "memory", "redis", "postgres")
	oneOf("slot provider", c.SlotProvider, "memory", "bigcache", "ristretto", "redis")
	oneOf("gens", c.Gens, "local", "redis")
	oneOf("log format", c.LogFormat, "json", "console")
	oneOf("log backend", c.LogBackend, "zap", "zerolog", "logrus", "slog")
	oneOf("log level", c.LogLevel, "debug", "info", "warn", "error")
	// proto carries numbers as doubles; snowflake IDs need all 64 bits
	oneOf("snapshot codec", c.SnapshotCodec, "json", "cbor", "msgpack")
	oneOf("offline codec", c.OfflineCodec, "json", "cbor", "msgpack", "proto")
	if c.Remote == "postgres" && c.PostgresDSN == "" {
		errs = append(errs, errors.New("config: postgres remote needs a DSN"))
	}
	if c.Node < 0 || c.Node > 1023 {
		errs = append(errs, fmt.Errorf("config: node %d out of range 0..1023", c.Node))
	}
	return errors.Join(errs...)
}

// NeedsRedis reports whether any component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.Remote == "redis" || c.SlotProvider == "redis" || c.Gens == "redis"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
