package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type ProfileType string

const (
	DEV  ProfileType = "DEV"
	TEST ProfileType = "TEST"
	PROD ProfileType = "PROD"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendSqlite = "sqlite"
)

type Config struct {
	Name    string      `yaml:"name" json:"name" env:"APP_NAME" env-default:"zenflow"` // used for OTEL as an application identifier
	Profile ProfileType `yaml:"profile" json:"profile" env:"PROFILE" env-default:"DEV"`
	Log     Log         `yaml:"log" json:"log"`
	Server  Server      `yaml:"server" json:"server"` // configuration of the system endpoints
	Engine  Engine      `yaml:"engine" json:"engine"`
	Storage Storage     `yaml:"storage" json:"storage"`
	Tracing Tracing     `yaml:"tracing" json:"tracing"`
}

type Log struct {
	Level string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"INFO"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"SERVER_ADDR" env-default:":8080"`
}

type Engine struct {
	// NodeId is the snowflake node of this engine, derived from the environment when negative
	NodeId               int64  `yaml:"nodeId" json:"nodeId" env:"ENGINE_NODE_ID" env-default:"-1"`
	TickleQueueSize      int    `yaml:"tickleQueueSize" json:"tickleQueueSize" env:"ENGINE_TICKLE_QUEUE_SIZE" env-default:"128"`
	CancelAllConcurrency int    `yaml:"cancelAllConcurrency" json:"cancelAllConcurrency" env:"ENGINE_CANCEL_ALL_CONCURRENCY" env-default:"8"`
	Cache                Cache  `yaml:"cache" json:"cache"`
	ModelsDir            string `yaml:"modelsDir" json:"modelsDir" env:"ENGINE_MODELS_DIR"`
}

type Cache struct {
	Models        int `yaml:"models" json:"models" env:"ENGINE_CACHE_MODELS" env-default:"64"`
	Instances     int `yaml:"instances" json:"instances" env:"ENGINE_CACHE_INSTANCES" env-default:"1024"`
	NodeInstances int `yaml:"nodeInstances" json:"nodeInstances" env:"ENGINE_CACHE_NODE_INSTANCES" env-default:"4096"`
}

type Storage struct {
	Backend     string        `yaml:"backend" json:"backend" env:"STORAGE_BACKEND" env-default:"memory"`
	Path        string        `yaml:"path" json:"path" env:"STORAGE_PATH"`
	OpenTimeout time.Duration `yaml:"openTimeout" json:"openTimeout" env:"STORAGE_OPEN_TIMEOUT" env-default:"5s"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"OTEL_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Name     string `yaml:"-" json:"-"`
}

func (c Config) defaults() Config {
	c.Profile = ProfileType(strings.ToUpper(string(c.Profile)))
	c.Storage.Backend = strings.ToLower(c.Storage.Backend)
	if c.Storage.Path == "" {
		switch c.Storage.Backend {
		case BackendBolt:
			c.Storage.Path = "zenflow.db"
		case BackendSqlite:
			c.Storage.Path = "zenflow.sqlite"
		}
	}
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

// Validate rejects configurations the engine cannot be started with.
func (c Config) Validate() error {
	var errJoin error
	switch c.Profile {
	case DEV, TEST, PROD:
	default:
		errJoin = errors.Join(errJoin, fmt.Errorf("unknown profile %q", c.Profile))
	}
	switch c.Storage.Backend {
	case BackendMemory, BackendBolt, BackendSqlite:
	default:
		errJoin = errors.Join(errJoin, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if c.Engine.TickleQueueSize < 0 {
		errJoin = errors.Join(errJoin, fmt.Errorf("engine.tickleQueueSize must not be negative"))
	}
	if c.Engine.CancelAllConcurrency < 1 {
		errJoin = errors.Join(errJoin, fmt.Errorf("engine.cancelAllConcurrency must be at least 1"))
	}
	if c.Engine.Cache.Models < 0 || c.Engine.Cache.Instances < 0 || c.Engine.Cache.NodeInstances < 0 {
		errJoin = errors.Join(errJoin, fmt.Errorf("engine cache sizes must not be negative"))
	}
	if c.Engine.NodeId > 1023 {
		errJoin = errors.Join(errJoin, fmt.Errorf("engine.nodeId must be below 1024"))
	}
	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errJoin = errors.Join(errJoin, fmt.Errorf("tracing.endpoint is required when tracing is enabled"))
	}
	return errJoin
}

func InitConfig() Config {
	c, err := ReadConfig()
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}

// ReadConfig reads CONFIG_FILE, or conf.yaml in the working directory, falling back to the environment.
func ReadConfig() (Config, error) {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			return c, err
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		return c, err
	}
	return c.defaults(), nil
}
