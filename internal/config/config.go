package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"yqhp/mcpi/pkg/logger"
)

// Transport names.
const (
	TransportWS    = "ws"
	TransportLocal = "local"
)

// Seed modes.
const (
	SeedTime  = "time"
	SeedFixed = "fixed"
)

// Config represents the complete configuration of one mcpi member.
type Config struct {
	Group   GroupConfig   `yaml:"group"`
	Run     RunConfig     `yaml:"run"`
	Logging logger.Config `yaml:"logging"`
}

// GroupConfig describes the group this member belongs to.
type GroupConfig struct {
	Transport       string        `yaml:"transport" env:"MCPI_TRANSPORT"`
	HubAddress      string        `yaml:"hub_address" env:"MCPI_HUB"`
	ListenAddress   string        `yaml:"listen_address" env:"MCPI_LISTEN"`
	HubRank         int           `yaml:"hub_rank" env:"MCPI_HUB_RANK"`
	Rank            int           `yaml:"rank" env:"MCPI_RANK"`
	Size            int           `yaml:"size" env:"MCPI_SIZE"`
	Session         string        `yaml:"session" env:"MCPI_SESSION"`
	Name            string        `yaml:"name" env:"MCPI_GROUP_NAME"`
	ManagerRank     int           `yaml:"manager_rank" env:"MCPI_MANAGER_RANK"`
	SyncStarts      bool          `yaml:"sync_starts" env:"MCPI_SYNC_STARTS"`
	SyncEnds        bool          `yaml:"sync_ends" env:"MCPI_SYNC_ENDS"`
	JoinTimeout     time.Duration `yaml:"join_timeout" env:"MCPI_JOIN_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"MCPI_SHUTDOWN_TIMEOUT"`
	RunTimeout      time.Duration `yaml:"run_timeout" env:"MCPI_RUN_TIMEOUT"`
}

// RunConfig holds application defaults.
type RunConfig struct {
	Throws   uint64 `yaml:"throws" env:"MCPI_THROWS"`
	Seed     string `yaml:"seed" env:"MCPI_SEED"`
	SeedBase uint64 `yaml:"seed_base" env:"MCPI_SEED_BASE"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		Group: GroupConfig{
			Transport:       TransportWS,
			HubAddress:      "127.0.0.1:7400",
			HubRank:         0,
			Rank:            0,
			Size:            1,
			Name:            "WORLD",
			ManagerRank:     0,
			SyncStarts:      true,
			SyncEnds:        false,
			JoinTimeout:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Run: RunConfig{
			Throws: 5_000_000,
			Seed:   SeedTime,
		},
		Logging: *logger.DefaultConfig(),
	}
}

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	cmdArgs    map[string]string
	lookupEnv  func(string) (string, bool)
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		cmdArgs:   make(map[string]string),
		lookupEnv: os.LookupEnv,
	}
}

// WithConfigPath sets the path to the YAML configuration file.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithCmdArgs sets dot-path overrides such as "group.rank" -> "2".
func (l *Loader) WithCmdArgs(args map[string]string) *Loader {
	l.cmdArgs = args
	return l
}

// WithEnv replaces the environment lookup.
func (l *Loader) WithEnv(lookup func(string) (string, bool)) *Loader {
	l.lookupEnv = lookup
	return l
}

// Load loads configuration from all sources with proper precedence:
// defaults < YAML file < environment variables < command-line flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("从文件加载配置失败: %w", err)
		}
	}

	if err := l.applyEnvToStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("应用环境变量覆盖失败: %w", err)
	}

	for key, value := range l.cmdArgs {
		if err := SetValue(cfg, key, value); err != nil {
			return nil, fmt.Errorf("设置配置值 %s 失败: %w", key, err)
		}
	}

	return cfg, nil
}

// loadFromFile loads configuration from a YAML file. A missing file keeps the defaults.
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("读取配置文件失败: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("解析配置文件失败: %w", err)
	}
	return nil
}

// applyEnvToStruct recursively applies environment variables to struct fields.
func (l *Loader) applyEnvToStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := l.applyEnvToStruct(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}
		envValue, ok := l.lookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("从环境变量 %s 设置字段 %s 失败: %w", envTag, fieldType.Name, err)
		}
	}
	return nil
}

// SetValue sets a configuration value by its dot-separated yaml path, e.g. "group.sync_ends".
func SetValue(cfg *Config, path, value string) error {
	parts := strings.Split(path, ".")
	v := reflect.ValueOf(cfg).Elem()

	for i, part := range parts {
		field, ok := fieldByYAMLName(v, part)
		if !ok {
			return fmt.Errorf("未知的配置路径: %s", path)
		}

		if i == len(parts)-1 {
			return setFieldValue(field, value)
		}

		if field.Kind() != reflect.Struct {
			return fmt.Errorf("期望 %s 是结构体，实际是 %s", part, field.Kind())
		}
		v = field
	}
	return nil
}

func fieldByYAMLName(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if tag == name || strings.EqualFold(t.Field(i).Name, name) {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from a string value.
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return fmt.Errorf("无法设置字段")
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("无效的时间格式: %w", err)
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("无效的整数: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return fmt.Errorf("无效的无符号整数: %w", err)
		}
		field.SetUint(u)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("无效的布尔值: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("不支持的字段类型: %s", field.Kind())
	}
	return nil
}

// Serialize serializes the configuration to YAML bytes.
func (c *Config) Serialize() ([]byte, error) {
	return yaml.Marshal(c)
}

// ParseConfig parses a YAML configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	return cfg, nil
}

// IsHubHost reports whether this member hosts the WebSocket hub.
func (c *GroupConfig) IsHubHost() bool {
	return c.Rank == c.HubRank
}
