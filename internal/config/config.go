package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"transferpool/internal/client"
	"transferpool/internal/pool"
	"transferpool/internal/strategy"
)

const envPrefix = "XFER"

var ErrInvalidConfig = errors.New("invalid config")

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Log struct {
		Level string
	}
	Pool struct {
		Size         int
		TransferPool bool
	}
	Connection struct {
		Protocol           string
		Host               string
		Port               int
		User               string
		Password           string
		TimeoutSeconds     int
		InsecureSkipVerify bool
		ImplicitTLS        bool
		TryKeyboard        bool
		KnownHosts         string
		Bucket             string
		Region             string
		Endpoint           string
		Profile            string
		// AutoConnect connects the pool at startup when a protocol is set.
		AutoConnect bool
	}
	Transfer struct {
		DataRoot string
	}
	History struct {
		RetentionHours int
	}
	Auth struct {
		Username        string
		PasswordHash    string
		JWTSecret       string
		TokenTTLMinutes int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv(".env")

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/transfers.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("pool.size", 1)
	v.SetDefault("pool.transferpool", false)

	v.SetDefault("connection.protocol", "")
	v.SetDefault("connection.host", "")
	v.SetDefault("connection.port", 0)
	v.SetDefault("connection.user", "")
	v.SetDefault("connection.password", "")
	v.SetDefault("connection.timeoutseconds", 30)
	v.SetDefault("connection.insecureskipverify", false)
	v.SetDefault("connection.implicittls", false)
	v.SetDefault("connection.trykeyboard", false)
	v.SetDefault("connection.knownhosts", "")
	v.SetDefault("connection.bucket", "")
	v.SetDefault("connection.region", "")
	v.SetDefault("connection.endpoint", "")
	v.SetDefault("connection.profile", "")
	v.SetDefault("connection.autoconnect", false)

	v.SetDefault("transfer.dataroot", "data/transfers")
	v.SetDefault("history.retentionhours", 24*30)

	v.SetDefault("auth.username", "admin")
	v.SetDefault("auth.passwordhash", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.tokenttlminutes", 60)
}

func (c Config) Validate() error {
	if c.Pool.Size < 1 {
		return fmt.Errorf("%w: pool.size must be at least 1, got %d", ErrInvalidConfig, c.Pool.Size)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %v", ErrInvalidConfig, err)
	}
	if c.Connection.Port < 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("%w: connection.port %d out of range", ErrInvalidConfig, c.Connection.Port)
	}
	if strings.TrimSpace(c.Transfer.DataRoot) == "" {
		return fmt.Errorf("%w: transfer.dataroot is required", ErrInvalidConfig)
	}
	return nil
}

func (c Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

func (c Config) HistoryRetention() time.Duration {
	return time.Duration(c.History.RetentionHours) * time.Hour
}

// ClientConfig is the connection described by the connection.* and pool.*
// keys, or nil when no protocol is configured.
func (c Config) ClientConfig() *client.Config {
	conn := c.Connection
	if strings.TrimSpace(conn.Protocol) == "" {
		return nil
	}
	return &client.Config{
		Connection: strategy.Config{
			Protocol:           strings.ToLower(strings.TrimSpace(conn.Protocol)),
			Host:               conn.Host,
			Port:               conn.Port,
			User:               conn.User,
			Password:           conn.Password,
			Timeout:            time.Duration(conn.TimeoutSeconds) * time.Second,
			InsecureSkipVerify: conn.InsecureSkipVerify,
			ImplicitTLS:        conn.ImplicitTLS,
			TryKeyboard:        conn.TryKeyboard,
			KnownHosts:         conn.KnownHosts,
			Bucket:             conn.Bucket,
			Region:             conn.Region,
			Endpoint:           conn.Endpoint,
			Profile:            conn.Profile,
		},
		Pool: pool.Config{Size: c.Pool.Size, TransferPool: c.Pool.TransferPool},
	}
}

// loadDotEnv copies KEY=VALUE lines into the environment without
// overriding variables that are already set.
func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
