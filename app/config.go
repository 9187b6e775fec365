package discuss

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/discuss/core"
	"github.com/spf13/viper"
)

// Config keys shared with the command line flags.
const (
	RelayURLKey          = "relay.url"
	RelayReconnectKey    = "relay.reconnect"
	RelayMaxRetriesKey   = "relay.max_retries"
	RelayRetryDelayKey   = "relay.retry_delay"
	DirectoryURLKey      = "directory.url"
	DirectoryTimeoutKey  = "directory.timeout"
	IdentityNameKey      = "identity.name"
	TypingQuietPeriodKey = "typing.quiet_period"
	TypingRemoteTTLKey   = "typing.remote_ttl"
	LogLevelKey          = "log.level"
	LogFormatKey         = "log.format"
	LogFileKey           = "log.file"
)

const envPrefix = "DISCUSS"

type Config struct {
	Relay struct {
		// URL is the websocket endpoint of the relay.
		URL string `mapstructure:"url" validate:"required,url"`

		// Reconnect redials the relay when the connection is lost and joins
		// the active room again.
		Reconnect  bool          `mapstructure:"reconnect"`
		MaxRetries int           `mapstructure:"max_retries" validate:"gte=0"`
		RetryDelay time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	} `mapstructure:"relay"`
	Directory struct {
		// URL is the rooms endpoint of the directory.
		URL     string        `mapstructure:"url" validate:"required,url"`
		Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	} `mapstructure:"directory"`
	Identity struct {
		// Name is the display name. The user is asked for one when it is empty.
		Name string `mapstructure:"name"`
	} `mapstructure:"identity"`
	Typing struct {
		QuietPeriod time.Duration `mapstructure:"quiet_period" validate:"gt=0"`

		// RemoteTTL clears a remote typing label nobody hid. Zero disables it.
		RemoteTTL time.Duration `mapstructure:"remote_ttl" validate:"gte=0"`
	} `mapstructure:"typing"`
	Log struct {
		Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
		Format string `mapstructure:"format" validate:"oneof=text json"`

		// File receives the logs instead of stderr. The chat screen discards
		// logs when it is empty.
		File string `mapstructure:"file"`
	} `mapstructure:"log"`
	valid bool
}

// SetDefaults registers the default value of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(RelayURLKey, "ws://localhost:5000/ws")
	v.SetDefault(RelayReconnectKey, true)
	v.SetDefault(RelayMaxRetriesKey, 5)
	v.SetDefault(RelayRetryDelayKey, time.Second)
	v.SetDefault(DirectoryURLKey, "http://localhost:5000/api/rooms")
	v.SetDefault(DirectoryTimeoutKey, 10*time.Second)
	v.SetDefault(IdentityNameKey, "")
	v.SetDefault(TypingQuietPeriodKey, core.DefaultTypingQuietPeriod)
	v.SetDefault(TypingRemoteTTLKey, time.Duration(0))
	v.SetDefault(LogLevelKey, "info")
	v.SetDefault(LogFormatKey, "text")
	v.SetDefault(LogFileKey, "")
}

// LoadConfig loads the configuration from defaults, the config file, a .env
// file and DISCUSS_ prefixed environment variables, in increasing priority.
// Flags bound to v take precedence over all of them.
//
// When file is empty ./discuss.yaml and $HOME/.discuss.yaml are tried; a
// missing file is not an error. Decoding errors are deferred to Validate.
func LoadConfig(v *viper.Viper, file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	SetDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		file = findConfigFile()
	}
	if file != "" {
		v.SetConfigFile(file)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func findConfigFile() string {
	candidates := []string{"discuss.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".discuss.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := core.Validate(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}
