package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/josephgoksu/taskgraph/types"
	"github.com/spf13/viper"
)

// validate is a single instance of Validate, it caches struct info.
var validate = validator.New()

// LoadOptions controls where configuration comes from.
type LoadOptions struct {
	// ConfigFile is an explicit config path (--config). Missing is an error.
	ConfigFile string
	// DataDir overrides the default data directory used for path defaults.
	DataDir string
	// SkipDotEnv disables loading .env from the working directory.
	SkipDotEnv bool
}

// Load resolves configuration from defaults, an optional config file, .env
// and TASKGRAPH_* environment variables, then validates it. The returned
// viper instance reports which file was used.
func Load(opts LoadOptions) (*types.AppConfig, *viper.Viper, error) {
	if !opts.SkipDotEnv {
		// It's okay if .env doesn't exist.
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, nil, fmt.Errorf("load .env: %w", err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	dataDir := opts.DataDir
	if dataDir == "" {
		dataDir = DefaultDataDir()
	}
	SetDefaults(v, dataDir)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		for _, p := range searchPaths() {
			v.AddConfigPath(p)
		}
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case errors.As(err, &notFound) && opts.ConfigFile == "":
			// No config file found by search paths, which is fine.
		case opts.ConfigFile != "" && errors.Is(err, fs.ErrNotExist):
			return nil, nil, fmt.Errorf("config file not found: %s", opts.ConfigFile)
		default:
			return nil, nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &types.AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Config = v.ConfigFileUsed()
	if err := Validate(cfg); err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *types.AppConfig) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: rule '%s' (value: '%v')", e.Namespace(), e.Tag(), e.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// WriteDefault writes a config file holding every default. It refuses to
// overwrite an existing file.
func WriteDefault(path, dataDir string) error {
	v := viper.New()
	SetDefaults(v, dataDir)
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
