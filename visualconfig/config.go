// Package visualconfig holds the Visual Streaming Core's runtime
// configuration (spec §6). Precedence is env-first with an optional YAML
// file layered underneath for static deployment manifests, matching
// domwatch/internal/config.Config.LoadFile/applyDefaults.
package visualconfig

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the visualcore binary.
type Config struct {
	EventBufferSize      int           `yaml:"event_buffer_size"`
	ClientWriteQueue     int           `yaml:"client_write_queue"`
	ControlRatePerSec    int           `yaml:"control_rate_per_sec"`
	ControlMaxDuration   time.Duration `yaml:"control_max_duration"`
	CookieVerifyTTLHours int           `yaml:"cookie_verify_ttl_hours"`
	AutoSaveSessionState bool          `yaml:"-"`
	FeatureUseCookies    bool          `yaml:"feature_use_cookies"`

	CookieKID         string `yaml:"cookie_kid"`
	CookiePrivKeyPath string `yaml:"cookie_priv_key_path"`
	CookiePrivKeyEnv  string `yaml:"cookie_priv_key_env"`

	StorageStatePerUserDir     string `yaml:"storage_state_per_user_dir"`
	StorageStateEnvVar         string `yaml:"storage_state_env_var"`
	StorageStateSharedRootFile string `yaml:"storage_state_shared_root_file"`

	Browser BrowserConfig `yaml:"browser"`

	DatabasePath string `yaml:"database_path"`
	ListenAddr   string `yaml:"listen_addr"`

	autoSaveSet bool
}

// BrowserConfig controls browsersession.Manager/Factory sizing, mirroring
// domwatch/internal/config.BrowserConfig's shape.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Stealth          string        `yaml:"stealth"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
}

// fileConfig mirrors Config for YAML decoding, using a pointer for
// auto_save_session_state so an explicit `false` in a manifest survives
// applyDefaults (which otherwise defaults the bool to true on absence).
type fileConfig struct {
	Config               `yaml:",inline"`
	AutoSaveSessionState *bool `yaml:"auto_save_session_state"`
}

// LoadFile reads a YAML configuration file, applies defaults, then layers
// environment variables on top (env wins), matching the teacher's
// file-then-defaults pattern with an env override pass appended.
func LoadFile(path string) (*Config, error) {
	fc := &fileConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, fc); err != nil {
			return nil, err
		}
	}

	cfg := &fc.Config
	if fc.AutoSaveSessionState != nil {
		cfg.AutoSaveSessionState = *fc.AutoSaveSessionState
		cfg.autoSaveSet = true
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = 1000
	}
	if c.ClientWriteQueue <= 0 {
		c.ClientWriteQueue = 256
	}
	if c.ControlRatePerSec <= 0 {
		c.ControlRatePerSec = 100
	}
	if c.ControlMaxDuration <= 0 {
		c.ControlMaxDuration = 300 * time.Second
	}
	if c.CookieVerifyTTLHours <= 0 {
		c.CookieVerifyTTLHours = 24
	}
	if !c.autoSaveSet {
		c.AutoSaveSessionState = true
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Stealth == "" {
		c.Browser.Stealth = "headless"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8088"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "visualcore.db"
	}
}

func (c *Config) applyEnv() {
	if v, ok := envInt("EVENT_BUFFER_SIZE"); ok {
		c.EventBufferSize = v
	}
	if v, ok := envInt("CLIENT_WRITE_QUEUE"); ok {
		c.ClientWriteQueue = v
	}
	if v, ok := envInt("CONTROL_RATE_PER_SEC"); ok {
		c.ControlRatePerSec = v
	}
	if v, ok := envInt("CONTROL_MAX_DURATION_S"); ok {
		c.ControlMaxDuration = time.Duration(v) * time.Second
	}
	if v, ok := envInt("COOKIE_VERIFY_TTL_HOURS"); ok {
		c.CookieVerifyTTLHours = v
	}
	if v, ok := envBool("AUTO_SAVE_SESSION_STATE"); ok {
		c.AutoSaveSessionState = v
	}
	if v, ok := envBool("FEATURE_USE_COOKIES"); ok {
		c.FeatureUseCookies = v
	}
	if v := os.Getenv("COOKIE_KID"); v != "" {
		c.CookieKID = v
	}
	if v := os.Getenv("COOKIE_PRIV_KEY_PATH"); v != "" {
		c.CookiePrivKeyPath = v
	}
	if v := os.Getenv("COOKIE_PRIV_KEY_ENV"); v != "" {
		c.CookiePrivKeyEnv = v
	}
	if v := os.Getenv("STORAGE_STATE_PER_USER_DIR"); v != "" {
		c.StorageStatePerUserDir = v
	}
	if v := os.Getenv("STORAGE_STATE_ENV_VAR"); v != "" {
		c.StorageStateEnvVar = v
	}
	if v := os.Getenv("STORAGE_STATE_SHARED_ROOT_FILE"); v != "" {
		c.StorageStateSharedRootFile = v
	}
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}
