package config

import (
	"net/url"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/pelusa-v/pelusa-chat/internal/permission"
)

type Config struct {
	Env      string `envconfig:"env" default:"development"`
	Addr     string `envconfig:"addr" default:"127.0.0.1:3000"`
	LogLevel uint   `envconfig:"log_level" default:"0"`
	LogPath  string `envconfig:"log_path" default:"-"`

	JournalPath        string `envconfig:"journal_path" default:"pelusa.db"`
	JournalSync        bool   `envconfig:"journal_sync" default:"false"`
	JournalCompactCron string `envconfig:"journal_compact_cron" default:"0 3 * * *"`

	AvatarBase       string        `envconfig:"avatar_base"`
	PresenceFallback string        `envconfig:"presence_fallback" default:"Offline"`
	SubmitTimeout    time.Duration `envconfig:"submit_timeout" default:"10s"`
	EventBuffer      int           `envconfig:"event_buffer" default:"1024"`

	SendRate  float64 `envconfig:"send_rate" default:"5"`
	SendBurst int     `envconfig:"send_burst" default:"10"`

	ContactsFile       string `envconfig:"contacts_file" default:"contacts.yaml"`
	ContactsPermission string `envconfig:"contacts_permission" default:"prompt"`

	FilesDir        string `envconfig:"files_dir" default:"./files"`
	FilesBaseURL    string `envconfig:"files_base_url" default:"http://127.0.0.1:3000/files"`
	FilesPermission string `envconfig:"files_permission" default:"prompt"`

	LoopbackLatency     time.Duration `envconfig:"loopback_latency" default:"150ms"`
	LoopbackFailureRate float64       `envconfig:"loopback_failure_rate" default:"0"`
	LoopbackThroughput  int           `envconfig:"loopback_throughput" default:"0"`

	StaticDir string `envconfig:"static_dir" default:"./public"`
}

// Load reads .env (outside release mode) and then PELUSA_* variables.
func Load() (*Config, error) {
	if os.Getenv("PELUSA_ENV") != "release" {
		if err := godotenv.Load("./.env"); err != nil {
			jww.DEBUG.Printf("couldn't load .env: %v", err)
		}
	}

	c := &Config{}
	if err := envconfig.Process("pelusa", c); err != nil {
		return nil, errors.Wrap(err, "reading environment")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr is empty")
	}
	if c.JournalCompactCron != "" && !gronx.New().IsValid(c.JournalCompactCron) {
		return errors.Errorf("invalid journal_compact_cron %q", c.JournalCompactCron)
	}
	if c.LoopbackFailureRate < 0 || c.LoopbackFailureRate > 1 {
		return errors.Errorf("loopback_failure_rate must be within [0,1], got %v", c.LoopbackFailureRate)
	}
	if c.SendRate < 0 || c.SendBurst < 0 {
		return errors.New("send_rate and send_burst must not be negative")
	}
	if _, err := permission.ParseStatus(c.ContactsPermission); err != nil {
		return errors.Wrap(err, "contacts_permission")
	}
	if _, err := permission.ParseStatus(c.FilesPermission); err != nil {
		return errors.Wrap(err, "files_permission")
	}
	if u, err := url.Parse(c.FilesBaseURL); err != nil || !u.IsAbs() {
		return errors.Errorf("files_base_url must be an absolute url, got %q", c.FilesBaseURL)
	}
	return nil
}
