// File: internal/config/config.go
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"subscription-engine/internal/domain/model"
)

type RuntimeConfig struct {
	Dev bool
}

// Duration reads "2s", "15m" and the like from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type HTTPConfig struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

// DatabaseConfig selects Postgres. An empty URL runs on the in-memory store.
type DatabaseConfig struct {
	URL             string   `yaml:"url"`
	MaxConns        int32    `yaml:"max_conns"`
	MinConns        int32    `yaml:"min_conns"`
	MaxConnLifetime Duration `yaml:"max_conn_lifetime"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// RedisConfig enables the shared counters, locks and caches. An empty URL
// keeps everything in process.
type RedisConfig struct {
	URL      string   `yaml:"url"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
	PoolSize int      `yaml:"pool_size"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

type PaymentConfig struct {
	Sandbox      bool     `yaml:"sandbox"`
	BaseURL      string   `yaml:"base_url"`
	AppID        string   `yaml:"app_id"`
	MerchantID   string   `yaml:"merchant_id"`
	Secret       string   `yaml:"secret"`
	Serial       string   `yaml:"serial"`
	NotifyURL    string   `yaml:"notify_url"`
	Timezone     string   `yaml:"timezone"` // gateway clock for legacy timestamps
	QRTTL        Duration `yaml:"qr_ttl"`
	QueryTimeout Duration `yaml:"query_timeout"`

	Location *time.Location `yaml:"-"`
}

type QuotaConfig struct {
	Timezone  string   `yaml:"timezone"` // calendar used for daily and monthly buckets
	WarnRatio float64  `yaml:"warn_ratio"`
	Grace     Duration `yaml:"grace"`

	Location *time.Location `yaml:"-"`
}

type PollerConfig struct {
	Interval     Duration `yaml:"interval"`
	QueryTimeout Duration `yaml:"query_timeout"`
}

type WorkersConfig struct {
	PoolSize             int      `yaml:"pool_size"`
	QueueSize            int      `yaml:"queue_size"`
	EventTimeout         Duration `yaml:"event_timeout"`
	ExpiryInterval       Duration `yaml:"expiry_interval"`
	SweepInterval        Duration `yaml:"sweep_interval"`
	QuotaCleanupInterval Duration `yaml:"quota_cleanup_interval"`
}

type RateLimitConfig struct {
	CallbackLimit  int      `yaml:"callback_limit"`
	CallbackWindow Duration `yaml:"callback_window"`
}

type RecommendConfig struct {
	BehaviorTTL Duration `yaml:"behavior_ttl"`
}

// TelegramConfig configures operator alerts. Without a token alerts are only
// logged.
type TelegramConfig struct {
	Token   string  `yaml:"token"`
	ChatIDs []int64 `yaml:"chat_ids"`
}

type I18nConfig struct {
	DefaultLang string `yaml:"default_lang"`
}

type PlanConfig struct {
	ID       string           `yaml:"id"`
	Name     string           `yaml:"name"`
	Tier     string           `yaml:"tier"`
	Price    string           `yaml:"price"` // decimal string, e.g. "9.90"
	Currency string           `yaml:"currency"`
	Period   string           `yaml:"period"` // 1m, 3m, 1y
	Quotas   map[string]int64 `yaml:"quotas"` // -1 is unlimited
}

type Config struct {
	Log       LogConfig       `yaml:"log"`
	HTTP      HTTPConfig      `yaml:"http"`
	Auth      AuthConfig      `yaml:"auth"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Payment   PaymentConfig   `yaml:"payment"`
	Quota     QuotaConfig     `yaml:"quota"`
	Poller    PollerConfig    `yaml:"poller"`
	Workers   WorkersConfig   `yaml:"workers"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Recommend RecommendConfig `yaml:"recommend"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	I18n      I18nConfig      `yaml:"i18n"`
	Plans     []PlanConfig    `yaml:"plans"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the -config and -dev flags and loads the file.
func LoadConfig() (*Config, error) {
	var configPath string = ""
	var dev bool
	flag.StringVar(&configPath, "config", "config.yaml", "path to config yaml")
	flag.BoolVar(&dev, "dev", false, "development mode")
	flag.Parse()
	return Load(configPath, dev)
}

func Load(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

// Parse applies defaults and validation to a YAML document.
func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	defaultDuration(&c.HTTP.ReadTimeout, 10*time.Second)
	defaultDuration(&c.HTTP.WriteTimeout, 15*time.Second)
	defaultDuration(&c.HTTP.RequestTimeout, 10*time.Second)
	defaultDuration(&c.HTTP.ShutdownTimeout, 10*time.Second)
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "subscription-engine"
	}
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = 10
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 10
	}
	defaultDuration(&c.Redis.CacheTTL, 5*time.Minute)
	if c.Payment.Timezone == "" {
		c.Payment.Timezone = "Asia/Shanghai"
	}
	defaultDuration(&c.Payment.QRTTL, 15*time.Minute)
	defaultDuration(&c.Payment.QueryTimeout, 3*time.Second)
	if c.Quota.Timezone == "" {
		c.Quota.Timezone = "UTC"
	}
	if c.Quota.WarnRatio <= 0 || c.Quota.WarnRatio > 1 {
		c.Quota.WarnRatio = 0.8
	}
	defaultDuration(&c.Quota.Grace, time.Hour)
	defaultDuration(&c.Poller.Interval, 2*time.Second)
	defaultDuration(&c.Poller.QueryTimeout, 3*time.Second)
	if c.Workers.PoolSize <= 0 {
		c.Workers.PoolSize = 8
	}
	if c.Workers.QueueSize <= 0 {
		c.Workers.QueueSize = 256
	}
	defaultDuration(&c.Workers.EventTimeout, 10*time.Second)
	defaultDuration(&c.Workers.ExpiryInterval, time.Minute)
	defaultDuration(&c.Workers.SweepInterval, 30*time.Second)
	defaultDuration(&c.Workers.QuotaCleanupInterval, time.Hour)
	if c.RateLimit.CallbackLimit <= 0 {
		c.RateLimit.CallbackLimit = 30
	}
	defaultDuration(&c.RateLimit.CallbackWindow, time.Minute)
	defaultDuration(&c.Recommend.BehaviorTTL, 24*time.Hour)
	if c.I18n.DefaultLang == "" {
		c.I18n.DefaultLang = "en"
	}
	if len(c.Plans) == 0 {
		c.Plans = DefaultPlans()
	}
}

func (c *Config) validate() error {
	var err error
	if c.Payment.Location, err = loadLocation(c.Payment.Timezone); err != nil {
		return fmt.Errorf("payment.timezone: %w", err)
	}
	if c.Quota.Location, err = loadLocation(c.Quota.Timezone); err != nil {
		return fmt.Errorf("quota.timezone: %w", err)
	}
	if c.Payment.Secret == "" && !c.Payment.Sandbox {
		return errors.New("payment.secret is required unless payment.sandbox is set")
	}
	if !c.Payment.Sandbox && (c.Payment.MerchantID == "" || c.Payment.BaseURL == "") {
		return errors.New("payment.merchant_id and payment.base_url are required unless payment.sandbox is set")
	}
	if c.Auth.JWTSecret == "" && !c.Runtime.Dev {
		return errors.New("auth.jwt_secret is required")
	}
	if _, err := c.BuildPlans(); err != nil {
		return err
	}
	return nil
}

// BuildPlans turns the plan table into domain plans. Exactly the configured
// plans are returned; a free-tier plan is required for the fallback
// entitlement.
func (c *Config) BuildPlans() ([]*model.Plan, error) {
	out := make([]*model.Plan, 0, len(c.Plans))
	seen := make(map[string]bool, len(c.Plans))
	hasFree := false
	for i, pc := range c.Plans {
		p, err := pc.build()
		if err != nil {
			return nil, fmt.Errorf("plans[%d] %q: %w", i, pc.ID, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("plans[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Tier == model.TierFree {
			hasFree = true
		}
		out = append(out, p)
	}
	if !hasFree {
		return nil, errors.New("plans: a free tier plan is required")
	}
	return out, nil
}

func (pc PlanConfig) build() (*model.Plan, error) {
	tier, err := model.ParseTier(pc.Tier)
	if err != nil {
		return nil, err
	}
	price := decimal.Zero
	if pc.Price != "" {
		if price, err = decimal.NewFromString(pc.Price); err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
	}
	period, err := model.ParseBillingPeriod(pc.Period)
	if err != nil {
		return nil, err
	}
	quotas := make(model.QuotaLimits, len(pc.Quotas))
	for k, v := range pc.Quotas {
		d, err := model.ParseDimension(k)
		if err != nil {
			return nil, err
		}
		quotas[d] = v
	}
	currency := pc.Currency
	if currency == "" {
		currency = "CNY"
	}
	return model.NewPlan(pc.ID, pc.Name, tier, price, currency, period, quotas)
}

// DefaultPlans is the catalogue used when the file lists none.
func DefaultPlans() []PlanConfig {
	return []PlanConfig{
		{ID: "free", Name: "Free", Tier: "free", Price: "0", Period: "1m",
			Quotas: map[string]int64{"create": 3, "reuse": 10, "export": 1, "graph_size": 50}},
		{ID: "basic-monthly", Name: "Basic", Tier: "basic", Price: "9.90", Period: "1m",
			Quotas: map[string]int64{"create": 20, "reuse": 100, "export": 10, "graph_size": 200}},
		{ID: "pro-monthly", Name: "Pro", Tier: "pro", Price: "29.90", Period: "1m",
			Quotas: map[string]int64{"create": 100, "reuse": -1, "export": 50, "graph_size": 1000}},
	}
}

func defaultDuration(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
