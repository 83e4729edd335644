package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env      string `yaml:"app_env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	Server struct {
		Addr               string   `yaml:"addr"`
		CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	} `yaml:"server"`

	// Directorio de estado: blobs cifrados + key files colocados.
	Storage struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"storage"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL string `yaml:"default_ttl"`
		} `yaml:"memory"`
	} `yaml:"cache"`

	JWT struct {
		Issuer     string `yaml:"issuer"`
		AccessTTL  string `yaml:"access_ttl"`  // default 15m
		RefreshTTL string `yaml:"refresh_ttl"` // default 168h (7d)
	} `yaml:"jwt"`

	Auth struct {
		LockoutThreshold int    `yaml:"lockout_threshold"` // intentos fallidos antes de lockout
		LockoutDuration  string `yaml:"lockout_duration"`
	} `yaml:"auth"`

	MFA struct {
		TOTPIssuer      string `yaml:"totp_issuer"`
		TOTPWindow      int    `yaml:"totp_window"` // ±steps, default 1
		BackupCodeCount int    `yaml:"backup_code_count"`
		ChallengeTTL    string `yaml:"challenge_ttl"`
		RPID            string `yaml:"rp_id"`     // WebAuthn relying party id
		RPOrigin        string `yaml:"rp_origin"` // origen permitido para assertions
		RPDisplayName   string `yaml:"rp_display_name"`
	} `yaml:"mfa"`

	// Parámetros no-secretos de la integración Exchange Online. El client
	// secret es el único secreto acá y se redacta en read-back.
	Exchange struct {
		TenantID        string   `yaml:"tenant_id"`
		ClientID        string   `yaml:"client_id"`
		ClientSecret    string   `yaml:"client_secret"`
		AuthMethod      string   `yaml:"auth_method"` // device_code | auth_code | client_credentials
		Scopes          []string `yaml:"scopes"`
		RedirectURI     string   `yaml:"redirect_uri"`
		RefreshInterval string   `yaml:"refresh_interval"` // chequeo de expiración en background
	} `yaml:"exchange"`

	Rate struct {
		Enabled bool `yaml:"enabled"`
		Login   struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"login"`
		MFA struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"mfa"`
	} `yaml:"rate"`

	// Alertas al operador (refresh terminal, replay detectado).
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
		To       string `yaml:"to"`
	} `yaml:"smtp"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	c.applyEnvOverrides()
	return &c, nil
}

// Default retorna una configuración con defaults, sin archivo.
func Default() *Config {
	var c Config
	c.applyDefaults()
	c.applyEnvOverrides()
	return &c
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Memory.DefaultTTL == "" {
		c.Cache.Memory.DefaultTTL = "2m"
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "relaypanel"
	}
	if c.JWT.AccessTTL == "" {
		c.JWT.AccessTTL = "15m"
	}
	if c.JWT.RefreshTTL == "" {
		c.JWT.RefreshTTL = "168h" // 7d
	}
	if c.Auth.LockoutThreshold == 0 {
		c.Auth.LockoutThreshold = 5
	}
	if c.Auth.LockoutDuration == "" {
		c.Auth.LockoutDuration = "15m"
	}
	if c.MFA.TOTPIssuer == "" {
		c.MFA.TOTPIssuer = "RelayPanel"
	}
	if c.MFA.TOTPWindow == 0 {
		c.MFA.TOTPWindow = 1
	}
	if c.MFA.BackupCodeCount == 0 {
		c.MFA.BackupCodeCount = 10
	}
	if c.MFA.ChallengeTTL == "" {
		c.MFA.ChallengeTTL = "5m"
	}
	if c.MFA.RPDisplayName == "" {
		c.MFA.RPDisplayName = "RelayPanel"
	}
	if c.Exchange.AuthMethod == "" {
		c.Exchange.AuthMethod = "device_code"
	}
	if c.Exchange.RefreshInterval == "" {
		c.Exchange.RefreshInterval = "5m"
	}
	if c.Rate.Login.Limit == 0 {
		c.Rate.Login.Limit = 10
	}
	if c.Rate.Login.Window == "" {
		c.Rate.Login.Window = "1m"
	}
	if c.Rate.MFA.Limit == 0 {
		c.Rate.MFA.Limit = 10
	}
	if c.Rate.MFA.Window == "" {
		c.Rate.MFA.Window = "1m"
	}
}

// applyEnvOverrides pisa valores con variables de entorno (deploys sin YAML).
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("APP_ENV"); v != "" {
		c.App.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.App.LogLevel = v
	}
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv("CACHE_KIND"); v != "" {
		c.Cache.Kind = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Cache.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Cache.Redis.DB = n
		}
	}
	if v := os.Getenv("EXCHANGE_TENANT_ID"); v != "" {
		c.Exchange.TenantID = v
	}
	if v := os.Getenv("EXCHANGE_CLIENT_ID"); v != "" {
		c.Exchange.ClientID = v
	}
	if v := os.Getenv("EXCHANGE_CLIENT_SECRET"); v != "" {
		c.Exchange.ClientSecret = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
}

// ParseDuration parsea un string de duración con fallback.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
		return d
	}
	return fallback
}

// DataPath resuelve un path relativo al data dir.
func (c *Config) DataPath(name string) string {
	return filepath.Join(c.Storage.DataDir, name)
}

// ExchangeView es la configuración Exchange con el secret ya redactado.
type ExchangeView struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	AuthMethod   string
	Scopes       []string
	RedirectURI  string
}

// RedactedExchange retorna la vista de la integración Exchange apta para
// devolver por API o loguear: el client secret nunca sale en claro.
func (c *Config) RedactedExchange() ExchangeView {
	secret := ""
	if c.Exchange.ClientSecret != "" {
		secret = "********"
	}
	return ExchangeView{
		TenantID:     c.Exchange.TenantID,
		ClientID:     c.Exchange.ClientID,
		ClientSecret: secret,
		AuthMethod:   c.Exchange.AuthMethod,
		Scopes:       c.Exchange.Scopes,
		RedirectURI:  c.Exchange.RedirectURI,
	}
}
