// Package config загружает конфигурацию softphone из YAML файла.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/arzzra/sipsession/pkg/logging"
	"github.com/arzzra/sipsession/pkg/telephony"
)

// Transport параметры SIP транспорта
type Transport struct {
	Port          int    `yaml:"port"`
	Mode          string `yaml:"mode"`
	TLSCertFile   string `yaml:"tls_cert_file"`
	TLSKeyFile    string `yaml:"tls_key_file"`
	PublicAddress string `yaml:"public_address"`
}

// Account учетная запись на регистраторе
type Account struct {
	Username      string `yaml:"username"`
	RegistrarHost string `yaml:"registrar_host"`
	Password      string `yaml:"password"`
	Realm         string `yaml:"realm"`
	// Scheme пустая строка означает поведение по умолчанию: scheme = хост регистратора
	Scheme string `yaml:"scheme"`
}

// Enabled аккаунт задан
func (a Account) Enabled() bool { return a.Username != "" || a.RegistrarHost != "" }

// Metrics HTTP endpoint Prometheus
type Metrics struct {
	Enabled  bool   `yaml:"enabled"`
	BindAddr string `yaml:"bind_addr"`
}

// Media параметры RTP
type Media struct {
	RTPPortMin int `yaml:"rtp_port_min"`
	RTPPortMax int `yaml:"rtp_port_max"`
	DSCP       int `yaml:"dscp"`
}

// Config конфигурация softphone
type Config struct {
	LogLevel     uint           `yaml:"log_level"`
	IncomingCall string         `yaml:"incoming_call"`
	UserAgent    string         `yaml:"user_agent"`
	MaxCalls     int            `yaml:"max_calls"`
	Transport    Transport      `yaml:"transport"`
	Account      Account        `yaml:"account"`
	Logging      logging.Config `yaml:"logging"`
	Metrics      Metrics        `yaml:"metrics"`
	Media        Media          `yaml:"media"`
}

// Default конфигурация по умолчанию
func Default() Config {
	engine := telephony.DefaultEngineConfig()
	return Config{
		LogLevel:     3,
		IncomingCall: telephony.AutoAnswer.String(),
		UserAgent:    engine.UserAgent,
		MaxCalls:     engine.MaxCalls,
		Transport: Transport{
			Port: 5060,
			Mode: telephony.UDP.String(),
		},
		Account: Account{
			Realm: telephony.DefaultRealm,
		},
		Logging: logging.DefaultConfig(),
		Metrics: Metrics{
			BindAddr: "127.0.0.1:9090",
		},
		Media: Media{
			RTPPortMin: 10000,
			RTPPortMax: 20000,
			DSCP:       46,
		},
	}
}

// Load читает файл поверх значений по умолчанию и проверяет результат
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate проверяет значения и собирает все найденные ошибки
func (c Config) Validate() error {
	var errs []error
	if c.LogLevel > 6 {
		errs = append(errs, fmt.Errorf("log_level must be 0..6, got %d", c.LogLevel))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxCalls <= 0 {
		errs = append(errs, fmt.Errorf("max_calls must be positive, got %d", c.MaxCalls))
	}

	mode, err := c.TransportMode()
	if err != nil {
		errs = append(errs, err)
	}
	if c.Transport.Port < 0 || c.Transport.Port > 65535 {
		errs = append(errs, fmt.Errorf("transport.port out of range: %d", c.Transport.Port))
	}
	if err == nil && (mode == telephony.TLS || mode == telephony.TLS6) {
		if c.Transport.TLSCertFile == "" || c.Transport.TLSKeyFile == "" {
			errs = append(errs, errors.New("tls transport requires tls_cert_file and tls_key_file"))
		}
	}

	if c.Account.Enabled() {
		if c.Account.Username == "" {
			errs = append(errs, errors.New("account.username is required"))
		}
		if c.Account.RegistrarHost == "" {
			errs = append(errs, errors.New("account.registrar_host is required"))
		}
	}

	if c.Media.RTPPortMin != 0 || c.Media.RTPPortMax != 0 {
		if c.Media.RTPPortMin <= 0 || c.Media.RTPPortMax > 65535 || c.Media.RTPPortMin >= c.Media.RTPPortMax {
			errs = append(errs, fmt.Errorf("bad rtp port range %d-%d", c.Media.RTPPortMin, c.Media.RTPPortMax))
		}
	}
	if c.Media.DSCP < 0 || c.Media.DSCP > 63 {
		errs = append(errs, fmt.Errorf("media.dscp must be 0..63, got %d", c.Media.DSCP))
	}
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.BindAddr) == "" {
		errs = append(errs, errors.New("metrics.bind_addr is required when metrics are enabled"))
	}
	return errors.Join(errs...)
}

// Policy политика входящих вызовов
func (c Config) Policy() (telephony.IncomingCallPolicy, error) {
	return telephony.ParseIncomingCallPolicy(c.IncomingCall)
}

// TransportMode режим транспорта
func (c Config) TransportMode() (telephony.TransportMode, error) {
	return telephony.ParseTransportMode(c.Transport.Mode)
}

// InitParams параметры последовательности инициализации
func (c Config) InitParams() (telephony.InitParams, error) {
	policy, err := c.Policy()
	if err != nil {
		return telephony.InitParams{}, err
	}
	mode, err := c.TransportMode()
	if err != nil {
		return telephony.InitParams{}, err
	}
	return telephony.InitParams{
		LogLevel:  telephony.LogLevel(c.LogLevel),
		Policy:    policy,
		Transport: telephony.TransportSpec{Port: c.Transport.Port, Mode: mode},
	}, nil
}

// TelephonyOptions опции слоя управления, заданные конфигурацией
func (c Config) TelephonyOptions() []telephony.Option {
	opts := []telephony.Option{
		telephony.WithUserAgent(c.UserAgent),
		telephony.WithMaxCalls(c.MaxCalls),
		telephony.WithPublicAddress(c.Transport.PublicAddress),
	}
	if c.Transport.TLSCertFile != "" {
		opts = append(opts, telephony.WithTLSFiles(c.Transport.TLSCertFile, c.Transport.TLSKeyFile))
	}
	if c.Account.Realm != "" {
		opts = append(opts, telephony.WithRealmPolicy(telephony.FixedRealm(c.Account.Realm)))
	}
	if c.Account.Scheme != "" {
		opts = append(opts, telephony.WithSchemePolicy(telephony.FixedScheme(c.Account.Scheme)))
	}
	return opts
}
