// Package config содержит логику чтения конфигурации сервиса sheetmarket.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса sheetmarket.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	RedisAddr   string `env:"REDIS_ADDR"`

	AuthSecret     string `env:"AUTH_SECRET"`
	DownloadSecret string `env:"DOWNLOAD_SECRET"`

	// FilesRoot — корневой каталог с файлами партитур.
	FilesRoot string `env:"FILES_ROOT" envDefault:"./files"`

	// DownloadURLTTL — срок жизни подписанной ссылки на скачивание.
	DownloadURLTTL time.Duration `env:"DOWNLOAD_URL_TTL" envDefault:"10m"`
	// DefaultMaxDownloads — лимит скачиваний, выставляемый при активации
	// права на файл.
	DefaultMaxDownloads int `env:"DEFAULT_MAX_DOWNLOADS" envDefault:"20"`

	// ProviderTimeout ограничивает создание платёжной сессии у провайдера.
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"15s"`

	PortOneAPIAddress string `env:"PORTONE_API_ADDRESS"`
	PortOneMerchantID string `env:"PORTONE_MERCHANT_ID"`
	PortOneAPIKey     string `env:"PORTONE_API_KEY"`
	// PortOneWebhookSecret подписывает серверные уведомления PortOne
	// (общий для карточного и PayPal каналов кабинета).
	PortOneWebhookSecret string `env:"PORTONE_WEBHOOK_SECRET"`
	PayPalChannel        string `env:"PAYPAL_CHANNEL" envDefault:"sheetmarket_paypal"`
	InicisAPIAddress     string `env:"INICIS_API_ADDRESS"`
	InicisMerchantID     string `env:"INICIS_MERCHANT_ID"`
	InicisSignKey        string `env:"INICIS_SIGN_KEY"`
	BankTransferActive   bool   `env:"BANK_TRANSFER_ACTIVE" envDefault:"true"`
	BankName             string `env:"BANK_NAME" envDefault:"KB Kookmin"`
	BankAccount          string `env:"BANK_ACCOUNT"`
	BankDepositor        string `env:"BANK_DEPOSITOR" envDefault:"SheetMarket"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddr := cfg.RedisAddr
	envAuthSecret := cfg.AuthSecret
	envDownloadSecret := cfg.DownloadSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddr, "r", "localhost:6379", "redis address for download tokens")
	flag.StringVar(&cfg.AuthSecret, "s", "sheetmarket-secret", "secret for auth cookies")
	flag.StringVar(&cfg.DownloadSecret, "k", "sheetmarket-download-secret", "secret for signed download URLs")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddr != "" {
		cfg.RedisAddr = envRedisAddr
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envDownloadSecret != "" {
		cfg.DownloadSecret = envDownloadSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
