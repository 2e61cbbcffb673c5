package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config представляет структуру конфигурации для приложения.
type Config struct {
	App struct {
		Port string `mapstructure:"port"`
		Env  string `mapstructure:"env"`
	} `mapstructure:"app"`
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"kafka"`
	Stripe struct {
		APIKey        string `mapstructure:"apiKey"`
		WebhookSecret string `mapstructure:"webhookSecret"`
	} `mapstructure:"stripe"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
		CronKey   string `mapstructure:"cronKey"` // Общий секрет для вызовов планировщика
	} `mapstructure:"auth"`
	Dunning struct {
		ScanIntervalMinutes  int   `mapstructure:"scanIntervalMinutes"`
		BatchSize            int   `mapstructure:"batchSize"`
		MaxRetries           int   `mapstructure:"maxRetries"`
		RetryIntervalDays    []int `mapstructure:"retryIntervalDays"`
		SuspendAfterFailures int   `mapstructure:"suspendAfterFailures"`
		CancelAfterDays      int   `mapstructure:"cancelAfterDays"`
		NotificationsEnabled bool  `mapstructure:"notificationsEnabled"`
	} `mapstructure:"dunning"`
}

// ScanInterval возвращает период запуска фонового сканирования
func (c *Config) ScanInterval() time.Duration {
	if c.Dunning.ScanIntervalMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Dunning.ScanIntervalMinutes) * time.Minute
}

// LoadConfig загружает конфигурацию из файла или переменных окружения.
func LoadConfig(path string) (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		err := godotenv.Load(path)
		if err != nil {
			return nil, err
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	viper.AutomaticEnv() // Чтение переменных окружения

	// Системная политика dunning по умолчанию
	viper.SetDefault("dunning.scanIntervalMinutes", 15)
	viper.SetDefault("dunning.batchSize", 100)
	viper.SetDefault("dunning.maxRetries", 4)
	viper.SetDefault("dunning.retryIntervalDays", []int{3, 5, 7, 10})
	viper.SetDefault("dunning.suspendAfterFailures", 2)
	viper.SetDefault("dunning.cancelAfterDays", 30)
	viper.SetDefault("dunning.notificationsEnabled", true)

	if err := viper.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
