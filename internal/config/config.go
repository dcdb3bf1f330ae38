package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel string

	DBUser        string
	DBPassword    string
	DBName        string
	DBHost        string
	DBPort        string
	RedisHost     string
	RedisPort     string
	RedisPassword string

	BotToken string
	AdminIDs []int64
	HTTPAddr string

	CatalogPath string

	YookassaShopID    string
	YookassaKey       string
	YookassaReturnURL string
	AllowedYooIp      []string
	TrustedProxies    []string

	CryptoBotToken   string
	CryptoBotTestnet bool

	FlowTTL          time.Duration
	SweepInterval    time.Duration
	ReminderInterval time.Duration
	ReminderWindow   time.Duration
	StaleClaimAfter  time.Duration
	CallTimeout      time.Duration
	IssueAttempts    int
	RetryBaseDelay   time.Duration
	CommandCooldown  time.Duration
	CallbackCooldown time.Duration
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	return &Config{
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DBUser:            getEnv("DB_USER", "postgres"),
		DBPassword:        getEnv("DB_PASSWORD", "postgres"),
		DBName:            getEnv("DB_NAME", "regionvpn_bot"),
		DBHost:            getEnv("DB_HOST", "localhost"),
		DBPort:            getEnv("DB_PORT", "5432"),
		RedisHost:         getEnv("REDIS_HOST", "localhost"),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		BotToken:          getEnv("TELEGRAM_BOT_TOKEN", ""),
		AdminIDs:          getEnvIDs("ADMIN_IDS"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		CatalogPath:       getEnv("CATALOG_PATH", "configs/catalog.yaml"),
		YookassaShopID:    getEnv("YOOKASSA_SHOP_ID", ""),
		YookassaKey:       getEnv("YOOKASSA_SECRET_KEY", ""),
		YookassaReturnURL: getEnv("YOOKASSA_RETURN_URL", "https://t.me"),
		AllowedYooIp: []string{
			"185.71.76.0/27",
			"185.71.77.0/27",
			"77.75.153.0/25",
			"77.75.156.11/32",
			"77.75.156.35/32",
			"77.75.154.128/25",
			"2a02:5180::/32",
		},
		TrustedProxies:   getEnvList("TRUSTED_PROXIES"),
		CryptoBotToken:   getEnv("CRYPTOBOT_TOKEN", ""),
		CryptoBotTestnet: getEnvBool("CRYPTOBOT_TESTNET", false),
		FlowTTL:          getEnvDuration("FLOW_TTL", 24*time.Hour),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Minute),
		ReminderInterval: getEnvDuration("REMINDER_INTERVAL", time.Hour),
		ReminderWindow:   getEnvDuration("REMINDER_WINDOW", 24*time.Hour),
		StaleClaimAfter:  getEnvDuration("STALE_CLAIM_AFTER", 10*time.Minute),
		CallTimeout:      getEnvDuration("CALL_TIMEOUT", 15*time.Second),
		IssueAttempts:    getEnvInt("ISSUE_ATTEMPTS", 3),
		RetryBaseDelay:   getEnvDuration("RETRY_BASE_DELAY", 500*time.Millisecond),
		CommandCooldown:  getEnvDuration("COMMAND_COOLDOWN", 3*time.Second),
		CallbackCooldown: getEnvDuration("CALLBACK_COOLDOWN", 2*time.Second),
	}
}

// IsAdmin reports whether telegramID may use admin-only commands.
func (c *Config) IsAdmin(telegramID int64) bool {
	for _, id := range c.AdminIDs {
		if id == telegramID {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		log.Printf("Invalid duration in %s=%q, using %s", key, value, fallback)
		return fallback
	}
	return d
}

func getEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Printf("Invalid integer in %s=%q, using %d", key, value, fallback)
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvIDs(key string) []int64 {
	var ids []int64
	for _, part := range getEnvList(key) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			log.Printf("Skipping invalid id %q in %s", part, key)
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
