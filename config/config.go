package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	MongoURI      string
	MongoDatabase string
	JWTSecret     string
	Port          string
	LogMode       string

	RedisAddr string
	LockTTL   time.Duration

	RolesFile              string
	Location               *time.Location
	AcademicYearStartMonth time.Month
	MaxUploadBytes         int64
	SaveRetries            int
}

// Load reads .env when present and then the process environment.
// The returned warnings are non-fatal problems the caller should log.
func Load() (Config, []string, error) {
	var warnings []string
	if err := godotenv.Load(); err != nil {
		warnings = append(warnings, fmt.Sprintf("no .env file loaded: %v", err))
	}

	cfg := Config{
		MongoDatabase: getEnv("MONGO_DATABASE", "kpi_tracker"),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		Port:          getEnv("PORT", "8081"),
		LogMode:       getEnv("LOG_MODE", "development"),
		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		LockTTL:       time.Duration(getEnvInt("LOCK_TTL_SECONDS", 15)) * time.Second,
		RolesFile:     strings.TrimSpace(os.Getenv("ROLES_FILE")),
		SaveRetries:   getEnvInt("SAVE_RETRIES", 3),
	}

	uri, err := mongoURI()
	if err != nil {
		return cfg, warnings, err
	}
	cfg.MongoURI = uri

	if cfg.JWTSecret == "" {
		return cfg, warnings, fmt.Errorf("missing required environment variable JWT_SECRET")
	}

	tz := getEnv("TIMEZONE", "Local")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return cfg, warnings, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}
	cfg.Location = loc

	month := getEnvInt("ACADEMIC_YEAR_START_MONTH", 9)
	if month < 1 || month > 12 {
		return cfg, warnings, fmt.Errorf("ACADEMIC_YEAR_START_MONTH must be 1-12, got %d", month)
	}
	cfg.AcademicYearStartMonth = time.Month(month)
	cfg.MaxUploadBytes = int64(getEnvInt("MAX_UPLOAD_MB", 10)) << 20

	return cfg, warnings, nil
}

// mongoURI prefers MONGO_URI and otherwise builds an Atlas connection string.
func mongoURI() (string, error) {
	if uri := strings.TrimSpace(os.Getenv("MONGO_URI")); uri != "" {
		return uri, nil
	}
	username := os.Getenv("MONGO_USERNAME")
	password := os.Getenv("MONGO_PASSWORD")
	cluster := os.Getenv("MONGO_CLUSTER")
	appName := os.Getenv("MONGO_APP_NAME")
	if username == "" || password == "" || cluster == "" || appName == "" {
		return "", fmt.Errorf("missing MongoDB environment variables: set MONGO_URI or MONGO_USERNAME, MONGO_PASSWORD, MONGO_CLUSTER and MONGO_APP_NAME")
	}
	return fmt.Sprintf("mongodb+srv://%s:%s@%s/?retryWrites=true&w=majority&appName=%s",
		username, password, cluster, appName), nil
}

func getEnv(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func getEnvInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}
