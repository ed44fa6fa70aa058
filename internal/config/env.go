package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// OutputConfig holds the artifact roots and render resolutions.
type OutputConfig struct {
	ManualRoot   string
	AutoRoot     string
	ThumbnailDPI float64
	PreviewDPI   float64
	Rasters      bool // write page_<n>.png next to automatic artifacts
}

// OCRConfig selects and tunes the text extractor.
type OCRConfig struct {
	Engine      string // "tesseract"|"textlayer"|"auto"
	Tesseract   string
	Lang        string
	DPI         float64
	TessdataDir string
	Grayscale   bool
}

// ManualConfig holds the enumerations offered by the manual session.
type ManualConfig struct {
	Years         []string
	Clients       []string
	DefaultClient string
}

// RedisConfig is optional; an empty URL keeps job status and usage in memory.
type RedisConfig struct {
	URL string
}

// S3Config configures the optional export mirror.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Password  string
}

// MailConfig holds SMTP sender settings for artifact delivery.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	Logo     string // optional inline image shown under the signature
	Timeout  time.Duration
}

// WebConfig holds HTTP control surface settings.
type WebConfig struct {
	Addr         string
	Username     string
	PasswordHash string
	MaxUploadMB  int
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Output    OutputConfig
	OCR       OCRConfig
	Pattern   string
	Manual    ManualConfig
	Redis     RedisConfig
	S3        S3Config
	Mail      MailConfig
	Web       WebConfig
}

// LoadDotEnv reads .env files into the environment when present. Existing
// variables win.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			_ = godotenv.Load(f)
		}
	}
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/invoicesplit.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_invoicesplit",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	home, _ := os.UserHomeDir()
	cfg.Output = OutputConfig{
		ManualRoot:   getEnv("MANUAL_OUTPUT_ROOT", filepath.Join(home, "Downloads", "PrimeTimeLogistics_Invoices")),
		AutoRoot:     getEnv("AUTO_OUTPUT_ROOT", filepath.Join(home, "Downloads", "separated_invoices")),
		ThumbnailDPI: parseFloat(getEnv("THUMBNAIL_DPI", "90"), 90),
		PreviewDPI:   parseFloat(getEnv("PREVIEW_DPI", "240"), 240),
		Rasters:      parseBool(getEnv("AUTO_WRITE_RASTERS", "true")),
	}

	cfg.OCR = OCRConfig{
		Engine:      strings.ToLower(getEnv("OCR_ENGINE", "tesseract")),
		Tesseract:   getEnv("TESSERACT_PATH", "tesseract"),
		Lang:        getEnv("OCR_LANG", "eng"),
		DPI:         parseFloat(getEnv("OCR_DPI", "300"), 300),
		TessdataDir: getEnv("TESSDATA_DIR", ""),
		Grayscale:   parseBool(getEnv("OCR_GRAYSCALE", "true")),
	}

	cfg.Pattern = getEnv("RECOGNIZE_PATTERN", "")

	cfg.Manual = ManualConfig{
		Years:         parseList(getEnv("MANUAL_YEARS", "2026,2027,2028")),
		Clients:       parseList(getEnv("MANUAL_CLIENTS", "ALG,DSV,ICAT,ROCKIT CARGO,RXO")),
		DefaultClient: getEnv("MANUAL_DEFAULT_CLIENT", "ALG"),
	}

	cfg.Redis = RedisConfig{URL: getEnv("REDIS_URL", "")}

	cfg.S3 = S3Config{
		Bucket:    getEnv("EXPORT_S3_BUCKET", ""),
		Prefix:    getEnv("EXPORT_S3_PREFIX", "invoices"),
		Region:    getEnv("EXPORT_S3_REGION", ""),
		Endpoint:  getEnv("EXPORT_S3_ENDPOINT", ""),
		AccessKey: getEnv("EXPORT_S3_ACCESS_KEY", ""),
		SecretKey: getEnv("EXPORT_S3_SECRET_KEY", ""),
		Password:  getEnv("EXPORT_S3_PASSWORD", ""),
	}

	cfg.Mail = MailConfig{
		Host:     getEnv("SMTP_HOST", "mail.primetimeservice123.com"),
		Port:     parseInt(getEnv("SMTP_PORT", "465"), 465),
		Username: getEnv("SMTP_USERNAME", ""),
		Password: getEnv("SMTP_PASSWORD", ""),
		From:     getEnv("MAIL_FROM", ""),
		Subject:  getEnv("MAIL_SUBJECT", "Invoices from PrimeTime"),
		Logo:     getEnv("MAIL_LOGO", ""),
		Timeout:  parseDuration(getEnv("SMTP_TIMEOUT", "30s"), 30*time.Second),
	}
	if cfg.Mail.From == "" {
		cfg.Mail.From = cfg.Mail.Username
	}

	cfg.Web = WebConfig{
		Addr:         getEnv("WEB_ADDR", ":"+getEnv("PORT", "8080")),
		Username:     getEnv("WEB_USERNAME", ""),
		PasswordHash: getEnv("WEB_PASSWORD_HASH", ""),
		MaxUploadMB:  parseInt(getEnv("WEB_MAX_UPLOAD_MB", "200"), 200),
	}

	return cfg
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

// parseList splits a comma separated value, dropping blanks.
func parseList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
