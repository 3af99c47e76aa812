package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMemory   = "memory"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration
	StoreBackend     string

	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64

	LockTTLMS             int
	LockWaitMS            int
	LockRetryMS           int
	BookingLockBucketSec  int
	IntentTTLSeconds      int
	EventQueueSize        int
	UnconfirmedTTLSeconds int
	SweepIntervalSeconds  int
	ReplacementAutoExec   bool
	ReplacementAnyStation bool
	ReplacementPlanTTLSec int
}

func (c Config) LockTTL() time.Duration { return time.Duration(c.LockTTLMS) * time.Millisecond }

func (c Config) LockWait() time.Duration { return time.Duration(c.LockWaitMS) * time.Millisecond }

func (c Config) LockRetry() time.Duration { return time.Duration(c.LockRetryMS) * time.Millisecond }

func (c Config) BookingLockBucket() time.Duration {
	return time.Duration(c.BookingLockBucketSec) * time.Second
}

func (c Config) IntentTTL() time.Duration { return time.Duration(c.IntentTTLSeconds) * time.Second }

func (c Config) UnconfirmedTTL() time.Duration {
	return time.Duration(c.UnconfirmedTTLSeconds) * time.Second
}

func (c Config) ReplacementPlanTTL() time.Duration {
	return time.Duration(c.ReplacementPlanTTLSec) * time.Second
}

func defaults(serviceNameDefault string, httpPortDefault int) Config {
	return Config{
		Env:                   strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:           serviceNameDefault,
		HTTPPort:              httpPortDefault,
		LogLevel:              "info",
		ConfigPath:            strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:      30000,
		StoreBackend:          StoreBackendPostgres,
		JWKSTTLSeconds:        300,
		JWTClockSkewSec:       60,
		DBMaxConns:            10,
		DBMinConns:            1,
		DBConnMaxIdleSec:      300,
		DBConnMaxLifeSec:      1800,
		KafkaRetryMax:         5,
		KafkaWriteMS:          5000,
		AsynqQueue:            "default",
		AsynqConcurrency:      10,
		InfluxTimeoutMS:       5000,
		OtelInsecure:          true,
		OtelSampleRatio:       1.0,
		LockTTLMS:             30000,
		LockWaitMS:            5000,
		LockRetryMS:           50,
		BookingLockBucketSec:  0,
		IntentTTLSeconds:      900,
		EventQueueSize:        1024,
		UnconfirmedTTLSeconds: 1800,
		SweepIntervalSeconds:  60,
		ReplacementPlanTTLSec: 3600,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	cfg := defaults(serviceNameDefault, httpPortDefault)
	problems := make([]Problem, 0, 4)
	envProvided := cfg.Env != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	if fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != ""); ok {
		problems = append(problems, fileProblems...)
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	} else {
		problems = append(problems, fileProblems...)
	}

	applyEnv(&cfg, os.Getenv, &problems)

	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}
	validate(&cfg, httpPortDefault, &problems)
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	// If issuer is set and no explicit JWKS URL is provided, default to issuer/.well-known/jwks.json.
	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if cfg.StoreBackend != StoreBackendPostgres && cfg.StoreBackend != StoreBackendMemory {
		*problems = append(*problems, Problem{Field: "STORE_BACKEND", Message: "STORE_BACKEND must be postgres or memory"})
		cfg.StoreBackend = StoreBackendPostgres
	}
	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}

	positive := []struct {
		field string
		value *int
		def   int
	}{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, 30000},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, 300},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, 10},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, 300},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, 1800},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, 5000},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, 10},
		{"INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, 5000},
		{"LOCK_TTL_MS", &cfg.LockTTLMS, 30000},
		{"LOCK_WAIT_MS", &cfg.LockWaitMS, 5000},
		{"LOCK_RETRY_MS", &cfg.LockRetryMS, 50},
		{"INTENT_TTL_SECONDS", &cfg.IntentTTLSeconds, 900},
		{"EVENT_QUEUE_SIZE", &cfg.EventQueueSize, 1024},
		{"UNCONFIRMED_CONTRACT_TTL_SECONDS", &cfg.UnconfirmedTTLSeconds, 1800},
		{"CONTRACT_SWEEP_INTERVAL_SECONDS", &cfg.SweepIntervalSeconds, 60},
		{"REPLACEMENT_PLAN_TTL_SECONDS", &cfg.ReplacementPlanTTLSec, 3600},
	}
	for _, p := range positive {
		if *p.value <= 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be > 0"})
			*p.value = p.def
		}
	}

	nonNegative := []struct {
		field string
		value *int
		def   int
	}{
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, 60},
		{"DB_MIN_CONNS", &cfg.DBMinConns, 1},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, 5},
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0},
		{"BOOKING_LOCK_BUCKET_SECONDS", &cfg.BookingLockBucketSec, 0},
	}
	for _, p := range nonNegative {
		if *p.value < 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be >= 0"})
			*p.value = p.def
		}
	}

	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.LockWaitMS > cfg.LockTTLMS {
		*problems = append(*problems, Problem{Field: "LOCK_WAIT_MS", Message: "LOCK_WAIT_MS must be <= LOCK_TTL_MS"})
		cfg.LockWaitMS = cfg.LockTTLMS
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
}

type fieldKind int

const (
	kindString fieldKind = iota
	kindSecret
	kindInt
	kindBool
	kindFloat
	kindCSV
)

type binding struct {
	key  string
	kind fieldKind
	ptr  any
}

func bindings(cfg *Config) []binding {
	return []binding{
		{"SERVICE_NAME", kindString, &cfg.ServiceName},
		{"HTTP_PORT", kindInt, &cfg.HTTPPort},
		{"LOG_LEVEL", kindString, &cfg.LogLevel},
		{"REQUEST_TIMEOUT_MS", kindInt, &cfg.RequestTimeoutMS},
		{"STORE_BACKEND", kindString, &cfg.StoreBackend},
		{"OIDC_ISSUER", kindString, &cfg.OIDCIssuer},
		{"OIDC_AUDIENCE", kindString, &cfg.OIDCAudience},
		{"OIDC_JWKS_URL", kindString, &cfg.OIDCJWKSURL},
		{"JWKS_CACHE_TTL_SECONDS", kindInt, &cfg.JWKSTTLSeconds},
		{"JWT_CLOCK_SKEW_SECONDS", kindInt, &cfg.JWTClockSkewSec},
		{"DATABASE_URL", kindString, &cfg.DatabaseURL},
		{"DB_MAX_CONNS", kindInt, &cfg.DBMaxConns},
		{"DB_MIN_CONNS", kindInt, &cfg.DBMinConns},
		{"DB_CONN_MAX_IDLE_SECONDS", kindInt, &cfg.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", kindInt, &cfg.DBConnMaxLifeSec},
		{"KAFKA_BROKERS", kindCSV, &cfg.KafkaBrokers},
		{"KAFKA_CLIENT_ID", kindString, &cfg.KafkaClientID},
		{"KAFKA_CONSUMER_GROUP", kindString, &cfg.KafkaGroupID},
		{"KAFKA_RETRY_MAX", kindInt, &cfg.KafkaRetryMax},
		{"KAFKA_WRITE_TIMEOUT_MS", kindInt, &cfg.KafkaWriteMS},
		{"REDIS_ADDR", kindString, &cfg.RedisAddr},
		{"REDIS_PASSWORD", kindSecret, &cfg.RedisPassword},
		{"REDIS_DB", kindInt, &cfg.RedisDB},
		{"ASYNQ_REDIS_ADDR", kindString, &cfg.AsynqRedisAddr},
		{"ASYNQ_REDIS_PASSWORD", kindSecret, &cfg.AsynqRedisPass},
		{"ASYNQ_REDIS_DB", kindInt, &cfg.AsynqRedisDB},
		{"ASYNQ_QUEUE", kindString, &cfg.AsynqQueue},
		{"ASYNQ_CONCURRENCY", kindInt, &cfg.AsynqConcurrency},
		{"INFLUX_URL", kindString, &cfg.InfluxURL},
		{"INFLUX_TOKEN", kindSecret, &cfg.InfluxToken},
		{"INFLUX_ORG", kindString, &cfg.InfluxOrg},
		{"INFLUX_BUCKET", kindString, &cfg.InfluxBucket},
		{"INFLUX_TIMEOUT_MS", kindInt, &cfg.InfluxTimeoutMS},
		{"OTEL_ENABLED", kindBool, &cfg.OtelEnabled},
		{"OTEL_EXPORTER_OTLP_ENDPOINT", kindString, &cfg.OtelEndpoint},
		{"OTEL_EXPORTER_OTLP_INSECURE", kindBool, &cfg.OtelInsecure},
		{"OTEL_SAMPLE_RATIO", kindFloat, &cfg.OtelSampleRatio},
		{"LOCK_TTL_MS", kindInt, &cfg.LockTTLMS},
		{"LOCK_WAIT_MS", kindInt, &cfg.LockWaitMS},
		{"LOCK_RETRY_MS", kindInt, &cfg.LockRetryMS},
		{"BOOKING_LOCK_BUCKET_SECONDS", kindInt, &cfg.BookingLockBucketSec},
		{"INTENT_TTL_SECONDS", kindInt, &cfg.IntentTTLSeconds},
		{"EVENT_QUEUE_SIZE", kindInt, &cfg.EventQueueSize},
		{"UNCONFIRMED_CONTRACT_TTL_SECONDS", kindInt, &cfg.UnconfirmedTTLSeconds},
		{"CONTRACT_SWEEP_INTERVAL_SECONDS", kindInt, &cfg.SweepIntervalSeconds},
		{"REPLACEMENT_AUTO_EXECUTE", kindBool, &cfg.ReplacementAutoExec},
		{"REPLACEMENT_ANY_STATION", kindBool, &cfg.ReplacementAnyStation},
		{"REPLACEMENT_PLAN_TTL_SECONDS", kindInt, &cfg.ReplacementPlanTTLSec},
	}
}

func applyEnv(cfg *Config, getenv func(string) string, problems *[]Problem) {
	for _, b := range bindings(cfg) {
		raw := getenv(b.key)
		if b.kind != kindSecret {
			raw = strings.TrimSpace(raw)
		}
		if raw == "" {
			continue
		}
		if !assign(b, raw) {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be " + kindLabel(b.kind)})
		}
	}

	// PORT is honoured as a fallback for platforms that only inject PORT.
	if strings.TrimSpace(getenv("HTTP_PORT")) == "" {
		if v := strings.TrimSpace(getenv("PORT")); v != "" {
			if p, err := strconv.Atoi(v); err != nil || p <= 0 || p > 65535 {
				*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
			} else {
				cfg.HTTPPort = p
			}
		}
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	index := make(map[string]binding)
	for _, b := range bindings(cfg) {
		index[b.key] = b
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "ENV" {
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		}
		b, ok := index[key]
		if !ok {
			continue
		}
		if !assign(b, v) {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be " + kindLabel(b.kind)})
		}
	}
}

func assign(b binding, v any) bool {
	switch b.kind {
	case kindString:
		s, ok := v.(string)
		if !ok {
			return false
		}
		if s = strings.TrimSpace(s); s != "" {
			*(b.ptr.(*string)) = s
		}
		return true
	case kindSecret:
		s, ok := v.(string)
		if ok {
			*(b.ptr.(*string)) = s
		}
		return ok
	case kindInt:
		n, ok := asInt(v)
		if ok {
			*(b.ptr.(*int)) = n
		}
		return ok
	case kindBool:
		var bv, ok bool
		switch t := v.(type) {
		case bool:
			bv, ok = t, true
		case string:
			bv, ok = asBool(t)
		}
		if ok {
			*(b.ptr.(*bool)) = bv
		}
		return ok
	case kindFloat:
		f, ok := asFloat(v)
		if ok {
			*(b.ptr.(*float64)) = f
		}
		return ok
	case kindCSV:
		switch t := v.(type) {
		case string:
			*(b.ptr.(*[]string)) = parseCSV(t)
			return true
		case []any:
			*(b.ptr.(*[]string)) = parseAnyCSV(t)
			return true
		}
		return false
	}
	return false
}

func kindLabel(k fieldKind) string {
	switch k {
	case kindInt:
		return "an integer"
	case kindBool:
		return "a boolean"
	case kindFloat:
		return "a number"
	case kindCSV:
		return "a list"
	default:
		return "a string"
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && !errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
