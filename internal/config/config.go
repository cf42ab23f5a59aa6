package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/adeita/vichat/internal/guard"
	"github.com/adeita/vichat/internal/origin"
)

const (
	envVarPort            = "PORT"
	envVarListenAddr      = "VICHAT_LISTEN_ADDR"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "VICHAT_LOG_FORMAT"
	envVarLogLevel        = "VICHAT_LOG_LEVEL"
	envVarVerbose         = "VICHAT_VERBOSE"
	envVarVerboseLegacy   = "VERBOSE_LOGS"
	envVarShutdownTimeout = "VICHAT_SHUTDOWN_TIMEOUT"
	envVarMode            = "VICHAT_MODE"
	envVarStaticDir       = "VICHAT_STATIC_DIR"

	// Liveness.
	envVarHeartbeatInterval = "HEARTBEAT_INTERVAL"
	envVarSweepInterval     = "SWEEP_INTERVAL"
	envVarInactivityTimeout = "INACTIVITY_TIMEOUT"

	// Abuse guard.
	envVarMaxRoomJoinsPerHour  = "MAX_ROOM_JOINS_PER_HOUR"
	envVarMinMessageInterval   = "MIN_MESSAGE_INTERVAL"
	envVarMaxMessagesPerMinute = "MAX_MESSAGES_PER_MINUTE"
	envVarMaxMessageLength     = "MAX_MESSAGE_LENGTH"
	envVarMinNameLength        = "MIN_NAME_LENGTH"
	envVarMaxNameLength        = "MAX_NAME_LENGTH"
	envVarMaxRoomIDLength      = "MAX_ROOM_ID_LENGTH"

	// Signaling WebSocket hardening.
	envVarMaxConnections                = "MAX_CONNECTIONS"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueue            = "SIGNALING_SEND_QUEUE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultPort                 = 3001
	DefaultListenAddr           = ":3001"
	DefaultShutdown             = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultHeartbeatInterval = 1 * time.Second
	DefaultSweepInterval     = 2 * time.Second
	DefaultInactivityTimeout = 5 * time.Second

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueue            = 64

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "vichat"
)

// DefaultSTUNURL is advertised when no ICE servers are configured.
const DefaultSTUNURL = "stun:stun.l.google.com:19302"

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	Verbose         bool
	ShutdownTimeout time.Duration
	Mode            Mode

	// StaticDir, when set, is served at / for the browser client.
	StaticDir string

	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	InactivityTimeout time.Duration

	MaxRoomJoinsPerHour  int
	MinMessageInterval   time.Duration
	MaxMessagesPerMinute int
	MaxMessageLength     int
	MinNameLength        int
	MaxNameLength        int
	MaxRoomIDLength      int

	// MaxConnections caps concurrent signaling connections. 0 means unlimited.
	MaxConnections int

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueue            int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// GuardLimits returns the abuse guard limits derived from c.
func (c Config) GuardLimits() guard.Limits {
	l := guard.DefaultLimits()
	l.MaxRoomJoinsPerHour = c.MaxRoomJoinsPerHour
	l.MinMessageInterval = c.MinMessageInterval
	l.MaxMessagesPerMinute = c.MaxMessagesPerMinute
	l.MaxMessageLength = c.MaxMessageLength
	l.MinNameLength = c.MinNameLength
	l.MaxNameLength = c.MaxNameLength
	l.MaxRoomIDLength = c.MaxRoomIDLength
	return l
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	envListenAddr, envListenAddrOK := lookup(envVarListenAddr)
	envListenAddrSet := envListenAddrOK && strings.TrimSpace(envListenAddr) != ""
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	port, err := envIntOrDefault(lookup, envVarPort, 0)
	if err != nil {
		return Config{}, err
	}

	verbose := false
	for _, key := range []string{envVarVerboseLegacy, envVarVerbose} {
		raw, ok := lookup(key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", key, raw, err)
		}
		verbose = v
	}

	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	staticDir := envOrDefault(lookup, envVarStaticDir, "")
	ice := iceSources{
		list:           envOrDefault(lookup, envVarICEServers, ""),
		stunURLs:       envOrDefault(lookup, envVarSTUNURLs, ""),
		turnURLs:       envOrDefault(lookup, envVarTURNURLs, ""),
		turnUsername:   envOrDefault(lookup, envVarTURNUsername, ""),
		turnCredential: envOrDefault(lookup, envVarTURNCredential, ""),
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	heartbeatInterval, err := envDurationOrDefault(lookup, envVarHeartbeatInterval, DefaultHeartbeatInterval)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	inactivityTimeout, err := envDurationOrDefault(lookup, envVarInactivityTimeout, DefaultInactivityTimeout)
	if err != nil {
		return Config{}, err
	}

	maxRoomJoinsPerHour, err := envIntOrDefault(lookup, envVarMaxRoomJoinsPerHour, guard.DefaultMaxRoomJoinsPerHour)
	if err != nil {
		return Config{}, err
	}
	minMessageInterval, err := envDurationOrDefault(lookup, envVarMinMessageInterval, guard.DefaultMinMessageInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerMinute, err := envIntOrDefault(lookup, envVarMaxMessagesPerMinute, guard.DefaultMaxMessagesPerMinute)
	if err != nil {
		return Config{}, err
	}
	maxMessageLength, err := envIntOrDefault(lookup, envVarMaxMessageLength, guard.DefaultMaxMessageLength)
	if err != nil {
		return Config{}, err
	}
	minNameLength, err := envIntOrDefault(lookup, envVarMinNameLength, guard.DefaultMinNameLength)
	if err != nil {
		return Config{}, err
	}
	maxNameLength, err := envIntOrDefault(lookup, envVarMaxNameLength, guard.DefaultMaxNameLength)
	if err != nil {
		return Config{}, err
	}
	maxRoomIDLength, err := envIntOrDefault(lookup, envVarMaxRoomIDLength, guard.DefaultMaxRoomIDLength)
	if err != nil {
		return Config{}, err
	}

	maxConnections, err := envIntOrDefault(lookup, envVarMaxConnections, 0)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingSendQueue, err := envIntOrDefault(lookup, envVarSignalingSendQueue, DefaultSignalingSendQueue)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("vichat-signal", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.IntVar(&port, "port", port, "HTTP listen port; shorthand for --listen-addr :PORT (env "+envVarPort+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory with the browser client to serve at / (env "+envVarStaticDir+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.BoolVar(&verbose, "verbose", verbose, "Force debug logging (env "+envVarVerbose+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.DurationVar(&heartbeatInterval, "heartbeat-interval", heartbeatInterval, "Client heartbeat interval advertised in welcome (env "+envVarHeartbeatInterval+")")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "Liveness sweep interval (env "+envVarSweepInterval+")")
	fs.DurationVar(&inactivityTimeout, "inactivity-timeout", inactivityTimeout, "Evict participants without a heartbeat for this long (env "+envVarInactivityTimeout+")")

	fs.IntVar(&maxRoomJoinsPerHour, "max-room-joins-per-hour", maxRoomJoinsPerHour, "Room joins allowed per participant per hour (env "+envVarMaxRoomJoinsPerHour+")")
	fs.DurationVar(&minMessageInterval, "min-message-interval", minMessageInterval, "Minimum time between chat messages (env "+envVarMinMessageInterval+")")
	fs.IntVar(&maxMessagesPerMinute, "max-messages-per-minute", maxMessagesPerMinute, "Chat messages allowed per participant per minute (env "+envVarMaxMessagesPerMinute+")")
	fs.IntVar(&maxMessageLength, "max-message-length", maxMessageLength, "Maximum chat message length in characters (env "+envVarMaxMessageLength+")")
	fs.IntVar(&minNameLength, "min-name-length", minNameLength, "Minimum display name length (env "+envVarMinNameLength+")")
	fs.IntVar(&maxNameLength, "max-name-length", maxNameLength, "Maximum display name length (env "+envVarMaxNameLength+")")
	fs.IntVar(&maxRoomIDLength, "max-room-id-length", maxRoomIDLength, "Maximum room id length (env "+envVarMaxRoomIDLength+")")

	fs.IntVar(&maxConnections, "max-connections", maxConnections, "Maximum concurrent signaling connections (0 = unlimited)")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&signalingSendQueue, "signaling-send-queue", signalingSendQueue, "Outbound messages buffered per connection before dropping (env "+envVarSignalingSendQueue+")")

	fs.StringVar(&ice.list, "ice-servers", ice.list, "ICE server list as YAML or JSON (env "+envVarICEServers+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "Comma-separated STUN URLs (env "+envVarSTUNURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "Comma-separated TURN URLs (env "+envVarTURNURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username (env "+envVarTURNUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential (env "+envVarTURNCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	// PORT only applies when the listen address was not given explicitly.
	if port != 0 && !setFlags["listen-addr"] && (!envListenAddrSet || setFlags["port"]) {
		if port < 0 || port > 65535 {
			return Config{}, fmt.Errorf("%s/--port %d out of range (1-65535)", envVarPort, port)
		}
		listenAddr = net.JoinHostPort("", strconv.Itoa(port))
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	if verbose {
		level = slog.LevelDebug
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if heartbeatInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--heartbeat-interval must be > 0", envVarHeartbeatInterval)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--sweep-interval must be > 0", envVarSweepInterval)
	}
	if inactivityTimeout <= heartbeatInterval {
		return Config{}, fmt.Errorf("%s/--inactivity-timeout must be > %s/--heartbeat-interval", envVarInactivityTimeout, envVarHeartbeatInterval)
	}
	if maxRoomJoinsPerHour <= 0 {
		return Config{}, fmt.Errorf("%s/--max-room-joins-per-hour must be > 0", envVarMaxRoomJoinsPerHour)
	}
	if minMessageInterval < 0 {
		return Config{}, fmt.Errorf("%s/--min-message-interval must be >= 0", envVarMinMessageInterval)
	}
	if maxMessagesPerMinute <= 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-minute must be > 0", envVarMaxMessagesPerMinute)
	}
	if maxMessageLength <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-length must be > 0", envVarMaxMessageLength)
	}
	if minNameLength <= 0 {
		return Config{}, fmt.Errorf("%s/--min-name-length must be > 0", envVarMinNameLength)
	}
	if maxNameLength < minNameLength {
		return Config{}, fmt.Errorf("%s/--max-name-length must be >= %s/--min-name-length", envVarMaxNameLength, envVarMinNameLength)
	}
	if maxRoomIDLength <= 0 {
		return Config{}, fmt.Errorf("%s/--max-room-id-length must be > 0", envVarMaxRoomIDLength)
	}
	if maxConnections < 0 {
		return Config{}, fmt.Errorf("%s/--max-connections must be >= 0", envVarMaxConnections)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingSendQueue <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue must be > 0", envVarSignalingSendQueue)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		Verbose:         verbose,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		StaticDir:       strings.TrimSpace(staticDir),

		HeartbeatInterval: heartbeatInterval,
		SweepInterval:     sweepInterval,
		InactivityTimeout: inactivityTimeout,

		MaxRoomJoinsPerHour:  maxRoomJoinsPerHour,
		MinMessageInterval:   minMessageInterval,
		MaxMessagesPerMinute: maxMessagesPerMinute,
		MaxMessageLength:     maxMessageLength,
		MinNameLength:        minNameLength,
		MaxNameLength:        maxNameLength,
		MaxRoomIDLength:      maxRoomIDLength,

		MaxConnections:                maxConnections,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendQueue:            signalingSendQueue,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := ice.resolve(cfg.TURNREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

// ParseLogLevel parses debug, info, warn or error.
func ParseLogLevel(raw string) (slog.Level, error) {
	return parseLogLevel(raw)
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := origin.NormalizeHeader(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}
