package config

// this holds the resolved configuration values from CLI
//
//nolint:lll // readablity
var (
	BackendURL        string // base URL of the venue backend REST API
	BackendToken      string // bearer token for the venue backend
	NatsURL           string // URL of the NATS server, empty disables NATS
	NatsPrefix        string // subject prefix for published messages
	WaitForServices   string // duration to wait for other services to be ready
	LogLevel          string // sets the log level (zap log level values)
	LogFormat         string // text vs json
	LogFilter         string // zapfilter rules, e.g. "*:info debug:control.*"
	EnableTelemetry   bool   // enable telemetry
	TelemetryEndpoint string // endpoint for telemetry, "stdout" uses stdout exporters
	ProfilingPort     int    // port for profiling
	ServerAddr        string // listen addr for HTTP server (insecure)
	TLSServerAddr     string // listen addr for HTTP server (tls)
	TLSCertFile       string // path to TLS certificate
	TLSKeyFile        string // path to TLS key
	TLSCAFile         string // path to TLS CA
	TraefikCerts      string // path to traefik certs file
	TraefikCertDomain string // the domain to lookup within the traefik certs
	TickInterval      string // countdown tick interval
	PollInterval      string // interval for reloading active group users
	RequestTimeout    string // timeout for a single backend write
	CacheExpiration   string // how long names of users and groups are cached
	SessionID         int    // session used by the leaderboard command
	Follow            bool   // keep printing leaderboard updates
	OutputFormat      string // table, json or yaml
)
