package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/xssguard/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading env vars.
const EnvPrefix = "XSSGUARD_"

type App struct {
	LogJSON         bool
	LogLevel        string
	StacktraceLevel string
	HTTPPort        int
	AdminPort       int
	EnablePprof     bool
	EnablePyroscope bool
	EnableTracing   bool
	PyroServer      string
	PyroTenantID    string
	OTLPEndpoint    string
	TraceSample     float64

	ContextPath         string
	MaxBodyBytes        int64
	MultipartMaxMemory  int64
	EscapeArrayElements bool

	RulesFile          string
	RulesWatch         bool
	RulesS3Bucket      string
	RulesS3Prefix      string
	RulesSSMParam      string
	RulesSigningKeyARN string
	RulesPollInterval  time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")

	fs.StringVar(&c.ContextPath, "context-path", "", "path prefix the app is mounted under, stripped before rule matching")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "maximum request body size in bytes")
	fs.Int64Var(&c.MultipartMaxMemory, "multipart-max-memory", 32<<20, "bytes of a multipart form kept in memory before spilling to disk")
	fs.BoolVar(&c.EscapeArrayElements, "escape-array-elements", false, "also escape bare strings inside JSON arrays")

	fs.StringVar(&c.RulesFile, "rules-file", "", "path to a local rules YAML document")
	fs.BoolVar(&c.RulesWatch, "rules-watch", true, "reload -rules-file when it changes")
	fs.StringVar(&c.RulesS3Bucket, "rules-s3-bucket", "", "s3 bucket holding content-addressed rules documents")
	fs.StringVar(&c.RulesS3Prefix, "rules-s3-prefix", "xssguard/rules", "s3 prefix (key) of rules documents")
	fs.StringVar(&c.RulesSSMParam, "rules-ssm-param", "", "ssm parameter holding the sha256 of the active rules document")
	fs.StringVar(&c.RulesSigningKeyARN, "rules-signing-key-arn", "", "KMS key ARN for rules document signature verification")
	fs.DurationVar(&c.RulesPollInterval, "rules-poll-interval", 60*time.Second, "how often to check the rules pointer in SSM")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// RulesFromS3 reports whether rules come from S3 rather than a file.
func (c App) RulesFromS3() bool { return c.RulesS3Bucket != "" || c.RulesSSMParam != "" }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// grpc exporter wants host:port, no scheme
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Filtering
	if c.ContextPath != "" {
		if !strings.HasPrefix(c.ContextPath, "/") || strings.HasSuffix(c.ContextPath, "/") {
			errs = append(errs, fmt.Errorf("CONTEXT_PATH must start with / and not end with / (got %q)", c.ContextPath))
		}
	}
	if c.MaxBodyBytes < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be > 0)", c.MaxBodyBytes))
	}
	if c.MultipartMaxMemory < 1 {
		errs = append(errs, fmt.Errorf("invalid MULTIPART_MAX_MEMORY %d (must be > 0)", c.MultipartMaxMemory))
	}

	// Rules source
	if c.RulesFile != "" && c.RulesFromS3() {
		errs = append(errs, fmt.Errorf("RULES_FILE and RULES_S3_BUCKET/RULES_SSM_PARAM are mutually exclusive"))
	}
	if c.RulesFromS3() {
		if c.RulesS3Bucket == "" {
			errs = append(errs, fmt.Errorf("RULES_S3_BUCKET is required with RULES_SSM_PARAM"))
		}
		if c.RulesSSMParam == "" {
			errs = append(errs, fmt.Errorf("RULES_SSM_PARAM is required with RULES_S3_BUCKET"))
		}
		if c.RulesPollInterval < time.Second {
			errs = append(errs, fmt.Errorf("RULES_POLL_INTERVAL must be at least 1s (got %s)", c.RulesPollInterval))
		}
	}
	if c.RulesSigningKeyARN != "" && !c.RulesFromS3() {
		errs = append(errs, fmt.Errorf("RULES_SIGNING_KEY_ARN only applies to S3 rules"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
