package analyzer

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/drainage/fs"
	"github.com/TFMV/drainage/metrics"
)

// DefaultConcurrency bounds parallel artifact fetches per analysis.
const DefaultConcurrency = 8

type options struct {
	accessKey    string
	secretKey    string
	sessionToken string
	region       string
	endpoint     string
	pathStyle    bool

	gateway     fs.Gateway
	concurrency int
	retry       fs.RetryPolicy
	engine      metrics.Config
	logger      zerolog.Logger
	clock       func() time.Time
}

func defaultOptions() options {
	return options{
		concurrency: DefaultConcurrency,
		retry:       fs.DefaultRetryPolicy(),
		engine:      metrics.DefaultConfig(),
		logger:      zerolog.Nop(),
		clock:       time.Now,
	}
}

// Option configures an analysis.
type Option func(*options)

// WithCredentials sets static storage credentials. Without them the
// standard credential chain of the storage client is used.
func WithCredentials(accessKey, secretKey string) Option {
	return func(o *options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
	}
}

// WithSessionToken adds a session token to static credentials.
func WithSessionToken(token string) Option {
	return func(o *options) { o.sessionToken = token }
}

// WithRegion sets the storage region.
func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// WithEndpoint points the storage client at an S3 compatible endpoint,
// either host[:port] or a URL.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithPathStyle forces path style bucket addressing.
func WithPathStyle(enabled bool) Option {
	return func(o *options) { o.pathStyle = enabled }
}

// WithGateway reads through gw instead of a client derived from the path.
func WithGateway(gw fs.Gateway) Option {
	return func(o *options) { o.gateway = gw }
}

// WithConcurrency bounds parallel fetches. Values below 1 are ignored.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithRetryPolicy replaces the storage retry policy.
func WithRetryPolicy(p fs.RetryPolicy) Option {
	return func(o *options) { o.retry = p }
}

// WithEngineConfig replaces the metric thresholds.
func WithEngineConfig(cfg metrics.Config) Option {
	return func(o *options) { o.engine = cfg }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the source of the analysis time.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}
