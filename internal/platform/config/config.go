package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultPayPalMode           = "test"
	defaultPayPalSolutionType   = "Mark"
	defaultPayPalHTTPTimeout    = 30 * time.Second
	defaultSecurityEnvironment  = "local"
	defaultOIDCJWKSURL          = "https://www.googleapis.com/oauth2/v3/certs"
	defaultSecurityIssuer       = "https://accounts.google.com"
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultIPNDedupeTTL         = 72 * time.Hour
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server      ServerConfig
	PayPal      PayPalConfig
	Checkout    CheckoutConfig
	Firestore   FirestoreConfig
	PubSub      PubSubConfig
	Storage     StorageConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// PayPalConfig holds the NVP credentials and checkout flow options.
type PayPalConfig struct {
	APIUsername           string
	APIPassword           string
	Signature             string
	SolutionType          string
	Mode                  string
	ReferenceTransactions bool
	BillingAgreementDesc  string
	HTTPTimeout           time.Duration
	NotifyURL             string
	IPNDedupeTTL          time.Duration
}

// CheckoutConfig controls the buyer facing redirect flow.
type CheckoutConfig struct {
	PublicBaseURL string
	Capture       bool
}

// FirestoreConfig stores database parameters. An empty project selects in-memory repositories.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig selects the topic receiving payment state events.
type PubSubConfig struct {
	ProjectID          string
	PaymentEventsTopic string
}

// StorageConfig lists bucket names used by the application.
type StorageConfig struct {
	IPNArchiveBucket string
}

// SecurityConfig groups server-to-server authentication settings.
type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
}

// OIDCConfig controls Google-signed token verification.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

func defaultLoaderOptions() loaderOptions {
	return loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PayPal.Signature") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the configuration from defaults, the .env file, the process environment, the
// explicit env map and secret references, in increasing precedence.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultLoaderOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.secret == nil {
		options.secret = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		})
	}

	lookup, err := newLookup(options)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "API_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		PayPal: PayPalConfig{
			APIUsername:           stringWithDefault(lookup, "API_PAYPAL_API_USERNAME", ""),
			APIPassword:           stringWithDefault(lookup, "API_PAYPAL_API_PASSWORD", ""),
			Signature:             stringWithDefault(lookup, "API_PAYPAL_SIGNATURE", ""),
			SolutionType:          stringWithDefault(lookup, "API_PAYPAL_SOLUTION_TYPE", defaultPayPalSolutionType),
			Mode:                  strings.ToLower(stringWithDefault(lookup, "API_PAYPAL_MODE", defaultPayPalMode)),
			ReferenceTransactions: boolWithDefault(lookup, "API_PAYPAL_REFERENCE_TRANSACTIONS", false),
			BillingAgreementDesc:  stringWithDefault(lookup, "API_PAYPAL_BA_DESC", ""),
			HTTPTimeout:           durationWithDefault(lookup, "API_PAYPAL_HTTP_TIMEOUT", defaultPayPalHTTPTimeout),
			NotifyURL:             stringWithDefault(lookup, "API_PAYPAL_NOTIFY_URL", ""),
			IPNDedupeTTL:          durationWithDefault(lookup, "API_PAYPAL_IPN_DEDUPE_TTL", defaultIPNDedupeTTL),
		},
		Checkout: CheckoutConfig{
			PublicBaseURL: strings.TrimRight(stringWithDefault(lookup, "API_CHECKOUT_PUBLIC_BASE_URL", ""), "/"),
			Capture:       boolWithDefault(lookup, "API_CHECKOUT_CAPTURE", false),
		},
		Firestore: FirestoreConfig{
			ProjectID:    stringWithDefault(lookup, "API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: stringWithDefault(lookup, "API_FIRESTORE_EMULATOR_HOST", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:          stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			PaymentEventsTopic: stringWithDefault(lookup, "API_PUBSUB_PAYMENT_EVENTS_TOPIC", ""),
		},
		Storage: StorageConfig{
			IPNArchiveBucket: stringWithDefault(lookup, "API_STORAGE_IPN_ARCHIVE_BUCKET", ""),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(stringWithDefault(lookup, "API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   stringWithDefault(lookup, "API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  stringWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: mapWithDefault(lookup, "API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   csvWithDefault(lookup, "API_SECURITY_OIDC_ISSUERS"),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
	}

	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if len(cfg.Security.OIDC.Issuers) == 0 {
		cfg.Security.OIDC.Issuers = []string{defaultSecurityIssuer}
	}
	if cfg.Security.OIDC.Audience == "" {
		if audience, ok := cfg.Security.OIDC.Audiences[cfg.Security.Environment]; ok {
			cfg.Security.OIDC.Audience = audience
		}
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PayPal.APIUsername", &cfg.PayPal.APIUsername},
		{"PayPal.APIPassword", &cfg.PayPal.APIPassword},
		{"PayPal.Signature", &cfg.PayPal.Signature},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = strings.TrimSpace(value)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

// UsesFirestore reports whether persistence should go to Firestore instead of memory.
func (c Config) UsesFirestore() bool {
	return strings.TrimSpace(c.Firestore.ProjectID) != ""
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	}
	if strings.TrimSpace(cfg.PayPal.APIUsername) == "" {
		invalid = append(invalid, "PayPal.APIUsername")
	}
	if strings.TrimSpace(cfg.PayPal.APIPassword) == "" {
		invalid = append(invalid, "PayPal.APIPassword")
	}
	if strings.TrimSpace(cfg.PayPal.Signature) == "" {
		invalid = append(invalid, "PayPal.Signature")
	}
	switch cfg.PayPal.Mode {
	case "test", "live":
	default:
		invalid = append(invalid, "PayPal.Mode")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.PayPal.SolutionType)) {
	case "mark", "solelogin", "solebilling":
	default:
		invalid = append(invalid, "PayPal.SolutionType")
	}
	if cfg.PayPal.HTTPTimeout <= 0 {
		invalid = append(invalid, "PayPal.HTTPTimeout")
	}
	if cfg.PayPal.IPNDedupeTTL <= 0 {
		invalid = append(invalid, "PayPal.IPNDedupeTTL")
	}
	if !isAbsoluteURL(cfg.Checkout.PublicBaseURL) {
		invalid = append(invalid, "Checkout.PublicBaseURL")
	}
	if cfg.PayPal.NotifyURL != "" && !isAbsoluteURL(cfg.PayPal.NotifyURL) {
		invalid = append(invalid, "PayPal.NotifyURL")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		invalid = append(invalid, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		invalid = append(invalid, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		invalid = append(invalid, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		invalid = append(invalid, "Idempotency.CleanupBatchSize")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

func isAbsoluteURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}
