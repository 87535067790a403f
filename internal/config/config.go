// Package config supplies typed, environment-driven settings for the
// policy enforcement gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AuthMode selects how the gateway derives caller identity.
type AuthMode string

const (
	// AuthModeOIDC validates a bearer token against a JWKS and derives
	// tenant/subject/roles from its claims.
	AuthModeOIDC AuthMode = "oidc"
	// AuthModeOff trusts the X-Tenant (and optional X-Subject) headers
	// directly; no token is validated and RBAC is not enforced.
	AuthModeOff AuthMode = "off"
)

// Settings is the full set of typed configuration consumed by the gateway.
type Settings struct {
	AppName  string
	LogLevel string

	ListenHost string
	ListenPort int

	TargetBaseURL      string
	RequestTimeout     time.Duration
	CORSAllowedOrigins []string

	AuthEnabled bool
	AuthMode    AuthMode

	OIDCIssuer     string
	OIDCAudience   string
	OIDCAlgorithms []string

	JWKSURI  string
	JWKSJSON string

	TenantClaim string
	RoleClaim   string

	RBACViewerAliases      string
	RBACContributorAliases string
	RBACAdminAliases       string
	RBACDefaultDeny        bool

	TenantTagKey string
}

// fileOverlay is the shape of the optional GW_CONFIG_FILE YAML document.
// Only fields that are awkward to express as flat env vars live here;
// everything else is env-only, matching gateway/config.py's flat surface.
type fileOverlay struct {
	RBACViewerAliases      string `yaml:"rbac_viewer_aliases"`
	RBACContributorAliases string `yaml:"rbac_contributor_aliases"`
	RBACAdminAliases       string `yaml:"rbac_admin_aliases"`
	JWKSJSON               string `yaml:"jwks_json"`
}

// AuthActive reports whether the gateway performs token validation and RBAC
// for this configuration, per spec.md §6: "authentication is active iff
// auth_enabled AND auth_mode != off".
func (s *Settings) AuthActive() bool {
	return s.AuthEnabled && s.AuthMode != AuthModeOff
}

// Addr returns the host:port pair the HTTP server should bind to.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.ListenHost, s.ListenPort)
}

// Load reads settings from the environment (and, if GW_CONFIG_FILE is set,
// an optional YAML overlay), applying the same defaults as
// gateway/config.py. It validates the minimum viable configuration and
// returns an error describing the first problem found.
func Load() (*Settings, error) {
	s := &Settings{
		AppName:        getenvAlias("APP_NAME", "mlflow-policy-enforcement-gateway"),
		LogLevel:       getenvAlias("LOG_LEVEL", "INFO"),
		ListenHost:     getenvAlias("LISTEN_HOST", "0.0.0.0"),
		TargetBaseURL:  getenvAlias("TARGET_BASE_URL", "http://mlflow:5000"),
		TenantClaim:    getenvAlias("TENANT_CLAIM", "tenant_id"),
		RoleClaim:      getenvAlias("ROLE_CLAIM", "roles"),
		TenantTagKey:   getenvAlias("TENANT_TAG_KEY", "tenant"),
		AuthMode:       AuthMode(strings.ToLower(getenvAlias("AUTH_MODE", string(AuthModeOIDC)))),
		AuthEnabled:    true,
		OIDCAlgorithms: []string{"RS256"},
	}

	if v, ok := lookupAlias("AUTH_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid AUTH_ENABLED %q: %w", v, err)
		}
		s.AuthEnabled = b
	}

	if v, ok := lookupAlias("LISTEN_PORT"); ok {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid LISTEN_PORT %q: %w", v, err)
		}
		s.ListenPort = p
	} else {
		s.ListenPort = 8000
	}

	timeoutSeconds := 30.0
	if v, ok := lookupAlias("REQUEST_TIMEOUT_SECONDS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid REQUEST_TIMEOUT_SECONDS %q: %w", v, err)
		}
		timeoutSeconds = f
	}
	s.RequestTimeout = time.Duration(timeoutSeconds * float64(time.Second))

	s.OIDCIssuer = getenvAlias("OIDC_ISSUER", "")
	s.OIDCAudience = getenvAlias("OIDC_AUDIENCE", "")
	if v, ok := lookupAlias("OIDC_ALGORITHMS"); ok {
		s.OIDCAlgorithms = splitCSV(v)
	}

	s.JWKSURI = getenvAlias("JWKS_URI", "")
	s.JWKSJSON = getenvAlias("JWKS_JSON", "")

	s.RBACViewerAliases = getenvAlias("RBAC_VIEWER_ALIASES", "")
	s.RBACContributorAliases = getenvAlias("RBAC_CONTRIBUTOR_ALIASES", "")
	s.RBACAdminAliases = getenvAlias("RBAC_ADMIN_ALIASES", "")
	if v, ok := lookupAlias("RBAC_DEFAULT_DENY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid RBAC_DEFAULT_DENY %q: %w", v, err)
		}
		s.RBACDefaultDeny = b
	}

	if v, ok := lookupAlias("CORS_ALLOWED_ORIGINS"); ok && v != "" {
		s.CORSAllowedOrigins = splitCSV(v)
	}

	if path := os.Getenv("GW_CONFIG_FILE"); path != "" {
		if err := applyFileOverlay(s, path); err != nil {
			return nil, err
		}
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if strings.TrimSpace(s.TargetBaseURL) == "" {
		return fmt.Errorf("config: target_base_url is required")
	}
	if s.AuthMode != AuthModeOIDC && s.AuthMode != AuthModeOff {
		return fmt.Errorf("config: invalid auth_mode %q (must be %q or %q)", s.AuthMode, AuthModeOIDC, AuthModeOff)
	}
	if s.AuthActive() && s.JWKSURI == "" && s.JWKSJSON == "" {
		return fmt.Errorf("config: jwks_uri or jwks_json is required when auth is active")
	}
	return nil
}

func applyFileOverlay(s *Settings, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading GW_CONFIG_FILE %q: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parsing GW_CONFIG_FILE %q: %w", path, err)
	}
	if overlay.RBACViewerAliases != "" {
		s.RBACViewerAliases = overlay.RBACViewerAliases
	}
	if overlay.RBACContributorAliases != "" {
		s.RBACContributorAliases = overlay.RBACContributorAliases
	}
	if overlay.RBACAdminAliases != "" {
		s.RBACAdminAliases = overlay.RBACAdminAliases
	}
	if overlay.JWKSJSON != "" {
		s.JWKSJSON = overlay.JWKSJSON
	}
	return nil
}

// getenvAlias reads GW_<name> first, falling back to the bare <name>, then
// def, mirroring gateway/config.py's AliasChoices("GW_X", "X") pattern.
func getenvAlias(name, def string) string {
	if v, ok := lookupAlias(name); ok {
		return v
	}
	return def
}

func lookupAlias(name string) (string, bool) {
	if v, ok := os.LookupEnv("GW_" + name); ok {
		return v, true
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, true
	}
	return "", false
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
