package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrCertFileRequired   = errors.New("security: tls cert file required")
	ErrKeyFileRequired    = errors.New("security: tls key file required")
	ErrCAFileRequired     = errors.New("security: tls ca file required")
	ErrInvalidMinVersion  = errors.New("security: invalid tls min version")
	ErrInvalidSessionSize = errors.New("security: session cache size must not be negative")
)

// Config is the file form of a TLS configuration.
type Config struct {
	CertFile           string   `toml:"cert_file"`
	KeyFile            string   `toml:"key_file"`
	CAFile             string   `toml:"ca_file"`
	ServerName         string   `toml:"server_name"`
	ALPN               []string `toml:"alpn"`
	InsecureSkipVerify bool     `toml:"insecure_skip_verify"`
	Mutual             bool     `toml:"mutual"`
	MinVersion         string   `toml:"min_version"`
	SessionCacheSize   int      `toml:"session_cache_size"`
}

var versions = map[string]uint16{
	"":    tls.VersionTLS12,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func (c Config) minVersion() (uint16, error) {
	v, ok := versions[strings.TrimSpace(c.MinVersion)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidMinVersion, c.MinVersion)
	}
	return v, nil
}

// ValidateClient checks the fields ClientTLS needs.
func (c Config) ValidateClient() error {
	if _, err := c.minVersion(); err != nil {
		return err
	}
	if c.SessionCacheSize < 0 {
		return ErrInvalidSessionSize
	}
	if strings.TrimSpace(c.ServerName) == "" && !c.InsecureSkipVerify {
		return ErrServerNameRequired
	}
	if c.Mutual {
		if strings.TrimSpace(c.CertFile) == "" {
			return ErrCertFileRequired
		}
		if strings.TrimSpace(c.KeyFile) == "" {
			return ErrKeyFileRequired
		}
	}
	return nil
}

// ValidateServer checks the fields ServerTLS needs.
func (c Config) ValidateServer() error {
	if _, err := c.minVersion(); err != nil {
		return err
	}
	if strings.TrimSpace(c.CertFile) == "" {
		return ErrCertFileRequired
	}
	if strings.TrimSpace(c.KeyFile) == "" {
		return ErrKeyFileRequired
	}
	if c.Mutual && strings.TrimSpace(c.CAFile) == "" {
		return ErrCAFileRequired
	}
	return nil
}

// ClientTLS builds a client tls.Config. A positive SessionCacheSize enables
// resumption through an LRU session cache.
func (c Config) ClientTLS() (*tls.Config, error) {
	if err := c.ValidateClient(); err != nil {
		return nil, err
	}
	minVersion, _ := c.minVersion()
	cfg := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         strings.TrimSpace(c.ServerName),
		InsecureSkipVerify: c.InsecureSkipVerify,
		NextProtos:         c.ALPN,
	}

	if caPath := strings.TrimSpace(c.CAFile); caPath != "" {
		pool, err := loadPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if c.Mutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.SessionCacheSize > 0 {
		cfg.ClientSessionCache = NewLRUSessionCache(c.SessionCacheSize)
	}
	return cfg, nil
}

// ServerTLS builds a server tls.Config. Mutual requires and verifies client
// certificates against CAFile.
func (c Config) ServerTLS() (*tls.Config, error) {
	if err := c.ValidateServer(); err != nil {
		return nil, err
	}
	minVersion, _ := c.minVersion()
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   minVersion,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
		NextProtos:   c.ALPN,
	}
	if c.Mutual {
		pool, err := loadPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("security: parse tls ca bundle: %s", path)
	}
	return pool, nil
}
