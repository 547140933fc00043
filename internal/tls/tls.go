// Package tls serves the daemon API over HTTPS from configured files or from a
// self-signed pair generated on first start.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// File names used inside Config.Dir.
const (
	CertName = "tls.crt"
	KeyName  = "tls.key"
	CAName   = "ca.crt"
)

// Config is the [server.tls] section.
type Config struct {
	Enabled      bool          `mapstructure:"enabled"`
	CertFile     string        `mapstructure:"cert_file" validate:"required_with=KeyFile"`
	KeyFile      string        `mapstructure:"key_file" validate:"required_with=CertFile"`
	Dir          string        `mapstructure:"dir"`
	AutoGenerate bool          `mapstructure:"auto_generate"`
	MinVersion   string        `mapstructure:"min_version" validate:"omitempty,oneof=1.2 1.3"`
	Hosts        []string      `mapstructure:"hosts"`
	ValidFor     time.Duration `mapstructure:"valid_for" validate:"gte=0"`
}

// Validate reports a TLS section that is enabled without any certificate source.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" && c.Dir == "" {
		return errors.New("tls enabled but neither cert_file/key_file nor dir is set")
	}
	return nil
}

// Paths returns the certificate and key files Setup will load.
func (c Config) Paths() (cert, key string) {
	if c.CertFile != "" {
		return c.CertFile, c.KeyFile
	}
	return filepath.Join(c.Dir, CertName), filepath.Join(c.Dir, KeyName)
}

// Setup returns nil when TLS is disabled. Explicit files win over Dir; a missing pair in
// Dir is generated when AutoGenerate is set.
func Setup(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	certPath, keyPath := c.Paths()
	if c.CertFile == "" && c.AutoGenerate && !exists(certPath, keyPath) {
		if err := Generate(c.Dir, c.Hosts, c.ValidFor); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}

	kp := &keyPair{certPath: certPath, keyPath: keyPath}
	// fail at startup rather than on the first handshake
	if _, err := kp.get(); err != nil {
		return nil, err
	}
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return kp.get() },
		MinVersion:     minVersion(c.MinVersion),
	}, nil
}

func minVersion(v string) uint16 {
	if v == "1.2" {
		return tls.VersionTLS12
	}
	return tls.VersionTLS13
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// keyPair reloads the pair when the certificate file changes on disk.
type keyPair struct {
	certPath string
	keyPath  string

	mu      sync.Mutex
	cert    *tls.Certificate
	modTime time.Time
}

func (k *keyPair) get() (*tls.Certificate, error) {
	fi, err := os.Stat(k.certPath)
	if err != nil {
		return nil, fmt.Errorf("stat certificate: %w", err)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cert != nil && fi.ModTime().Equal(k.modTime) {
		return k.cert, nil
	}
	cert, err := tls.LoadX509KeyPair(k.certPath, k.keyPath)
	if err != nil {
		if k.cert != nil {
			// a half-written rotation keeps serving the previous pair
			return k.cert, nil
		}
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	k.cert = &cert
	k.modTime = fi.ModTime()
	return k.cert, nil
}
