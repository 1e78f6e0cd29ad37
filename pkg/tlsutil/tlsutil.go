// Package tlsutil builds server tls.Config values for the CoT listener,
// including mutual TLS with an optional client CN allow-list and certificate
// hot reload.
package tlsutil

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/c360/cotrelay/errors"
	"github.com/c360/cotrelay/pkg/security"
)

// LoadServerTLSConfig creates a tls.Config for the CoT listener.
// Returns nil, nil when TLS is disabled.
func LoadServerTLSConfig(cfg security.ServerTLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   ParseTLSVersion(cfg.MinVersion),
	}, nil
}

// LoadServerTLSConfigWithMTLS creates a server tls.Config and applies client
// certificate validation when mtlsCfg is enabled.
func LoadServerTLSConfigWithMTLS(cfg security.ServerTLSConfig, mtlsCfg security.ServerMTLSConfig) (*tls.Config, error) {
	tlsConfig, err := LoadServerTLSConfig(cfg)
	if err != nil || tlsConfig == nil {
		return nil, err
	}

	if !mtlsCfg.Enabled {
		return tlsConfig, nil
	}

	if err := applyMTLSConfig(tlsConfig, mtlsCfg); err != nil {
		return nil, err
	}
	return tlsConfig, nil
}

// LoadServerTLSConfigWithReload is LoadServerTLSConfigWithMTLS plus, when
// cfg.Reload is set, a CertReloader serving the certificate through
// GetCertificate. The returned cleanup stops the watcher and is always
// safe to call.
func LoadServerTLSConfigWithReload(ctx context.Context, cfg security.ServerTLSConfig, logger *slog.Logger) (*tls.Config, func(), error) {
	noop := func() {}

	tlsConfig, err := LoadServerTLSConfigWithMTLS(cfg, cfg.MTLS)
	if err != nil || tlsConfig == nil || !cfg.Reload {
		return tlsConfig, noop, err
	}

	reloader, err := NewCertReloader(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return nil, noop, err
	}
	if err := reloader.Watch(ctx); err != nil {
		_ = reloader.Close()
		return nil, noop, err
	}

	tlsConfig.Certificates = nil
	tlsConfig.GetCertificate = reloader.GetCertificate

	return tlsConfig, func() { _ = reloader.Close() }, nil
}

func applyMTLSConfig(tlsConfig *tls.Config, mtlsCfg security.ServerMTLSConfig) error {
	if len(mtlsCfg.ClientCAFiles) == 0 {
		return errors.WrapFatal(errors.ErrMissingConfig, "tlsutil", "applyMTLSConfig", "load client CA")
	}

	clientCAs := x509.NewCertPool()
	for _, caFile := range mtlsCfg.ClientCAFiles {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return errors.WrapFatal(err, "tlsutil", "applyMTLSConfig",
				fmt.Sprintf("read client CA file %s", caFile))
		}
		if !clientCAs.AppendCertsFromPEM(caPEM) {
			return errors.WrapFatal(
				fmt.Errorf("invalid PEM data"),
				"tlsutil", "applyMTLSConfig",
				fmt.Sprintf("parse client CA certificate from %s", caFile))
		}
	}

	tlsConfig.ClientCAs = clientCAs
	if mtlsCfg.RequireClientCert {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}

	if len(mtlsCfg.AllowedClientCNs) > 0 {
		allowed := append([]string(nil), mtlsCfg.AllowedClientCNs...)
		tlsConfig.VerifyPeerCertificate = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			// Optional mode lets certificate-less clients through; the
			// allow-list only judges certificates that were presented.
			if len(rawCerts) == 0 && !mtlsCfg.RequireClientCert {
				return nil
			}
			return verifyAllowedClientCN(verifiedChains, allowed)
		}
	}

	return nil
}

func verifyAllowedClientCN(chains [][]*x509.Certificate, allowedCNs []string) error {
	if len(chains) == 0 || len(chains[0]) == 0 {
		return fmt.Errorf("no verified certificate chains")
	}

	leafCert := chains[0][0]
	for _, allowedCN := range allowedCNs {
		if leafCert.Subject.CommonName == allowedCN {
			return nil
		}
	}

	return fmt.Errorf("client certificate CN '%s' not in allowed list",
		leafCert.Subject.CommonName)
}

// ParseTLSVersion converts "1.2" or "1.3" to the crypto/tls constant.
// Anything else yields tls.VersionTLS12.
func ParseTLSVersion(version string) uint16 {
	switch version {
	case "1.3":
		return tls.VersionTLS13
	case "1.2":
		return tls.VersionTLS12
	default:
		return tls.VersionTLS12
	}
}

// ValidTLSVersion reports whether version is accepted by configuration.
// Empty means the default.
func ValidTLSVersion(version string) bool {
	switch version {
	case "", "1.2", "1.3":
		return true
	default:
		return false
	}
}
