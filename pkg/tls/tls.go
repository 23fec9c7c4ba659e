// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls builds server TLS configurations for the MQTT listeners.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"os"
)

var (
	errTLSdetails   = errors.New("failed to get TLS details of connection")
	errLoadCerts    = errors.New("failed to load certificates")
	errLoadClientCA = errors.New("failed to load Client CA")
	errAppendCA     = errors.New("failed to append client CA to tls.Config")
	errKeyPair      = errors.New("cert_file and key_file must be set together")
)

type Config struct {
	CertFile     string `yaml:"cert_file"`
	KeyFile      string `yaml:"key_file"`
	ClientCAFile string `yaml:"ca_file"` // requires client certificates when set
}

// Enabled reports whether a server certificate is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || c.KeyFile != ""
}

// Validate checks the fields for consistency without touching the files.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errKeyPair
	}
	if c.ClientCAFile != "" && c.CertFile == "" {
		return errors.New("ca_file requires cert_file and key_file")
	}
	return nil
}

// LoadTLSConfig returns the server TLS configuration, or nil when no
// certificate is configured.
func LoadTLSConfig(c *Config) (*tls.Config, error) {
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, nil
	}

	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, errors.Join(errLoadCerts, err)
	}

	clientCA, err := loadCertFile(c.ClientCAFile)
	if err != nil {
		return nil, errors.Join(errLoadClientCA, err)
	}

	config := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		},
		Certificates: []tls.Certificate{certificate},
	}

	if len(clientCA) > 0 {
		config.ClientCAs = x509.NewCertPool()
		if !config.ClientCAs.AppendCertsFromPEM(clientCA) {
			return nil, errAppendCA
		}
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config, nil
}

// ClientCert returns the peer certificate of a TLS connection. Plain
// connections and TLS connections without a client certificate yield a
// zero certificate.
func ClientCert(conn net.Conn) (x509.Certificate, error) {
	tc, ok := conn.(*tls.Conn)
	if !ok {
		return x509.Certificate{}, nil
	}
	if err := tc.Handshake(); err != nil {
		return x509.Certificate{}, err
	}
	state := tc.ConnectionState()
	if state.Version == 0 {
		return x509.Certificate{}, errTLSdetails
	}
	if len(state.PeerCertificates) == 0 {
		return x509.Certificate{}, nil
	}
	return *state.PeerCertificates[0], nil
}

// SecurityStatus describes a TLS configuration for logging.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	if len(c.Certificates) == 0 {
		ret = "no server certificates"
	}
	if c.ClientCAs != nil {
		ret += " and " + c.ClientAuth.String()
	}
	return ret
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
