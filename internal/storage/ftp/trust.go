package ftp

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
)

// TrustedCertificate is a pinned server certificate fingerprint.
type TrustedCertificate struct {
	Fingerprint string    `json:"fingerprint"`
	TrustedAt   time.Time `json:"trusted_at"`
}

// TrustStore pins server certificates on first use. Fingerprints are SHA-256
// hashes of the leaf certificate keyed by "host:port" and persisted as JSON.
type TrustStore struct {
	mu      sync.Mutex
	path    string
	trusted map[string]TrustedCertificate
	logger  *zap.Logger
}

// LoadTrustStore loads the fingerprint file at path. A missing file yields an
// empty store.
func LoadTrustStore(path string, logger *zap.Logger) (*TrustStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &TrustStore{
		path:    path,
		trusted: make(map[string]TrustedCertificate),
		logger:  logger.Named("trust"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read fingerprint file: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.trusted); err != nil {
		return nil, fmt.Errorf("failed to parse fingerprint file: %w", err)
	}
	return s, nil
}

// Fingerprint returns the uppercase hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify accepts the certificate when it matches the pinned fingerprint, or
// pins it when the host has never been seen.
func (s *TrustStore) Verify(hostPort string, der []byte) error {
	fingerprint := Fingerprint(der)

	s.mu.Lock()
	defer s.mu.Unlock()

	if trusted, ok := s.trusted[hostPort]; ok {
		if trusted.Fingerprint == fingerprint {
			return nil
		}
		s.logger.Warn("certificate fingerprint mismatch",
			zap.String("server", hostPort),
			zap.String("expected", trusted.Fingerprint),
			zap.String("actual", fingerprint))
		return errors.NewError(errors.ErrCodeCertificateChange, "server certificate does not match pinned fingerprint").
			WithComponent(component).
			WithServer(hostPort).
			WithDetail("expected", trusted.Fingerprint).
			WithDetail("actual", fingerprint)
	}

	s.logger.Info("trusting new certificate",
		zap.String("server", hostPort),
		zap.String("fingerprint", fingerprint))
	s.trusted[hostPort] = TrustedCertificate{Fingerprint: fingerprint, TrustedAt: time.Now().UTC()}
	return s.saveLocked()
}

// Remove forgets the pinned certificate of hostPort.
func (s *TrustStore) Remove(hostPort string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trusted, hostPort)
	return s.saveLocked()
}

// Trusted returns a copy of the pinned certificates.
func (s *TrustStore) Trusted() map[string]TrustedCertificate {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TrustedCertificate, len(s.trusted))
	for k, v := range s.trusted {
		out[k] = v
	}
	return out
}

// VerifyConnection returns a tls.Config hook that pins hostPort.
func (s *TrustStore) VerifyConnection(hostPort string) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return fmt.Errorf("server presented no certificate")
		}
		return s.Verify(hostPort, cs.PeerCertificates[0].Raw)
	}
}

func (s *TrustStore) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("failed to create fingerprint directory: %w", err)
	}
	data, err := json.MarshalIndent(s.trusted, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal fingerprints: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write fingerprint file: %w", err)
	}
	return nil
}
