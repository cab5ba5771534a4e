package tokenprovider

import (
	"context"
	"crypto/tls"
	"fmt"
	"path/filepath"
)

// FileCertSource loads each organisation's mTLS client certificate from
// <dir>/<organisationID>.crt and <dir>/<organisationID>.key. Certificates
// are provisioned out of band (per-organisation PKI enrolment); this is the
// on-disk layout that provisioning step is expected to populate.
type FileCertSource struct {
	dir string
}

// NewFileCertSource constructs a FileCertSource rooted at dir.
func NewFileCertSource(dir string) *FileCertSource {
	return &FileCertSource{dir: dir}
}

// ClientCertificate implements CertSource.
func (f *FileCertSource) ClientCertificate(_ context.Context, organisationID string) (tls.Certificate, error) {
	certPath := filepath.Join(f.dir, organisationID+".crt")
	keyPath := filepath.Join(f.dir, organisationID+".key")

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("loading mTLS certificate for organisation %q: %w", organisationID, err)
	}
	return cert, nil
}
