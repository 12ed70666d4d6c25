package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloudlunacy/frontdoor/pkg/errdefs"
)

// File names under the certs directory and per-agent subdirectories.
const (
	CAKeyFile   = "ca.key"
	CACertFile  = "ca.crt"
	CASerialFile = "ca.srl"

	// MongoCALink is the symlink name MongoDB hosts are configured to read.
	MongoCALink = "mongodb-ca.crt"

	AgentKeyFile      = "server.key"
	AgentCertFile     = "server.crt"
	AgentCombinedFile = "server.pem"
	AgentCACopyFile   = "ca.crt"
	AgentCSRFile      = "server.csr"
	AgentExtFile      = "server.ext"
)

const (
	caKeyBits   = 4096
	leafKeyBits = 2048
)

// Authority is the local certificate authority. It is created lazily on
// first Bootstrap and loaded from disk afterwards.
type Authority struct {
	dir string

	caCert *x509.Certificate
	caKey  *rsa.PrivateKey
}

// LeafMaterial is the full output of one leaf issuance.
type LeafMaterial struct {
	// KeyPEM is the agent's private key (written 0600).
	KeyPEM []byte

	// CertPEM is the signed leaf certificate.
	CertPEM []byte

	// CombinedPEM is key followed by leaf, the shape the proxy consumes.
	CombinedPEM []byte

	// CSRPEM is the certificate signing request the leaf was built from.
	CSRPEM []byte

	// ExtText is the SAN extension description kept alongside the agent
	// material for operators diagnosing trust issues on MongoDB hosts.
	ExtText []byte

	// Serial is the leaf serial number in hex.
	Serial string

	// NotAfter is the leaf expiry.
	NotAfter time.Time
}

// NewAuthority creates an authority rooted at dir. Call Bootstrap before
// issuing.
func NewAuthority(dir string) *Authority {
	return &Authority{dir: dir}
}

// Dir returns the authority's root directory.
func (a *Authority) Dir() string {
	return a.dir
}

// CACertPath returns the CA certificate path.
func (a *Authority) CACertPath() string {
	return filepath.Join(a.dir, CACertFile)
}

// Bootstrap loads the CA material, creating it when absent. It is
// idempotent: an existing CA is never replaced. The CA key is written with
// owner-only permissions, and the CA certificate is symlinked under the
// name MongoDB hosts consume.
func (a *Authority) Bootstrap() error {
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return errdefs.Wrap(errdefs.KindCertIO, "cannot create certs directory", err)
	}

	keyPath := filepath.Join(a.dir, CAKeyFile)
	certPath := a.CACertPath()

	if fileExists(keyPath) && fileExists(certPath) {
		if err := a.load(keyPath, certPath); err != nil {
			return err
		}
		return a.ensureMongoLink()
	}

	key, err := rsa.GenerateKey(rand.Reader, caKeyBits)
	if err != nil {
		return errdefs.Wrap(errdefs.KindCertBuild, "cannot generate CA key", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"CloudLunacy Front Door"},
			CommonName:   "CloudLunacy Front Door CA",
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return errdefs.Wrap(errdefs.KindCertBuild, "cannot self-sign CA certificate", err)
	}

	if err := writePEM(keyPath, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0o600); err != nil {
		return err
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0o644); err != nil {
		return err
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return errdefs.Wrap(errdefs.KindCertBuild, "cannot re-parse CA certificate", err)
	}
	a.caCert = cert
	a.caKey = key

	return a.ensureMongoLink()
}

// load reads existing CA material from disk.
func (a *Authority) load(keyPath, certPath string) error {
	keyDER, err := readPEM(keyPath, "RSA PRIVATE KEY")
	if err != nil {
		return err
	}
	key, err := x509.ParsePKCS1PrivateKey(keyDER)
	if err != nil {
		return errdefs.Wrap(errdefs.KindCertBuild, "cannot parse CA key", err)
	}

	certDER, err := readPEM(certPath, "CERTIFICATE")
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return errdefs.Wrap(errdefs.KindCertBuild, "cannot parse CA certificate", err)
	}

	a.caKey = key
	a.caCert = cert
	return nil
}

// ensureMongoLink points mongodb-ca.crt at the CA certificate.
func (a *Authority) ensureMongoLink() error {
	link := filepath.Join(a.dir, MongoCALink)
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	if err := os.Symlink(CACertFile, link); err != nil {
		return errdefs.Wrap(errdefs.KindCertIO, "cannot create mongodb CA symlink", err)
	}
	return nil
}

// CACertPEM returns the CA certificate in PEM form.
func (a *Authority) CACertPEM() ([]byte, error) {
	data, err := os.ReadFile(a.CACertPath())
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCertIO, "cannot read CA certificate", err)
	}
	return data, nil
}

// IssueLeaf generates a key and signed certificate for an agent.
//
// The leaf carries CN=agentID and SAN {targetIP, 127.0.0.1, agentID,
// localhost} so the same certificate serves direct-IP, loopback, and
// SNI-routed connections.
func (a *Authority) IssueLeaf(agentID, targetIP string, validityDays int) (*LeafMaterial, error) {
	if a.caCert == nil || a.caKey == nil {
		return nil, errdefs.New(errdefs.KindCertBuild, "authority not bootstrapped")
	}

	ip := net.ParseIP(targetIP)
	if ip == nil {
		return nil, errdefs.Newf(errdefs.KindValidation, "invalid target IP %q", targetIP)
	}

	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCertBuild, "cannot generate agent key", err)
	}

	dnsNames := []string{agentID, "localhost"}
	ipAddresses := []net.IP{ip, net.ParseIP("127.0.0.1")}

	csrTemplate := x509.CertificateRequest{
		Subject:     pkix.Name{CommonName: agentID},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &csrTemplate, key)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCertBuild, "cannot create CSR", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: agentID},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.AddDate(0, 0, validityDays),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ipAddresses,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCertBuild, "cannot sign agent certificate", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	combined := make([]byte, 0, len(keyPEM)+len(certPEM))
	combined = append(combined, keyPEM...)
	combined = append(combined, certPEM...)

	serialHex := strings.ToUpper(hex.EncodeToString(serial.Bytes()))
	if err := a.recordSerial(serialHex); err != nil {
		return nil, err
	}

	ext := fmt.Sprintf(
		"authorityKeyIdentifier=keyid,issuer\nbasicConstraints=CA:FALSE\nkeyUsage = digitalSignature, keyEncipherment\nsubjectAltName = @alt_names\n\n[alt_names]\nDNS.1 = %s\nDNS.2 = localhost\nIP.1 = %s\nIP.2 = 127.0.0.1\n",
		agentID, targetIP)

	return &LeafMaterial{
		KeyPEM:      keyPEM,
		CertPEM:     certPEM,
		CombinedPEM: combined,
		CSRPEM:      csrPEM,
		ExtText:     []byte(ext),
		Serial:      serialHex,
		NotAfter:    template.NotAfter,
	}, nil
}

// recordSerial writes the last issued serial, mirroring the .srl file a
// command-line CA would keep.
func (a *Authority) recordSerial(serialHex string) error {
	path := filepath.Join(a.dir, CASerialFile)
	if err := os.WriteFile(path, []byte(serialHex+"\n"), 0o644); err != nil {
		return errdefs.Wrap(errdefs.KindCertIO, "cannot write serial file", err)
	}
	return nil
}

// VerifyLeaf checks that certPEM parses, is currently valid, carries the
// expected CN, and is signed by this CA.
func (a *Authority) VerifyLeaf(certPEM []byte, expectCN string) error {
	cert, err := ParseCertificatePEM(certPEM)
	if err != nil {
		return err
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return errdefs.Newf(errdefs.KindCertExpired, "certificate not yet valid (from %s)", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return errdefs.Newf(errdefs.KindCertExpired, "certificate expired on %s", cert.NotAfter.Format(time.RFC3339))
	}
	if cert.Subject.CommonName != expectCN {
		return errdefs.Newf(errdefs.KindCertBuild, "certificate CN %q does not match %q", cert.Subject.CommonName, expectCN)
	}

	pool := x509.NewCertPool()
	pool.AddCert(a.caCert)
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return errdefs.Wrap(errdefs.KindCertBuild, "certificate not signed by local CA", err)
	}
	return nil
}

// ParseCertificatePEM decodes the first CERTIFICATE block in data.
func ParseCertificatePEM(data []byte) (*x509.Certificate, error) {
	for {
		block, rest := pem.Decode(data)
		if block == nil {
			return nil, errdefs.New(errdefs.KindCertBuild, "no certificate block in PEM data")
		}
		if block.Type == "CERTIFICATE" {
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, errdefs.Wrap(errdefs.KindCertBuild, "cannot parse certificate", err)
			}
			return cert, nil
		}
		data = rest
	}
}

// SANIP returns the first non-loopback IP SAN of a certificate, which is
// how the renewal scan recovers an agent's target address.
func SANIP(cert *x509.Certificate) (string, bool) {
	for _, ip := range cert.IPAddresses {
		if !ip.IsLoopback() {
			return ip.String(), true
		}
	}
	return "", false
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCertBuild, "cannot generate serial number", err)
	}
	return serial, nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot create %s", path), err)
	}
	defer f.Close()

	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot write %s", path), err)
	}
	return nil
}

func readPEM(path, blockType string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCertIO, fmt.Sprintf("cannot read %s", path), err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != blockType {
		return nil, errdefs.Newf(errdefs.KindCertBuild, "%s does not contain a %s block", path, blockType)
	}
	return block.Bytes, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
