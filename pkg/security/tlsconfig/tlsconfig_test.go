package tlsconfig

import (
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/tls"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
)

// writePair writes a self-signed certificate usable as CA, server and client.
func writePair(t *testing.T, dir string) (certFile, keyFile string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    require.NoError(t, err)
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "discovery-test"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        DNSNames:              []string{"localhost"},
        IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    require.NoError(t, err)
    kder, err := x509.MarshalECPrivateKey(key)
    require.NoError(t, err)
    certFile, keyFile = filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")
    require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
    require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kder}), 0o600))
    return certFile, keyFile
}

func TestDisabledReturnsNil(t *testing.T) {
    s, err := Options{}.Server()
    require.NoError(t, err)
    require.Nil(t, s)
    c, err := Options{}.Client()
    require.NoError(t, err)
    require.Nil(t, c)
}

func TestServerNeedsPair(t *testing.T) {
    _, err := Options{Enable: true}.Server()
    require.ErrorIs(t, err, errServerCert)
    require.Error(t, Options{Enable: true, CertFile: "x"}.Validate())
}

func TestMutualHandshake(t *testing.T) {
    cert, key := writePair(t, t.TempDir())
    o := Options{Enable: true, CAFile: cert, CertFile: cert, KeyFile: key, ServerName: "localhost"}
    require.NoError(t, o.Validate())
    srvCfg, err := o.Server()
    require.NoError(t, err)
    require.Equal(t, tls.RequireAndVerifyClientCert, srvCfg.ClientAuth)
    cliCfg, err := o.Client()
    require.NoError(t, err)

    lis, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
    require.NoError(t, err)
    defer lis.Close()
    done := make(chan error, 1)
    go func() {
        conn, err := lis.Accept()
        if err != nil { done <- err; return }
        defer conn.Close()
        done <- conn.(*tls.Conn).Handshake()
    }()
    conn, err := tls.Dial("tcp", lis.Addr().String(), cliCfg)
    require.NoError(t, err)
    conn.Close()
    require.NoError(t, <-done)
}

func TestReloaderKeepsLastGoodPair(t *testing.T) {
    dir := t.TempDir()
    cert, key := writePair(t, dir)
    rl := Options{CertFile: cert, KeyFile: key, Reload: time.Nanosecond}.reloader()
    first, err := rl.get()
    require.NoError(t, err)
    require.NoError(t, os.WriteFile(cert, []byte("garbage"), 0o600))
    again, err := rl.get()
    require.NoError(t, err)
    require.Same(t, first, again)
}
