package quictransport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sheerbytes/speedflux/internal/transport"
)

// ALPNProtocol identifies speedflux transfer streams during the TLS handshake.
const ALPNProtocol = "speedflux-quic-v1"

// ServerTLSConfig returns a TLS configuration with a fresh self-signed
// certificate. Clients do not verify it; the benchmark carries no secrets.
func ServerTLSConfig() (*tls.Config, error) {
	cert, err := selfSignedCert()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns the matching client configuration.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPNProtocol},
	}
}

// DefaultConfig is the QUIC configuration shared by client and server
// before window tuning is applied.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10 * time.Second,
		MaxIdleTimeout:                 30 * time.Second,
		MaxIncomingStreams:             256,
		InitialConnectionReceiveWindow: 16 * 1024 * 1024,
		MaxConnectionReceiveWindow:     64 * 1024 * 1024,
		InitialStreamReceiveWindow:     4 * 1024 * 1024,
		MaxStreamReceiveWindow:         16 * 1024 * 1024,
	}
}

func selfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"speedflux"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// ListenOptions configure Listen.
type ListenOptions struct {
	Windows   transport.QUICWindows
	UDPBuffer int
}

// Listen opens a UDP socket on addr, tunes its buffers and starts a QUIC
// listener on it.
func Listen(addr string, opts ListenOptions, logger *slog.Logger) (*quic.Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", addr, err)
	}
	if opts.UDPBuffer > 0 {
		res := transport.ApplyUDPBuffers(udpConn, opts.UDPBuffer, opts.UDPBuffer)
		logger.Info(res.Line())
	}

	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		_ = udpConn.Close()
		return nil, err
	}
	cfg, tune := transport.BuildQuicConfig(DefaultConfig(), opts.Windows)
	logger.Debug(tune.Line())

	ln, err := quic.Listen(udpConn, tlsConfig, cfg)
	if err != nil {
		_ = udpConn.Close()
		logger.Error("QUIC listen failed", "error", err, "local_addr", udpConn.LocalAddr())
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", ln.Addr())
	return ln, nil
}

// Dial connects to a speedflux QUIC endpoint.
func Dial(ctx context.Context, addr string, windows transport.QUICWindows, logger *slog.Logger) (*quic.Conn, error) {
	cfg, _ := transport.BuildQuicConfig(DefaultConfig(), windows)
	logger.Debug("QUIC dial starting", "remote_addr", addr)
	conn, err := quic.DialAddr(ctx, addr, ClientTLSConfig(), cfg)
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", addr)
		return nil, err
	}
	logger.Debug("QUIC connection established", "remote_addr", conn.RemoteAddr())
	return conn, nil
}
