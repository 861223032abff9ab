package main

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	_ "google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"transitbd/tracker/internal/auth"
	configpkg "transitbd/tracker/internal/config"
	trackergrpc "transitbd/tracker/internal/grpc"
	"transitbd/tracker/internal/logging"
)

const authTokenMetadataKey = "x-auth-token"

// grpcServerOptions derives transport security, keepalive and publisher checks from
// the configuration.
func grpcServerOptions(cfg *configpkg.Config, publisher auth.Publisher, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if cfg == nil {
		return nil, fmt.Errorf("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    cfg.PingInterval,
			Timeout: cfg.PingInterval * time.Duration(max(cfg.MaxMissedPings, 1)),
		}),
	}
	if cfg.MaxPayloadBytes > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(int(cfg.MaxPayloadBytes)))
	}

	//1.- TLS reuses the HTTP key pair; a client CA upgrades it to mutual TLS.
	if cfg.TLSCertPath != "" {
		creds, err := loadTLSCredentials(cfg.TLSCertPath, cfg.TLSKeyPath, cfg.GRPCClientCA)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("gRPC TLS enabled", logging.Bool("mutual", cfg.GRPCClientCA != ""))
	}

	//2.- Publishing needs a token whenever a publish secret is configured.
	if publisher != nil && publisher.Required() {
		opts = append(opts, grpc.ChainStreamInterceptor(newPublisherStreamInterceptor(publisher)))
		logger.Info("gRPC publisher authentication enabled")
	}
	return opts, nil
}

// newPublisherStreamInterceptor checks the publisher token on PublishPositions only;
// subscriber streams stay anonymous.
func newPublisherStreamInterceptor(publisher auth.Publisher) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if info == nil || info.FullMethod != trackergrpc.MethodPublishPositions {
			return handler(srv, ss)
		}
		md, _ := metadata.FromIncomingContext(ss.Context())
		if _, err := publisher.Authorize(extractToken(md)); err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(srv, ss)
	}
}

func extractToken(md metadata.MD) string {
	if md == nil {
		return ""
	}
	for _, value := range md.Get(authTokenMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if token := auth.BearerToken(value); token != "" {
			return token
		}
	}
	return ""
}

func loadTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if caPath == "" {
		return credentials.NewTLS(tlsConfig), nil
	}
	caFile, err := os.Open(caPath)
	if err != nil {
		return nil, fmt.Errorf("open client ca: %w", err)
	}
	defer caFile.Close()
	caBytes, err := io.ReadAll(caFile)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("failed to parse client ca bundle")
	}
	tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	tlsConfig.ClientCAs = pool
	return credentials.NewTLS(tlsConfig), nil
}
