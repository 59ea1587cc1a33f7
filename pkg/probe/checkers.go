package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HTTPChecker issues a GET and accepts any 2xx or 3xx status.
type HTTPChecker struct {
	Client *http.Client
}

// NewHTTPChecker returns a checker that does not follow redirects.
func NewHTTPChecker() *HTTPChecker {
	return &HTTPChecker{Client: &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

func (c *HTTPChecker) Check(ctx context.Context, target Target) error {
	path := target.Path
	if path == "" {
		path = "/"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+target.Endpoint+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// GRPCChecker calls the standard grpc.health.v1 Health/Check RPC.
type GRPCChecker struct{}

func (GRPCChecker) Check(ctx context.Context, target Target) error {
	conn, err := grpc.NewClient(target.Endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing sandbox: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: target.Path})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", resp.GetStatus())
	}
	return nil
}

// TCPChecker succeeds when a TCP connection can be opened.
type TCPChecker struct{}

func (TCPChecker) Check(ctx context.Context, target Target) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target.Endpoint)
	if err != nil {
		return err
	}
	return conn.Close()
}
