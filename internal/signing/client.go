package signing

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ptmai/mailpipe/internal/resilience/breaker"
	"github.com/ptmai/mailpipe/internal/resilience/retry"
)

// signMethod is the full method name of the signer service. We invoke it
// directly over the connection instead of carrying generated clients.
const signMethod = "/mailpipe.signer.v1.Signer/Sign"

// Config holds signer connection and resilience configuration.
type Config struct {
	Endpoint string         `yaml:"endpoint"`
	Timeout  time.Duration  `yaml:"timeout"`
	Breaker  breaker.Config `yaml:"breaker"`
	Retry    retry.Config   `yaml:"retry"`
}

// Client signs summary payloads over gRPC. Every call goes through the
// circuit breaker first, then the retry policy, so retries stop as soon as
// the breaker opens.
type Client struct {
	endpoint string
	timeout  time.Duration
	conn     *grpc.ClientConn
	brk      *breaker.Breaker
	policy   retry.Policy
}

// NewClient dials the signer endpoint. TLS is enabled for https:// endpoints
// and bare :443 targets.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	target := cfg.Endpoint
	var opts []grpc.DialOption

	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		creds := credentials.NewTLS(&tls.Config{})
		opts = append(opts, grpc.WithTransportCredentials(creds))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	opts = append(opts, grpc.WithBlock())

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signer endpoint %s: %w", target, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		endpoint: cfg.Endpoint,
		timeout:  timeout,
		conn:     conn,
		brk:      breaker.New("signer", cfg.Breaker),
		policy:   retry.NewPolicy(cfg.Retry),
	}, nil
}

// Sign submits a payload to the signer and returns the signature string.
func (c *Client) Sign(ctx context.Context, payload map[string]any) (string, error) {
	var signature string
	err := c.brk.Call(ctx, func(ctx context.Context) error {
		return c.policy.Do(ctx, "signer.sign", func(ctx context.Context) error {
			sig, err := c.invoke(ctx, payload)
			if err != nil {
				if transient(err) {
					return retry.Retryable(err)
				}
				return err
			}
			signature = sig
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return signature, nil
}

func (c *Client) invoke(ctx context.Context, payload map[string]any) (string, error) {
	req, err := structpb.NewStruct(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode sign request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(callCtx, signMethod, req, resp); err != nil {
		return "", fmt.Errorf("sign call failed: %w", err)
	}

	sig := resp.GetFields()["signature"].GetStringValue()
	if sig == "" {
		return "", fmt.Errorf("signer returned empty signature")
	}
	return sig, nil
}

// transient reports whether a gRPC error is worth retrying.
func transient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

// Healthy reports whether the breaker currently admits calls.
func (c *Client) Healthy() bool {
	return c.brk.Healthy()
}

// State returns the breaker state for the health surface.
func (c *Client) State() breaker.State {
	return c.brk.State()
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
