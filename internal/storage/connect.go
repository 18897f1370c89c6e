package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Well-known DynamoDB Local endpoints tried after the configured one.
var fallbackLocalEndpoints = []string{
	"http://dynamodb-local:8000",
	"http://host.docker.internal:8000",
	"http://localhost:8000",
}

// ConnectConfig selects how Connect reaches DynamoDB.
type ConnectConfig struct {
	Region string
	// Local switches to DynamoDB Local with static credentials and the
	// candidate endpoints from LocalEndpoints(Endpoint).
	Local           bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// ProbeTimeout bounds each endpoint probe.
	ProbeTimeout time.Duration
}

// Connection is a DynamoDB client that answered a probe.
type Connection struct {
	Client *dynamodb.Client
	// Endpoint is the local endpoint that answered, empty for the regional
	// default.
	Endpoint string
}

// LocalEndpoints returns the ordered, de-duplicated DynamoDB Local candidates
// with primary first.
func LocalEndpoints(primary string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ep := range append([]string{primary}, fallbackLocalEndpoints...) {
		ep = strings.TrimRight(strings.TrimSpace(ep), "/")
		if ep == "" || seen[ep] {
			continue
		}
		seen[ep] = true
		out = append(out, ep)
	}
	return out
}

// Connect loads AWS configuration and returns a DynamoDB client. In local
// mode it returns the first candidate endpoint that answers ListTables and
// fails with ErrConnectionUnavailable when none does. The regional endpoint is
// not probed, so production needs no ListTables permission.
func Connect(ctx context.Context, cfg ConnectConfig) (*Connection, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.Local {
		ak, sk := cfg.AccessKeyID, cfg.SecretAccessKey
		if ak == "" {
			ak = "dummy"
		}
		if sk == "" {
			sk = "dummy"
		}
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load AWS config: %w", err)
	}
	if !cfg.Local {
		return &Connection{Client: dynamodb.NewFromConfig(awsCfg)}, nil
	}

	client, endpoint, err := dial(ctx, LocalEndpoints(cfg.Endpoint), cfg.ProbeTimeout, func(endpoint string) *dynamodb.Client {
		return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	})
	if err != nil {
		return nil, err
	}
	return &Connection{Client: client, Endpoint: endpoint}, nil
}

type pinger interface {
	ListTables(ctx context.Context, in *dynamodb.ListTablesInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ListTablesOutput, error)
}

// dial probes endpoints in order and returns the first client that answers.
func dial[C pinger](ctx context.Context, endpoints []string, timeout time.Duration, newClient func(endpoint string) C) (C, string, error) {
	var zero C
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	var errs []error
	for _, ep := range endpoints {
		slog.Info("dynamodb connect attempt", "endpoint", ep)

		client := newClient(ep)
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		_, err := client.ListTables(probeCtx, &dynamodb.ListTablesInput{Limit: aws.Int32(1)}, func(o *dynamodb.Options) {
			o.RetryMaxAttempts = 1
		})
		cancel()
		if err == nil {
			slog.Info("dynamodb connected", "endpoint", ep)
			return client, ep, nil
		}
		slog.Warn("dynamodb connect failed", "endpoint", ep, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", ep, err))
		if ctx.Err() != nil {
			break
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrConnectionUnavailable, errors.Join(errs...))
}
