package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// API is the subset of the KMS SDK client used here.
type API interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Client wraps the AWS KMS SDK to decrypt the operator key.
type Client struct {
	kms   API
	keyID string
}

// New creates a KMS Client. If localStackEndpoint is non-empty, the client
// targets that endpoint with dummy credentials (for local development).
// Otherwise it uses the AWS default credential chain (IAM Roles in production).
// keyID may be empty for symmetric keys, where KMS reads it from the blob.
func New(ctx context.Context, region, localStackEndpoint, keyID string) (*Client, error) {
	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(region))

	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}

	return NewWithAPI(kms.NewFromConfig(cfg, kmsOpts...), keyID), nil
}

// NewWithAPI wraps an existing KMS API implementation.
func NewWithAPI(api API, keyID string) *Client {
	return &Client{kms: api, keyID: keyID}
}

// Decrypt sends the ciphertext blob to KMS and returns the decrypted plaintext bytes.
// The caller is responsible for securing the returned bytes.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	in := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if c.keyID != "" {
		in.KeyId = aws.String(c.keyID)
	}
	out, err := c.kms.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// LoadKey reads a base64 ciphertext blob from path, as written by
// `aws kms encrypt --output text`, and decrypts it.
func (c *Client) LoadKey(ctx context.Context, path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kms: read key file: %w", err)
	}
	raw = bytes.TrimSpace(raw)
	blob := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	n, err := base64.StdEncoding.Decode(blob, raw)
	if err != nil {
		return nil, fmt.Errorf("kms: decode key file %s: %w", path, err)
	}
	return c.Decrypt(ctx, blob[:n])
}
