package stride

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/pslog"
	"pkt.systems/stride/internal/clock"
	"pkt.systems/stride/internal/storage"
	awsstore "pkt.systems/stride/internal/storage/aws"
	azurestore "pkt.systems/stride/internal/storage/azure"
	"pkt.systems/stride/internal/storage/disk"
	"pkt.systems/stride/internal/storage/memory"
	"pkt.systems/stride/internal/storage/retry"
	"pkt.systems/stride/internal/storage/s3"
)

// recordCryptoContext binds the record data key to this service.
var recordCryptoContext = []byte("stride/records/v1")

// CredentialSummary describes which credentials were selected for object
// storage. It never carries the secret itself.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// readinessChecker is implemented by object store backends that can confirm
// their bucket exists.
type readinessChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

// OpenStore opens the backend named by cfg.Store wrapped with storage retries.
func OpenStore(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return retry.Wrap(backend, logger.With("svc", "storage.retry"), clk, retry.Config{
		MaxAttempts: cfg.StorageRetryAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
	}), nil
}

// OpenCrypto returns nil when no key bundle is configured.
func OpenCrypto(cfg Config) (*storage.Crypto, error) {
	if strings.TrimSpace(cfg.KeyBundle) == "" {
		return nil, nil
	}
	material, err := storage.EnsureKeyBundle(cfg.KeyBundle, recordCryptoContext)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: %w", err)
	}
	return storage.NewCrypto(storage.CryptoConfig{
		Enabled:    true,
		RootKey:    material.Root,
		Descriptor: material.Descriptor,
		Context:    recordCryptoContext,
		Snappy:     cfg.StorageEncryptionSnappy,
	})
}

func openBackend(ctx context.Context, cfg Config) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	var backend storage.Backend
	switch u.Scheme {
	case "memory", "mem", "":
		return memory.New(), nil
	case "disk":
		diskCfg, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		return disk.New(diskCfg)
	case "s3":
		s3cfg, _, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		if backend, err = s3.New(s3cfg); err != nil {
			return nil, err
		}
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		if backend, err = awsstore.New(awscfg); err != nil {
			return nil, err
		}
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		return azurestore.New(azureCfg)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	if err := ensureObjectStoreReady(ctx, backend); err != nil {
		_ = backend.Close()
		return nil, err
	}
	return backend, nil
}

func ensureObjectStoreReady(ctx context.Context, backend storage.Backend) error {
	checker, ok := backend.(readinessChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	exists, err := checker.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket does not exist")
	}
	return nil
}

// BuildDiskConfig parses disk:///path URLs.
func BuildDiskConfig(cfg Config) (disk.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	path := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		path = "/" + host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" || path == "/" {
		return disk.Config{}, fmt.Errorf("disk store path required (e.g. disk:///var/lib/stride)")
	}
	return disk.Config{Root: filepath.Clean(path)}, nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs for
// S3-compatible services such as MinIO.
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucket(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	insecure := strings.EqualFold(query.Get("scheme"), "http") || queryBool(query, "insecure")
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	creds, summary, err := resolveS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         query.Get("region"),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(query, "path-style"),
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
		CustomCreds:    creds,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] URLs. Credentials come from the
// default AWS SDK chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or STRIDE_AWS_REGION)")
	}
	kmsKey := cfg.S3KMSKeyID
	if v := query.Get("kms-key-id"); v != "" {
		kmsKey = v
	}
	return awsstore.Config{
		Endpoint:       query.Get("endpoint"),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       queryBool(query, "insecure"),
		ForcePathStyle: queryBool(query, "path-style"),
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       kmsKey,
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucket(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	key := strings.TrimSpace(cfg.AzureAccountKey)
	if key == "" {
		key = firstEnv("STRIDE_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY", "AZURE_STORAGE_ACCOUNT_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("STRIDE_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: key,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// resolveS3Credentials prefers explicit config, then STRIDE_S3_* env, then
// falls back to the minio provider chain (nil credentials).
func resolveS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	access := strings.TrimSpace(cfg.S3AccessKeyID)
	secret := cfg.S3SecretAccessKey
	token := cfg.S3SessionToken
	source := "config"
	if access == "" && secret == "" {
		access = strings.TrimSpace(os.Getenv("STRIDE_S3_ACCESS_KEY_ID"))
		secret = os.Getenv("STRIDE_S3_SECRET_ACCESS_KEY")
		token = os.Getenv("STRIDE_S3_SESSION_TOKEN")
		source = "env:STRIDE_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: access, HasSecret: secret != "", Source: source}
	if access == "" && secret == "" {
		summary.Source = "chain"
		return nil, summary, nil
	}
	if access == "" || secret == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(access, secret, token), summary, nil
}

func splitBucket(path string) (bucket, prefix string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	parts := strings.SplitN(path, "/", 2)
	bucket = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		prefix = strings.Trim(parts[1], "/")
	}
	return bucket, prefix
}

func queryBool(q url.Values, key string) bool {
	v := q.Get(key)
	if v == "" {
		return false
	}
	ok, err := strconv.ParseBool(v)
	return err == nil && ok
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
