package secrets

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

var (
	ErrEmptySecret   = errors.New("secret has no payload")
	ErrCorruptSecret = errors.New("secret payload failed checksum")
)

// Source resolves a secret name to its value.
type Source interface {
	Secret(ctx context.Context, name string) (string, error)
}

// GCPSecretManager reads session secrets from Google Secret Manager.
type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	version   string
	logger    *logrus.Logger
}

// NewGCPSecretManager connects with application default credentials, or with
// credentialsFile when one is given. An empty version pins "latest".
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile, version string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		version:   version,
		logger:    logger,
	}, nil
}

// VersionName builds the resource name of a secret version. Names that are
// already fully qualified pass through, gaining a version if they lack one.
func VersionName(projectID, name, version string) string {
	if version == "" {
		version = "latest"
	}
	if strings.HasPrefix(name, "projects/") {
		if strings.Contains(name, "/versions/") {
			return name
		}
		return name + "/versions/" + version
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", projectID, name, version)
}

func (g *GCPSecretManager) Secret(ctx context.Context, name string) (string, error) {
	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: VersionName(g.projectID, name, g.version),
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}

	value, err := DecodePayload(result.GetPayload())
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	return value, nil
}

// DecodePayload returns the payload text after checking its CRC32C when the
// service supplied one.
func DecodePayload(p *secretmanagerpb.SecretPayload) (string, error) {
	if p == nil || len(p.GetData()) == 0 {
		return "", ErrEmptySecret
	}
	if p.DataCrc32C != nil {
		sum := crc32.Checksum(p.GetData(), crc32.MakeTable(crc32.Castagnoli))
		if int64(sum) != p.GetDataCrc32C() {
			return "", ErrCorruptSecret
		}
	}
	return string(p.GetData()), nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// Lookup resolves name through src, trimming whitespace. Any failure, or a
// value that is blank once trimmed, yields fallback.
func Lookup(ctx context.Context, src Source, name, fallback string, logger *logrus.Logger) string {
	entry := logger.WithField("secret", name)
	value, err := src.Secret(ctx, name)
	if err != nil {
		entry.WithError(err).Warn("Failed to load secret, using fallback")
		return fallback
	}
	value = strings.TrimSpace(value)
	if value == "" {
		entry.Warn("Secret is blank, using fallback")
		return fallback
	}
	return value
}

// SecretNames maps each session secret to its Secret Manager name.
type SecretNames struct {
	SigningKey string `mapstructure:"signing_key"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		SigningKey: "papertrade-session-signing-key",
	}
}
