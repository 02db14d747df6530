package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// SecretAccessor reads the latest version of a named secret.
type SecretAccessor interface {
	GetSecret(ctx context.Context, secretName string) (string, error)
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Entry
}

// NewGCPSecretManager connects to Secret Manager. An empty credentialsFile
// falls back to application default credentials.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
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
		logger:    logger.WithField("component", "secrets"),
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return strings.TrimSpace(string(result.Payload.Data)), nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// SecretNames maps each credential to its Secret Manager name.
type SecretNames struct {
	APIKeyName    string `mapstructure:"api_key_name"`
	PrivateKey    string `mapstructure:"private_key"`
	OAuthToken    string `mapstructure:"oauth_token"`
	RedisPassword string `mapstructure:"redis_password"`
	PostgresDSN   string `mapstructure:"postgres_dsn"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		APIKeyName:    "coinbase-api-key-name",
		PrivateKey:    "coinbase-private-key",
		OAuthToken:    "coinbase-oauth-token",
		RedisPassword: "flowsignal-redis-password",
		PostgresDSN:   "flowsignal-postgres-dsn",
	}
}

// Fill sets each empty target from its named secret. Missing secrets are
// logged and left empty.
func Fill(ctx context.Context, accessor SecretAccessor, logger *logrus.Logger, targets map[string]*string) {
	for name, target := range targets {
		if *target != "" || name == "" {
			continue
		}
		value, err := accessor.GetSecret(ctx, name)
		if err != nil {
			logger.WithError(err).WithField("secret", name).Debug("Failed to get secret, leaving unset")
			continue
		}
		*target = value
	}
}
