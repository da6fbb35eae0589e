package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when a provider has no value for a key
var ErrSecretNotFound = errors.New("secret not found")

// SecretManager interface for retrieving the admin credential
type SecretManager interface {
	GetSecret(key string) (string, error)
	GetUsername() (string, error)
	GetPassword() (string, error)
}

// EnvSecretManager reads SMARTHOUSE_<KEY>, or the file named by
// SMARTHOUSE_<KEY>_FILE (Docker and Kubernetes secret mounts).
type EnvSecretManager struct{}

func (e *EnvSecretManager) GetSecret(key string) (string, error) {
	envKey := "SMARTHOUSE_" + strings.ToUpper(key)

	if path := os.Getenv(envKey + "_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read secret file for %s: %w", envKey, err)
		}
		value := strings.TrimRight(string(data), "\r\n")
		if value == "" {
			return "", fmt.Errorf("%w: secret file for %s is empty", ErrSecretNotFound, envKey)
		}
		return value, nil
	}

	value := os.Getenv(envKey)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, envKey)
	}
	return value, nil
}

func (e *EnvSecretManager) GetUsername() (string, error) {
	return e.GetSecret("MONGODB_USERNAME")
}

func (e *EnvSecretManager) GetPassword() (string, error) {
	return e.GetSecret("MONGODB_PASSWORD")
}

// VaultSecretManager retrieves the credential from HashiCorp Vault
type VaultSecretManager struct {
	config *Config
	client *api.Client
}

func NewVaultSecretManager(config *Config) (*VaultSecretManager, error) {
	client, err := api.NewClient(&api.Config{
		Address: config.Secrets.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if config.Secrets.Vault.Token != "" {
		client.SetToken(config.Secrets.Vault.Token)
	} else {
		token := os.Getenv("VAULT_TOKEN")
		if token != "" {
			client.SetToken(token)
		}
	}

	return &VaultSecretManager{
		config: config,
		client: client,
	}, nil
}

func (v *VaultSecretManager) GetSecret(key string) (string, error) {
	path := v.config.Secrets.Vault.Path
	if path == "" {
		path = "secret/smarthouse/mongodb"
	}

	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}

	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: no secret at Vault path %s", ErrSecretNotFound, path)
	}

	data := secret.Data
	// KV version 2 nests the values under "data"
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s not found in Vault secret", ErrSecretNotFound, key)
	}

	strValue, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key %s is not a string", key)
	}

	return strValue, nil
}

func (v *VaultSecretManager) GetUsername() (string, error) {
	return v.GetSecret("username")
}

func (v *VaultSecretManager) GetPassword() (string, error) {
	return v.GetSecret("password")
}

// AWSSecretManager retrieves the credential from AWS Secrets Manager
type AWSSecretManager struct {
	config *Config
	client *secretsmanager.SecretsManager

	once    sync.Once
	secrets map[string]string
	err     error
}

func NewAWSSecretManager(config *Config) (*AWSSecretManager, error) {
	var sess *session.Session
	var err error

	if config.Secrets.AWS.AccessKey != "" && config.Secrets.AWS.SecretKey != "" {
		sess, err = session.NewSession(&aws.Config{
			Region: aws.String(config.Secrets.AWS.Region),
			Credentials: credentials.NewStaticCredentials(
				config.Secrets.AWS.AccessKey,
				config.Secrets.AWS.SecretKey,
				"",
			),
		})
	} else {
		sess, err = session.NewSession(&aws.Config{
			Region: aws.String(config.Secrets.AWS.Region),
		})
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	client := secretsmanager.New(sess)
	return &AWSSecretManager{
		config: config,
		client: client,
	}, nil
}

// fetch reads the secret document once per manager
func (a *AWSSecretManager) fetch() (map[string]string, error) {
	a.once.Do(func() {
		secretID := a.config.Secrets.AWS.SecretID
		if secretID == "" {
			secretID = "smarthouse/mongodb"
		}

		result, err := a.client.GetSecretValue(&secretsmanager.GetSecretValueInput{
			SecretId: aws.String(secretID),
		})
		if err != nil {
			a.err = fmt.Errorf("failed to get secret from AWS: %w", err)
			return
		}
		if result.SecretString == nil {
			a.err = fmt.Errorf("%w: AWS secret %s has no string value", ErrSecretNotFound, secretID)
			return
		}

		var secrets map[string]string
		if err := json.Unmarshal([]byte(*result.SecretString), &secrets); err != nil {
			a.err = fmt.Errorf("failed to parse AWS secret JSON: %w", err)
			return
		}
		a.secrets = secrets
	})
	return a.secrets, a.err
}

func (a *AWSSecretManager) GetSecret(key string) (string, error) {
	secrets, err := a.fetch()
	if err != nil {
		return "", err
	}

	value, ok := secrets[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s not found in AWS secret", ErrSecretNotFound, key)
	}

	return value, nil
}

func (a *AWSSecretManager) GetUsername() (string, error) {
	return a.GetSecret("username")
}

func (a *AWSSecretManager) GetPassword() (string, error) {
	return a.GetSecret("password")
}

// NewSecretManager creates the appropriate secret manager based on configuration
func NewSecretManager(config *Config) (SecretManager, error) {
	provider := config.Secrets.Provider
	if provider == "" {
		provider = "env"
	}

	switch provider {
	case "env":
		return &EnvSecretManager{}, nil
	case "vault":
		return NewVaultSecretManager(config)
	case "aws":
		return NewAWSSecretManager(config)
	default:
		return nil, fmt.Errorf("unsupported secret provider: %s", provider)
	}
}

// LoadSecrets resolves the admin credential from the configured provider.
// With the env provider a missing value keeps whatever the config already
// holds; remote providers must supply both values.
func LoadSecrets(config *Config) error {
	manager, err := NewSecretManager(config)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	_, optional := manager.(*EnvSecretManager)

	username, err := manager.GetUsername()
	switch {
	case err == nil:
		config.MongoDB.Username = username
	case optional && errors.Is(err, ErrSecretNotFound):
	default:
		return fmt.Errorf("failed to load username: %w", err)
	}

	password, err := manager.GetPassword()
	switch {
	case err == nil:
		config.MongoDB.Password = password
	case optional && errors.Is(err, ErrSecretNotFound):
	default:
		return fmt.Errorf("failed to load password: %w", err)
	}

	return nil
}
