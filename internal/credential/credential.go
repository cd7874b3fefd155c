// Package credential loads the service principal used for every Azure call.
package credential

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/joho/godotenv"
)

const (
	EnvClientID       = "AZURE_CLIENT_ID"
	EnvClientSecret   = "AZURE_SECRET"
	EnvTenantID       = "AZURE_TENANT"
	EnvSubscriptionID = "AZURE_SUBSCRIPTION_ID"
)

// MissingError lists the environment variables that were absent or empty.
type MissingError struct {
	Vars []string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("one or more of the following variables failed to load: %s (missing: %s)",
		strings.Join([]string{EnvClientID, EnvClientSecret, EnvTenantID, EnvSubscriptionID}, ", "),
		strings.Join(e.Vars, ", "))
}

// Provider holds validated service principal credentials and the source
// subscription. It is built once per process and handed to each client.
type Provider struct {
	ClientID       string
	TenantID       string
	SubscriptionID string

	cred azcore.TokenCredential
}

// FromEnv reads the credentials from the environment. Values from envFile
// (".env" when empty) are applied first without overriding variables that
// are already set; a missing file is ignored.
func FromEnv(envFile string) (*Provider, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	values := make(map[string]string, 4)
	var missing []string
	for _, name := range []string{EnvClientID, EnvClientSecret, EnvTenantID, EnvSubscriptionID} {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			missing = append(missing, name)
		}
		values[name] = v
	}
	if len(missing) > 0 {
		return nil, &MissingError{Vars: missing}
	}

	return New(values[EnvClientID], values[EnvClientSecret], values[EnvTenantID], values[EnvSubscriptionID])
}

// New builds a Provider from explicit values.
func New(clientID, clientSecret, tenantID, subscriptionID string) (*Provider, error) {
	cred, err := azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create client secret credential: %w", err)
	}

	return &Provider{
		ClientID:       clientID,
		TenantID:       tenantID,
		SubscriptionID: subscriptionID,
		cred:           cred,
	}, nil
}

func (p *Provider) TokenCredential() azcore.TokenCredential {
	return p.cred
}
