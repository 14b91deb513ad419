package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"

	"marketplace-sync-service/internal/config"
	"marketplace-sync-service/internal/models"
)

// ErrSecretNotFound is returned when a marketplace has no stored secret
var ErrSecretNotFound = errors.New("secret not found")

// AppCredentials is the JSON document stored per marketplace. These are
// application credentials; seller tokens live in the database.
type AppCredentials struct {
	ClientID      string `json:"client_id"`
	ClientSecret  string `json:"client_secret"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	RedirectURI   string `json:"redirect_uri,omitempty"`
}

// AccessFunc returns the payload of the latest version of a secret
type AccessFunc func(ctx context.Context, name string) ([]byte, error)

// cacheEntry represents a cached secret with expiration
type cacheEntry struct {
	creds     *AppCredentials
	expiresAt time.Time
}

// GCPSecretManager reads marketplace app credentials from Google Cloud Secret Manager
type GCPSecretManager struct {
	client    *secretmanager.Client
	access    AccessFunc
	projectID string
	prefix    string
	cache     map[string]*cacheEntry
	cacheMu   sync.RWMutex
	cacheTTL  time.Duration
}

// NewGCPSecretManager creates a new GCP Secret Manager client
func NewGCPSecretManager(ctx context.Context, projectID, prefix string) (*GCPSecretManager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	sm := NewWithAccessor(projectID, prefix, func(ctx context.Context, name string) ([]byte, error) {
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: name + "/versions/latest",
		})
		if err != nil {
			if isNotFoundError(err) {
				return nil, ErrSecretNotFound
			}
			return nil, err
		}
		return result.Payload.Data, nil
	})
	sm.client = client
	return sm, nil
}

// NewWithAccessor builds a manager over an arbitrary secret source
func NewWithAccessor(projectID, prefix string, access AccessFunc) *GCPSecretManager {
	if prefix == "" {
		prefix = "marketplace-app"
	}
	return &GCPSecretManager{
		access:    access,
		projectID: projectID,
		prefix:    prefix,
		cache:     make(map[string]*cacheEntry),
		cacheTTL:  5 * time.Minute,
	}
}

// Close closes the Secret Manager client
func (sm *GCPSecretManager) Close() error {
	if sm.client != nil {
		return sm.client.Close()
	}
	return nil
}

// BuildSecretName constructs the secret name for a marketplace
// Format: projects/{project}/secrets/{prefix}-{marketplace slug}
func (sm *GCPSecretManager) BuildSecretName(m models.Marketplace) string {
	secretID := sanitizeSecretID(sm.prefix + "-" + m.Slug())
	return fmt.Sprintf("projects/%s/secrets/%s", sm.projectID, secretID)
}

// GetAppCredentials retrieves the app credentials for a marketplace
func (sm *GCPSecretManager) GetAppCredentials(ctx context.Context, m models.Marketplace) (*AppCredentials, error) {
	name := sm.BuildSecretName(m)

	// Check cache first
	sm.cacheMu.RLock()
	if entry, ok := sm.cache[name]; ok && time.Now().Before(entry.expiresAt) {
		sm.cacheMu.RUnlock()
		return entry.creds, nil
	}
	sm.cacheMu.RUnlock()

	data, err := sm.access(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to access secret %s: %w", name, err)
	}

	var creds AppCredentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal secret %s: %w", name, err)
	}

	sm.cacheMu.Lock()
	sm.cache[name] = &cacheEntry{
		creds:     &creds,
		expiresAt: time.Now().Add(sm.cacheTTL),
	}
	sm.cacheMu.Unlock()

	return &creds, nil
}

// InvalidateCache removes a marketplace's secret from the cache
func (sm *GCPSecretManager) InvalidateCache(m models.Marketplace) {
	sm.cacheMu.Lock()
	delete(sm.cache, sm.BuildSecretName(m))
	sm.cacheMu.Unlock()
}

// OverlayConfig replaces env-provided credentials with stored ones. Missing
// secrets are skipped; other failures are returned per marketplace.
func (sm *GCPSecretManager) OverlayConfig(ctx context.Context, cfg *config.Config) error {
	targets := map[models.Marketplace]*config.MarketplaceCredentials{
		models.MarketplaceMercadoLivre: &cfg.MercadoLivre,
		models.MarketplaceAmazon:       &cfg.Amazon,
		models.MarketplaceShopee:       &cfg.Shopee,
	}

	var errs []error
	for _, m := range models.Marketplaces {
		creds, err := sm.GetAppCredentials(ctx, m)
		if errors.Is(err, ErrSecretNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		applyCredentials(targets[m], creds)
	}
	return errors.Join(errs...)
}

func applyCredentials(dst *config.MarketplaceCredentials, src *AppCredentials) {
	if src.ClientID != "" {
		dst.ClientID = src.ClientID
	}
	if src.ClientSecret != "" {
		dst.ClientSecret = src.ClientSecret
	}
	if src.WebhookSecret != "" {
		dst.WebhookSecret = src.WebhookSecret
	}
	if src.RedirectURI != "" {
		dst.RedirectURI = src.RedirectURI
	}
}

// sanitizeSecretID removes or replaces invalid characters for GCP secret IDs
// Secret IDs can only contain alphanumeric characters, hyphens, and underscores
func sanitizeSecretID(input string) string {
	var result strings.Builder
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			result.WriteRune(r)
		} else {
			result.WriteRune('-')
		}
	}
	return result.String()
}

// isNotFoundError checks if the error indicates the secret does not exist
func isNotFoundError(err error) bool {
	return strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "not found")
}
