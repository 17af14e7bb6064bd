package notification

import (
	"context"
	"fmt"
	"strings"

	"github.com/dewei/PriceRadar/pkg/model"
)

// SettingsStore read side of the settings table
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (*model.AppSetting, error)
}

// SettingsWebhookProvider reads the persisted webhook URL on every call and falls back to a default
type SettingsWebhookProvider struct {
	store      SettingsStore
	defaultURL string
}

func NewSettingsWebhookProvider(store SettingsStore, defaultURL string) *SettingsWebhookProvider {
	return &SettingsWebhookProvider{store: store, defaultURL: strings.TrimSpace(defaultURL)}
}

func (p *SettingsWebhookProvider) Get(ctx context.Context) (string, error) {
	setting, err := p.store.GetSetting(ctx, model.WebhookSettingKey)
	if err != nil {
		return "", fmt.Errorf("read webhook setting: %w", err)
	}
	if setting != nil && setting.Value != nil {
		if v := strings.TrimSpace(*setting.Value); v != "" {
			return v, nil
		}
	}
	return p.defaultURL, nil
}

// Default the environment-supplied fallback URL
func (p *SettingsWebhookProvider) Default() string {
	return p.defaultURL
}
