package model

// WebhookSettingKey the settings row holding the Discord webhook URL
const WebhookSettingKey = "discord_webhook_url"

// AppSetting a single key/value application setting
type AppSetting struct {
	Key   string  `gorm:"column:setting_key;type:varchar(64);primaryKey" json:"setting_key"`
	Value *string `gorm:"column:setting_value;type:text" json:"setting_value"`
}

func (AppSetting) TableName() string {
	return "app_settings"
}
