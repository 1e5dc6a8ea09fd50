package types

type ConfigManager interface {
	Load() error
	GetConfig() *ServiceConfig
	GetValue(path string, defaultValue interface{}) interface{}
	GetAs(path string, target interface{}) error
}

type ServiceConfig struct {
	Name          string               `yaml:"name" json:"name" validate:"required"`
	Version       string               `yaml:"version" json:"version" validate:"required"`
	Logger        *LoggerConfig        `yaml:"logger" json:"logger"`
	Store         *StoreConfig         `yaml:"store" json:"store"`
	ResponseCache *ResponseCacheConfig `yaml:"response_cache" json:"response_cache"`
	Metrics       *MetricsConfig       `yaml:"metrics" json:"metrics"`
}

type LoggerConfig struct {
	Type   string      `yaml:"type" json:"type"`
	Level  string      `yaml:"level" json:"level" validate:"required"`
	Config interface{} `yaml:"config" json:"config"`
}

type StoreConfig struct {
	Enabled bool        `yaml:"enabled" json:"enabled"`
	Type    string      `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{} `yaml:"config" json:"config"`

	// SweepSchedule is a cron spec for the expired-entry sweep on stores
	// that support it. Empty disables sweeping.
	SweepSchedule string `yaml:"sweep_schedule" json:"sweep_schedule"`
}

type ResponseCacheConfig struct {
	// DefaultExpiration, in seconds, applies to handlers that enable caching
	// without an explicit expiration of their own.
	DefaultExpiration int `yaml:"default_expiration" json:"default_expiration" validate:"min=0"`
}

type MetricsConfig struct {
	Enabled bool              `yaml:"enabled" json:"enabled"`
	Type    string            `yaml:"type" json:"type" validate:"required_if=Enabled true"`
	Config  interface{}       `yaml:"config" json:"config"`
	Labels  map[string]string `yaml:"labels" json:"labels"`
}
