package history

import "time"

// Entry is one saved connection endpoint. Identity follows descriptor
// equivalence: one row per connection key, updated in place when the same
// endpoint is saved again.
type Entry struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ConnectionKey string    `gorm:"uniqueIndex;not null" json:"connection_key"`
	Protocol      string    `gorm:"not null;index" json:"protocol"`
	Host          string    `json:"host,omitempty"`
	Port          int       `json:"port,omitempty"`
	Username      string    `json:"username,omitempty"`
	Device        string    `json:"device,omitempty"`
	BaudRate      int       `json:"baud_rate,omitempty"`
	DataBits      int       `json:"data_bits,omitempty"`
	StopBits      int       `json:"stop_bits,omitempty"`
	Parity        string    `json:"parity,omitempty"`
	FlowControl   string    `json:"flow_control,omitempty"`
	SecretEnc     string    `gorm:"type:text" json:"-"` // fernet token, never serialized
	LastUsedAt    time.Time `gorm:"index" json:"last_used_at"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Setting is a key/value row for store-level settings (the fernet key,
// schema markers).
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
