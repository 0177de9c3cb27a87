package core

import "time"

// DataCenter holds the quota limits of an organization data center.
// ResourceQuota selects the CPU/memory regime instead of the vApp count regime.
type DataCenter struct {
	ID            string `gorm:"primaryKey;size:60"`
	Name          string `gorm:"size:45"`
	RunningLimit  int    `gorm:"not null;default:0"`
	StoredLimit   int    `gorm:"not null;default:0"`
	CPULimit      int    `gorm:"not null;default:0"`
	MemoryLimitGB int    `gorm:"not null;default:0"`
	ResourceQuota bool   `gorm:"not null;default:false"`
}

// TableName pins the data center table name.
func (DataCenter) TableName() string { return "data_centers" }

// User is the internal account record stamped on events.
type User struct {
	ID        uint      `gorm:"primaryKey"`
	Username  string    `gorm:"uniqueIndex;size:150;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// TableName pins the user table name.
func (User) TableName() string { return "users" }
