package storage

import (
	"time"

	"github.com/jkaninda/askari/internal/policy"
)

// PolicyModel is the GORM model for one cached authorization decision.
// One row per requester UID; the UID is the primary key so upserts are
// last-write-wins by construction.
type PolicyModel struct {
	UID         int64  `gorm:"primaryKey;autoIncrement:false"`
	PackageName string `gorm:"type:text"`
	Decision    int16
	ExpiresAt   int64 // Unix seconds. 0 = never expires.
	UpdatedAt   time.Time
}

// TableName overrides the table name.
func (PolicyModel) TableName() string {
	return "policies"
}

func toPolicyModel(p *policy.Policy) PolicyModel {
	return PolicyModel{
		UID:         p.UID,
		PackageName: p.PackageName,
		Decision:    int16(p.Decision),
		ExpiresAt:   p.ExpiresAt,
	}
}

func toPolicyDomain(m *PolicyModel) *policy.Policy {
	return &policy.Policy{
		UID:         m.UID,
		PackageName: m.PackageName,
		Decision:    policy.Decision(m.Decision),
		ExpiresAt:   m.ExpiresAt,
	}
}
