package entities

import "time"

// InternalOpsGroupID is the distinguished group that receives escalation
// notifications regardless of the opportunity's organization.
const InternalOpsGroupID = "internal_ops"

// GroupConfig routes an organization name to its chat-group webhook.
type GroupConfig struct {
	GroupID                     string    `db:"group_id" json:"group_id"`
	Name                        string    `db:"name" json:"name"`
	WebhookURL                  string    `db:"webhook_url" json:"webhook_url"`
	Enabled                     bool      `db:"enabled" json:"enabled"`
	NotificationCooldownMinutes int       `db:"notification_cooldown_minutes" json:"notification_cooldown_minutes"`
	CreatedAt                   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt                   time.Time `db:"updated_at" json:"updated_at"`
}

// CooldownHours converts the per-group minimum cooldown to hours.
func (g *GroupConfig) CooldownHours() float64 {
	return float64(g.NotificationCooldownMinutes) / 60.0
}
