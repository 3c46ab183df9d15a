// Package formatter renders notification messages for the chat groups. The
// operator audience reads Chinese, so the templates keep the operator-facing
// wording while the rest of the system stays language neutral.
package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/fieldops/fsoa-service/internal/domain/entities"
)

// DefaultMaxListedOrders caps how many orders one grouped message lists
// before truncating to a summary line.
const DefaultMaxListedOrders = 5

// statusLabels are the operator-facing names of the monitored statuses.
var statusLabels = map[entities.OpportunityStatus]string{
	entities.StatusPendingAppointment:     "待预约",
	entities.StatusTemporarilyNotVisiting: "暂不上门",
}

func statusLabel(s entities.OpportunityStatus) string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return string(s)
}

// Formatter renders grouped messages with a configurable listing cap.
type Formatter struct {
	maxListed int
	now       func() time.Time
}

// New creates a Formatter. Non-positive caps fall back to the default.
func New(maxListed int) *Formatter {
	if maxListed <= 0 {
		maxListed = DefaultMaxListedOrders
	}
	return &Formatter{maxListed: maxListed, now: time.Now}
}

// WithClock replaces the formatter's clock.
func (f *Formatter) WithClock(now func() time.Time) *Formatter {
	f.now = now
	return f
}

// sentAtLine is the footer timestamp stamped onto every outgoing message.
func (f *Formatter) sentAtLine() string {
	return fmt.Sprintf("发送时间：%s", f.now().Format("01-02 15:04"))
}

// elapsedString renders business hours as days plus hours once a full day
// has passed.
func elapsedString(hours float64) string {
	if hours >= 24 {
		days := int(hours) / 24
		rem := int(hours) % 24
		return fmt.Sprintf("%d天%d小时", days, rem)
	}
	return fmt.Sprintf("%.1f小时", hours)
}

func (f *Formatter) appendOrders(parts []string, opps []*entities.Opportunity, timeField string) []string {
	for i, opp := range opps {
		if i >= f.maxListed {
			parts = append(parts, fmt.Sprintf("... 还有 %d 个工单", len(opps)-f.maxListed), "")
			break
		}
		parts = append(parts,
			fmt.Sprintf("%02d. 工单号：%s", i+1, opp.OrderNum),
			fmt.Sprintf("     %s：%s", timeField, elapsedString(opp.ElapsedBusinessHours)))
		if opp.StandardThresholdHours > 0 {
			parts = append(parts,
				fmt.Sprintf("     处理时限：%s", elapsedString(opp.StandardThresholdHours)))
		}
		parts = append(parts,
			fmt.Sprintf("     客户：%s", opp.Name),
			fmt.Sprintf("     地址：%s", opp.Address),
			fmt.Sprintf("     负责人：%s", opp.SupervisorName),
			fmt.Sprintf("     创建时间：%s", opp.CreateTime.Format("01-02 15:04")),
			fmt.Sprintf("     状态：%s", statusLabel(opp.OrderStatus)),
			"")
	}
	return parts
}

// FormatReminder renders the soft nudge for orders approaching their
// deadline. Dashboards preview it; the dispatcher does not send it.
func (f *Formatter) FormatReminder(orgName string, opps []*entities.Opportunity) string {
	if len(opps) == 0 {
		return ""
	}
	parts := []string{
		fmt.Sprintf("💡 **服务提醒** (%s)", orgName),
		"",
		fmt.Sprintf("有 %d 个工单需要关注：", len(opps)),
		"",
	}
	parts = f.appendOrders(parts, opps, "已用时长")
	parts = append(parts, "📝 请及时跟进处理，感谢配合！", "", f.sentAtLine())
	return strings.Join(parts, "\n")
}

// FormatViolation renders the first-tier warning sent to the org's own
// service group.
func (f *Formatter) FormatViolation(orgName string, opps []*entities.Opportunity) string {
	if len(opps) == 0 {
		return ""
	}
	parts := []string{
		fmt.Sprintf("⚠️ SLA违规提醒 (%s)", orgName),
		"",
		fmt.Sprintf("共有 %d 个工单超出响应时限：", len(opps)),
		"",
	}
	parts = f.appendOrders(parts, opps, "违规时长")
	parts = append(parts,
		"🚨 请立即处理，确保客户服务质量！",
		"💡 处理后系统将自动停止提醒",
		"",
		f.sentAtLine())
	return strings.Join(parts, "\n")
}

// FormatStandard renders the overdue reminder sent to the org's own service
// group once the standard deadline has passed.
func (f *Formatter) FormatStandard(orgName string, opps []*entities.Opportunity) string {
	if len(opps) == 0 {
		return ""
	}
	parts := []string{
		fmt.Sprintf("📋 工单逾期提醒 (%s)", orgName),
		"",
		fmt.Sprintf("共有 %d 个工单已逾期，需要跟进：", len(opps)),
		"",
	}
	parts = f.appendOrders(parts, opps, "滞留时长")
	parts = append(parts, "请及时跟进处理，如有疑问请联系运营人员。", "", f.sentAtLine())
	return strings.Join(parts, "\n")
}

// FormatEscalation renders the aggregated escalation sent to the internal
// ops group. Mentions are appended as a trailing line; the webhook mention
// list still carries them structurally.
func (f *Formatter) FormatEscalation(orgName string, opps []*entities.Opportunity, mentions []string) string {
	if len(opps) == 0 {
		return ""
	}
	parts := []string{
		"🚨 **运营升级通知**",
		"",
		fmt.Sprintf("组织：%s", orgName),
		fmt.Sprintf("需要升级处理的工单数：%d", len(opps)),
		"",
	}
	parts = f.appendOrders(parts, opps, "滞留时长")
	parts = append(parts, "🔧 **请运营人员介入协调处理**")
	if len(mentions) > 0 {
		tagged := make([]string, len(mentions))
		for i, u := range mentions {
			tagged[i] = "@" + u
		}
		parts = append(parts, "", strings.Join(tagged, " "))
	}
	parts = append(parts, "", f.sentAtLine())
	return strings.Join(parts, "\n")
}

// Format renders the message for one task tier.
func (f *Formatter) Format(typ entities.NotificationType, orgName string, opps []*entities.Opportunity, mentions []string) string {
	switch typ {
	case entities.NotificationViolation:
		return f.FormatViolation(orgName, opps)
	case entities.NotificationStandard:
		return f.FormatStandard(orgName, opps)
	case entities.NotificationEscalation:
		return f.FormatEscalation(orgName, opps, mentions)
	default:
		return ""
	}
}
