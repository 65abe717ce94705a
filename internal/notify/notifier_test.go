package notify

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNotifier_PublishDeliversToSubscribers(t *testing.T) {
	n := New(Config{})
	var received []Event
	sub := n.Subscribe(func(e Event) { received = append(received, e) })
	defer sub.Unsubscribe()

	n.Publish(SeverityWarning, "remote", "component:react:button", "timeout")

	require.Len(t, received, 1)
	require.Equal(t, SeverityWarning, received[0].Severity)
	require.Equal(t, "remote", received[0].Tier)
	require.NotEmpty(t, received[0].ID)
}

func TestNotifier_UnsubscribeStopsDelivery(t *testing.T) {
	n := New(Config{})
	count := 0
	sub := n.Subscribe(func(e Event) { count++ })

	n.Publish(SeverityInfo, "memory", "", "hit")
	sub.Unsubscribe()
	n.Publish(SeverityInfo, "memory", "", "hit again")

	require.Equal(t, 1, count)
}

func TestNotifier_SummaryAggregatesBySeverityAndTier(t *testing.T) {
	n := New(Config{})
	n.Publish(SeverityWarning, "remote", "", "a")
	n.Publish(SeverityError, "remote", "", "b")
	n.Publish(SeverityInfo, "persistent", "", "c")

	summary := n.GetDegradationSummary(5)
	require.True(t, summary.IsDegraded)
	require.Equal(t, 3, summary.TotalIssues)
	require.Equal(t, 1, summary.BySeverity[SeverityWarning])
	require.Equal(t, 1, summary.BySeverity[SeverityError])
	require.Equal(t, 2, summary.ByTier["remote"])
}

func TestNotifier_MaxNotificationsBoundsRetention(t *testing.T) {
	n := New(Config{MaxNotifications: 2})
	n.Publish(SeverityInfo, "memory", "", "1")
	n.Publish(SeverityInfo, "memory", "", "2")
	n.Publish(SeverityInfo, "memory", "", "3")

	summary := n.GetDegradationSummary(5)
	require.Equal(t, 2, summary.TotalIssues)
}
