package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/goreferral/pkg/commission"
)

type failingRepository struct {
	*MemoryRepository
}

func (r failingRepository) SaveBatch(context.Context, []*Message) error {
	return errors.New("connection reset")
}

func TestOutboxNotifier_Channels(t *testing.T) {
	tests := []struct {
		name     string
		note     commission.Notification
		channels []string
	}{
		{
			name:     "recipient only",
			note:     earned("referrer_1"),
			channels: []string{ChannelInApp},
		},
		{
			name: "recipient and operator",
			note: commission.Notification{
				Kind:        commission.NotifyReferralActivated,
				RecipientID: "referrer_1",
				Operator:    true,
				Title:       "Referral activated",
				OccurredAt:  testNow,
			},
			channels: []string{ChannelInApp, ChannelOperator},
		},
		{
			name: "operator only",
			note: commission.Notification{
				Kind:       commission.NotifyClawbackRequired,
				Operator:   true,
				Title:      "Manual clawback required",
				OccurredAt: testNow,
			},
			channels: []string{ChannelOperator},
		},
		{
			name:     "nobody",
			note:     commission.Notification{Kind: commission.NotifyCommissionEarned},
			channels: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMemoryRepository()
			require.NoError(t, NewOutboxNotifier(repo).Notify(context.Background(), tt.note))

			var channels []string
			for _, msg := range repo.All() {
				channels = append(channels, msg.Channel)
				assert.Equal(t, string(tt.note.Kind), msg.Kind)
				assert.NotZero(t, msg.ID)
			}
			assert.Equal(t, tt.channels, channels)
		})
	}
}

func TestOutboxNotifier_OperatorMessageHasNoRecipient(t *testing.T) {
	repo := NewMemoryRepository()
	note := commission.Notification{
		Kind:        commission.NotifyReferralCancelled,
		RecipientID: "referrer_1",
		Operator:    true,
		Title:       "Referral cancelled",
		Message:     "user_1 cancelled",
		Data:        map[string]string{"referred_user_id": "user_1"},
		OccurredAt:  testNow,
	}
	require.NoError(t, NewOutboxNotifier(repo).Notify(context.Background(), note))

	msgs := repo.All()
	require.Len(t, msgs, 2)
	operator := msgs[1]
	assert.Empty(t, operator.RecipientID)
	assert.NotEqual(t, msgs[0].EventID, operator.EventID)

	payload, err := operator.Decode()
	require.NoError(t, err)
	assert.Equal(t, operator.EventID.String(), payload.EventID)
	assert.Equal(t, ChannelOperator, payload.Channel)
	assert.Equal(t, "Referral cancelled", payload.Title)
	assert.Equal(t, "user_1", payload.Data["referred_user_id"])
	assert.True(t, payload.OccurredAt.Equal(testNow))
	assert.Equal(t, "operator.referral.cancelled", operator.RoutingKey())
}

func TestOutboxNotifier_SaveError(t *testing.T) {
	n := NewOutboxNotifier(failingRepository{NewMemoryRepository()})
	err := n.Notify(context.Background(), earned("referrer_1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestOutboxNotifier_DeliversThroughRouter(t *testing.T) {
	repo := NewMemoryRepository()
	inbox := NewMemoryInbox()
	router := NewRouter().
		Route(ChannelInApp, NewInAppPublisher(inbox)).
		Route(ChannelOperator, PublisherFunc(func(context.Context, *Message) error { return nil }))
	p, _ := newTestProcessor(t, repo, router, DefaultProcessorConfig())

	saveNotification(t, repo, earned("referrer_1"))
	saveNotification(t, repo, commission.Notification{
		Kind:        commission.NotifyReferralActivated,
		RecipientID: "referrer_1",
		Operator:    true,
		Title:       "Referral activated",
		OccurredAt:  testNow.Add(-30 * time.Second),
	})

	n, err := p.ProcessOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	rows, err := inbox.List(context.Background(), "referrer_1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, string(commission.NotifyReferralActivated), rows[0].Kind, "newest first")
}
