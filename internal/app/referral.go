package app

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/transfa/billing-service/internal/domain"
)

// ReferralRewardMessage is consumed from the referral service when a reward is granted.
type ReferralRewardMessage struct {
	ReferralID     string `json:"referral_id"`
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id"`
	Days           int    `json:"days"`
}

// HandleReferralReward applies a reward message. It returns false only for
// failures worth redelivering.
func (s *SubscriptionService) HandleReferralReward(body []byte) bool {
	var msg ReferralRewardMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.logger.Error("failed to decode referral reward message", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	subscriptionID := msg.SubscriptionID
	if subscriptionID == "" && msg.CustomerID != "" {
		sub, err := s.repo.GetSubscriptionByCustomerID(ctx, msg.CustomerID)
		if err != nil {
			return s.referralHandled(msg, err)
		}
		subscriptionID = sub.ID
	}

	_, err := s.ApplyReferralReward(ctx, subscriptionID, msg.Days, msg.ReferralID)
	return s.referralHandled(msg, err)
}

func (s *SubscriptionService) referralHandled(msg ReferralRewardMessage, err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidState) || errors.Is(err, domain.ErrInvalidArgument) {
		s.logger.Warn("dropping referral reward", "referral_id", msg.ReferralID, "customer_id", msg.CustomerID, "error", err)
		return true
	}
	s.logger.Error("failed to apply referral reward", "referral_id", msg.ReferralID, "customer_id", msg.CustomerID, "error", err)
	return false
}
