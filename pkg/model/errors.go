package model

import (
	"errors"
)

var (
	ErrAlreadyExists = errors.New("object already exists")
	ErrNotFound      = errors.New("not found")

	ErrNotOwner          = errors.New("caller is not the campaign owner")
	ErrNotOpen           = errors.New("campaign is not open for funding")
	ErrPaused            = errors.New("campaign is paused")
	ErrInvalidTierIndex  = errors.New("invalid tier index")
	ErrInvalidAmount     = errors.New("incorrect contribution amount")
	ErrTierAlreadyFunded = errors.New("tier already funded by caller")
	ErrNotSuccessful     = errors.New("campaign is not successful")
	ErrGoalNotReached    = errors.New("funding goal not reached")
	ErrNothingToWithdraw = errors.New("no funds to withdraw")
	ErrRefundsClosed     = errors.New("refunds are not available")
	ErrNothingToRefund   = errors.New("no contribution to refund")
	ErrInvalidDuration   = errors.New("invalid duration")
	ErrCreationPaused    = errors.New("campaign creation is paused")
)
