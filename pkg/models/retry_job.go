package models

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// RefundJob represents an expired order queued for a permissionless refund
type RefundJob struct {
	DomainID int
	OrderID  common.Hash
	Order    Order
}

// RetryJob represents a scheduled retry for a refund job
type RetryJob struct {
	Job         RefundJob
	RetryCount  int
	NextAttempt time.Time
	ErrorType   string // Type of error that caused the retry
}
