package service

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ApprovedQuotationsKey redis set of approved quotation ids, maintained by the quotation module.
const ApprovedQuotationsKey = "crm:quotation:approved"

// RedisQuotationChecker reads quotation approval state from redis.
type RedisQuotationChecker struct {
	rdb *redis.Client
}

func NewRedisQuotationChecker(rdb *redis.Client) *RedisQuotationChecker {
	return &RedisQuotationChecker{rdb: rdb}
}

func (q *RedisQuotationChecker) IsApproved(ctx context.Context, quotationID string) (bool, error) {
	ok, err := q.rdb.SIsMember(ctx, ApprovedQuotationsKey, quotationID).Result()
	if err != nil {
		return false, fmt.Errorf("read quotation approval: %w", err)
	}
	return ok, nil
}
