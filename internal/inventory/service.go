// Package inventory serializes concurrent stock mutation. Every reservation
// passes a double guard: a short-lived per-product lock in the cache, then
// the atomic conditional decrement on the product row. The decrement alone
// is correct even if the lock expires mid-flight; the lock only keeps
// concurrent finalize flows from piling up on one product.
package inventory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/greenharvest/marketplace/internal/cache"
	"github.com/greenharvest/marketplace/internal/catalog"
	"github.com/greenharvest/marketplace/internal/fault"
	"github.com/greenharvest/marketplace/internal/redisx"
)

// ErrBusy reports lock contention on a product. There is no internal
// retry queue; callers are expected to retry.
var ErrBusy = fault.New(fault.Conflict, "product busy, retry")

type Line struct {
	ProductID string
	Quantity  int
}

// Reserved records one committed decrement, including the stock remaining
// afterwards for low-stock detection downstream.
type Reserved struct {
	ProductID string
	Quantity  int
	Remaining int
}

type Service struct {
	Cache    cache.Cache
	Products catalog.Store
	LockTTL  time.Duration
	Logger   *zap.Logger
}

func NewService(c cache.Cache, products catalog.Store, logger *zap.Logger) *Service {
	return &Service{Cache: c, Products: products, LockTTL: redisx.TTLProductLock, Logger: logger}
}

func lockKey(productID string) string { return fmt.Sprintf(redisx.KeyProductLock, productID) }

// AcquireLock is a plain set-if-absent; there is no queueing or retry here.
// Callers that lose surface a conflict and retry externally.
func (s *Service) AcquireLock(ctx context.Context, productID string) (bool, error) {
	return s.Cache.SetNX(ctx, lockKey(productID), strconv.FormatInt(time.Now().UnixNano(), 10), s.LockTTL)
}

func (s *Service) ReleaseLock(ctx context.Context, productID string) {
	if err := s.Cache.Del(ctx, lockKey(productID)); err != nil {
		s.Logger.Warn("release product lock failed",
			zap.String("product_id", productID), zap.Error(err))
	}
}

func (s *Service) Reserve(ctx context.Context, productID string, qty int) (int, error) {
	return s.Products.DecrementStock(ctx, productID, qty)
}

func (s *Service) Restock(ctx context.Context, productID string, qty int) error {
	return s.Products.IncrementStock(ctx, productID, qty)
}

// ReserveItems reserves each line in turn. If any line fails (lock busy or
// insufficient stock) everything already reserved is restocked before the
// error is returned, so callers always observe an all-or-nothing outcome.
func (s *Service) ReserveItems(ctx context.Context, lines []Line) ([]Reserved, error) {
	reserved := make([]Reserved, 0, len(lines))

	for _, line := range lines {
		remaining, err := s.reserveOne(ctx, line)
		if err != nil {
			s.rollback(ctx, reserved)
			return nil, err
		}
		reserved = append(reserved, Reserved{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Remaining: remaining,
		})
	}
	return reserved, nil
}

func (s *Service) reserveOne(ctx context.Context, line Line) (int, error) {
	ok, err := s.AcquireLock(ctx, line.ProductID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrBusy
	}
	defer s.ReleaseLock(ctx, line.ProductID)

	return s.Reserve(ctx, line.ProductID, line.Quantity)
}

func (s *Service) rollback(ctx context.Context, reserved []Reserved) {
	for _, r := range reserved {
		if err := s.Restock(ctx, r.ProductID, r.Quantity); err != nil {
			s.Logger.Error("reservation rollback failed",
				zap.String("product_id", r.ProductID),
				zap.Int("quantity", r.Quantity),
				zap.Error(err))
		}
	}
}
