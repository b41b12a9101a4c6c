package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spec-kit/account-service/internal/domain"
)

// cachedUserRepository decorates a UserRepository with a read-through Redis
// cache on GetByID, the hot path of the auth middleware. Writes invalidate.
type cachedUserRepository struct {
	inner UserRepository
	redis *redis.Client
	ttl   time.Duration
}

// NewCachedUserRepository wraps the repository with an identity cache. A nil
// client or non-positive TTL returns the inner repository unchanged.
func NewCachedUserRepository(inner UserRepository, client *redis.Client, ttl time.Duration) UserRepository {
	if client == nil || ttl <= 0 {
		return inner
	}
	return &cachedUserRepository{inner: inner, redis: client, ttl: ttl}
}

func cacheKey(id string) string {
	return "user:" + id
}

func (r *cachedUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	if raw, err := r.redis.Get(ctx, cacheKey(id)).Bytes(); err == nil {
		var user domain.User
		if err := json.Unmarshal(raw, &user); err == nil {
			return &user, nil
		}
	}

	user, err := r.inner.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(user); err == nil {
		// cache failures are invisible to callers
		r.redis.Set(ctx, cacheKey(id), raw, r.ttl)
	}
	return user, nil
}

func (r *cachedUserRepository) Create(ctx context.Context, user *domain.User) error {
	return r.inner.Create(ctx, user)
}

func (r *cachedUserRepository) Update(ctx context.Context, user *domain.User) error {
	if err := r.inner.Update(ctx, user); err != nil {
		return err
	}
	r.redis.Del(ctx, cacheKey(user.ID))
	return nil
}

func (r *cachedUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.inner.GetByEmail(ctx, email)
}

func (r *cachedUserRepository) TouchLastLogin(ctx context.Context, id string) error {
	if err := r.inner.TouchLastLogin(ctx, id); err != nil {
		return err
	}
	r.redis.Del(ctx, cacheKey(id))
	return nil
}

func (r *cachedUserRepository) ListRecent(ctx context.Context, limit int) ([]*domain.User, error) {
	return r.inner.ListRecent(ctx, limit)
}
