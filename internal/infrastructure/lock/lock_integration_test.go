//go:build integration

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"ferma-fiscal/internal/domain"
)

type RedisLockerSuite struct {
	suite.Suite
	container *tcredis.RedisContainer
	client    *redis.Client
	locker    *RedisLocker
}

func TestRedisLockerSuite(t *testing.T) {
	suite.Run(t, new(RedisLockerSuite))
}

func (s *RedisLockerSuite) SetupSuite() {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	s.Require().NoError(err)
	s.container = container

	url, err := container.ConnectionString(ctx)
	s.Require().NoError(err)
	opts, err := redis.ParseURL(url)
	s.Require().NoError(err)
	s.client = redis.NewClient(opts)
	s.Require().NoError(s.client.Ping(ctx).Err())
	s.locker = NewRedisLocker(s.client)
}

func (s *RedisLockerSuite) TearDownSuite() {
	if s.client != nil {
		_ = s.client.Close()
	}
	s.NoError(testcontainers.TerminateContainer(s.container))
}

func (s *RedisLockerSuite) SetupTest() {
	s.Require().NoError(s.client.FlushAll(context.Background()).Err())
}

func (s *RedisLockerSuite) TestExclusiveUntilReleased() {
	ctx := context.Background()

	release, err := s.locker.Acquire(ctx, "pay_1", time.Minute)
	s.Require().NoError(err)

	_, err = s.locker.Acquire(ctx, "pay_1", time.Minute)
	s.ErrorIs(err, domain.ErrSubmissionInProgress)

	s.Require().NoError(release(ctx))
	_, err = s.locker.Acquire(ctx, "pay_1", time.Minute)
	s.NoError(err)
}

func (s *RedisLockerSuite) TestStaleReleaseKeepsNewHolder() {
	ctx := context.Background()

	stale, err := s.locker.Acquire(ctx, "pay_2", 50*time.Millisecond)
	s.Require().NoError(err)
	time.Sleep(100 * time.Millisecond)

	_, err = s.locker.Acquire(ctx, "pay_2", time.Minute)
	s.Require().NoError(err)
	s.Require().NoError(stale(ctx))

	_, err = s.locker.Acquire(ctx, "pay_2", time.Minute)
	s.ErrorIs(err, domain.ErrSubmissionInProgress)
}
