package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists flow state per Telegram user. A missing record is Idle.
type Store interface {
	Load(ctx context.Context, telegramID int64) (State, error)
	Save(ctx context.Context, telegramID int64, st State) error
}

type RedisStore struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewRedisStore(rdb redis.Cmdable, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl, prefix: "flow:"}
}

func (s *RedisStore) key(telegramID int64) string {
	return fmt.Sprintf("%s%d", s.prefix, telegramID)
}

func (s *RedisStore) Load(ctx context.Context, telegramID int64) (State, error) {
	raw, err := s.rdb.Get(ctx, s.key(telegramID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{Step: StepIdle}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("load flow of %d: %w", telegramID, err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("decode flow of %d: %w", telegramID, err)
	}
	return st, nil
}

// Save writes st with the store TTL. Idle is stored as the absence of a key.
func (s *RedisStore) Save(ctx context.Context, telegramID int64, st State) error {
	if st.current() == StepIdle {
		if err := s.rdb.Del(ctx, s.key(telegramID)).Err(); err != nil {
			return fmt.Errorf("clear flow of %d: %w", telegramID, err)
		}
		return nil
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode flow of %d: %w", telegramID, err)
	}
	if err := s.rdb.Set(ctx, s.key(telegramID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("save flow of %d: %w", telegramID, err)
	}
	return nil
}

// userLocks serializes events of one user. Entries are dropped once no
// goroutine holds or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*userLock)}
}

func (l *userLocks) lock(telegramID int64) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.locks[telegramID]
	if !ok {
		ul = &userLock{}
		l.locks[telegramID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()

		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.locks, telegramID)
		}
		l.mu.Unlock()
	}
}
