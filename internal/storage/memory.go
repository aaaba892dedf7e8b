// internal/storage/memory.go
// In-memory implementation of the Store interface, intended for development and testing.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-market-go/internal/model"
	"github.com/shopspring/decimal"
)

// memory implements the Store interface using in-memory maps.
// Units of work stage their writes and apply them atomically at Commit;
// LockVideo/LockUser emulate row locks with per-key semaphores.
type memory struct {
	mu          sync.RWMutex                    // Protects concurrent access to maps
	users       map[string]*model.User          // Map of user ID to user
	videos      map[string]*model.Video         // Map of video ID to video (children kept separately)
	sales       map[string]*model.SalesInfo     // Map of video ID to listing
	locks       map[string]*model.SalesLockInfo // Map of video ID to sale lock
	history     []model.TransactionHistory      // Append-only sale history
	historyIDs  map[string]struct{}
	tokens      []model.TokenHistory // Append-only token ledger
	tokenIDs    map[string]struct{}
	rewards     map[string]*model.PendingReward // Map of reward ID to outbox row
	rewardsByTx map[string]string               // Map of transaction ID to reward ID

	rows *rowLocks
}

// NewMemory creates a new in-memory storage implementation.
// Returns a Store interface that can be used for testing or development.
func NewMemory() Store {
	return &memory{
		users:       make(map[string]*model.User),
		videos:      make(map[string]*model.Video),
		sales:       make(map[string]*model.SalesInfo),
		locks:       make(map[string]*model.SalesLockInfo),
		historyIDs:  make(map[string]struct{}),
		tokenIDs:    make(map[string]struct{}),
		rewards:     make(map[string]*model.PendingReward),
		rewardsByTx: make(map[string]string),
		rows:        newRowLocks(),
	}
}

func (m *memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *memory) Close() {}

func (m *memory) CreateUser(ctx context.Context, user model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user.Wallet.Address == "" {
		return ErrWalletRequired
	}
	if _, exists := m.users[user.ID]; exists {
		return ErrConflict
	}
	for _, u := range m.users {
		if u.Wallet.Address == user.Wallet.Address {
			return ErrConflict
		}
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	userCopy := user
	m.users[user.ID] = &userCopy
	return nil
}

func (m *memory) CreateVideo(ctx context.Context, video model.Video) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.videos[video.ID]; exists {
		return ErrConflict
	}
	if _, exists := m.users[video.OwnerID]; !exists {
		return ErrNotFound
	}
	now := time.Now().UTC()
	if video.CreatedAt.IsZero() {
		video.CreatedAt = now
	}
	if video.UpdatedAt.IsZero() {
		video.UpdatedAt = video.CreatedAt
	}

	if video.SalesInfo != nil {
		info := *video.SalesInfo
		info.VideoID = video.ID
		m.sales[video.ID] = &info
	}
	if video.SalesLock != nil {
		lock := *video.SalesLock
		lock.VideoID = video.ID
		m.locks[video.ID] = &lock
	}
	videoCopy := video
	videoCopy.SalesInfo = nil
	videoCopy.SalesLock = nil
	m.videos[video.ID] = &videoCopy
	return nil
}

func (m *memory) GetUser(ctx context.Context, id string) (*model.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[id]
	if !exists {
		return nil, ErrNotFound
	}
	userCopy := *user
	return &userCopy, nil
}

func (m *memory) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.videoLocked(id)
}

// videoLocked assembles a video with its child rows. Callers hold m.mu.
func (m *memory) videoLocked(id string) (*model.Video, error) {
	video, exists := m.videos[id]
	if !exists {
		return nil, ErrNotFound
	}
	videoCopy := *video
	if info, ok := m.sales[id]; ok {
		infoCopy := *info
		videoCopy.SalesInfo = &infoCopy
	}
	if lock, ok := m.locks[id]; ok {
		lockCopy := *lock
		videoCopy.SalesLock = &lockCopy
	}
	return &videoCopy, nil
}

func (m *memory) TokenBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	balance := decimal.Zero
	for _, entry := range m.tokens {
		if entry.UserID == userID {
			balance = balance.Add(entry.Value)
		}
	}
	return balance, nil
}

func (m *memory) ListTransactionHistory(ctx context.Context, videoID string) ([]model.TransactionHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.TransactionHistory, 0)
	for _, h := range m.history {
		if videoID == "" || h.VideoID == videoID {
			result = append(result, h)
		}
	}
	return result, nil
}

func (m *memory) ListTokenHistory(ctx context.Context, userID string, offset, limit int) ([]model.TokenHistoryItem, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]model.TokenHistory, 0)
	for _, entry := range m.tokens {
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	// Newest first, ID as tie-breaker for stable ordering
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID > entries[j].ID
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	total := len(entries)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}

	items := make([]model.TokenHistoryItem, 0, end-offset)
	for _, entry := range entries[offset:end] {
		item := model.TokenHistoryItem{TokenHistory: entry}
		if video, ok := m.videos[entry.VideoID]; ok {
			item.Video = &model.VideoSummary{
				ID:           video.ID,
				Title:        video.Title,
				ThumbnailURL: video.ThumbnailURL,
			}
		}
		items = append(items, item)
	}
	return items, total, nil
}

func (m *memory) ListPendingRewards(ctx context.Context, limit int) ([]model.PendingReward, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]model.PendingReward, 0)
	for _, r := range m.rewards {
		if r.Status == model.RewardPending {
			result = append(result, *r)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memory) DeleteExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for videoID, lock := range m.locks {
		if !lock.ActiveAt(now) {
			delete(m.locks, videoID)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memory) CountSalesLocks(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locks), nil
}

func (m *memory) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memTx{m: m, held: make(map[string]struct{})}, nil
}

// op applies one staged write and returns how to undo it.
type op func(m *memory) (undo func(), err error)

// memTx is the in-memory unit of work.
type memTx struct {
	m    *memory
	ops  []op
	held map[string]struct{}
	done bool
}

func (t *memTx) stage(o op) error {
	if t.done {
		return ErrTxDone
	}
	t.ops = append(t.ops, o)
	return nil
}

func (t *memTx) lockRow(ctx context.Context, key string) error {
	if t.done {
		return ErrTxDone
	}
	if _, ok := t.held[key]; ok {
		return nil
	}
	if err := t.m.rows.acquire(ctx, key); err != nil {
		return err
	}
	t.held[key] = struct{}{}
	return nil
}

func (t *memTx) finish() {
	for key := range t.held {
		t.m.rows.release(key)
	}
	t.held = nil
	t.ops = nil
	t.done = true
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	defer t.finish()

	if err := ctx.Err(); err != nil {
		return err
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	undos := make([]func(), 0, len(t.ops))
	for _, o := range t.ops {
		undo, err := o(t.m)
		if err != nil {
			for i := len(undos) - 1; i >= 0; i-- {
				undos[i]()
			}
			return err
		}
		undos = append(undos, undo)
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.finish()
	return nil
}

func (t *memTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	return t.m.GetUser(ctx, id)
}

func (t *memTx) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	return t.m.GetVideo(ctx, id)
}

func (t *memTx) TokenBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	return t.m.TokenBalance(ctx, userID)
}

func (t *memTx) LockVideo(ctx context.Context, videoID string) (*model.Video, error) {
	if err := t.lockRow(ctx, "video:"+videoID); err != nil {
		return nil, err
	}
	return t.m.GetVideo(ctx, videoID)
}

func (t *memTx) LockUser(ctx context.Context, userID string) error {
	if err := t.lockRow(ctx, "user:"+userID); err != nil {
		return err
	}
	_, err := t.m.GetUser(ctx, userID)
	return err
}

func (t *memTx) LockPendingReward(ctx context.Context, id string) (*model.PendingReward, error) {
	if err := t.lockRow(ctx, "reward:"+id); err != nil {
		return nil, err
	}
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()

	reward, ok := t.m.rewards[id]
	if !ok {
		return nil, ErrNotFound
	}
	rewardCopy := *reward
	return &rewardCopy, nil
}

func (t *memTx) UpsertSalesInfo(ctx context.Context, info model.SalesInfo) error {
	return t.stage(func(m *memory) (func(), error) {
		if _, ok := m.videos[info.VideoID]; !ok {
			return nil, ErrNotFound
		}
		prev, had := m.sales[info.VideoID]
		infoCopy := info
		m.sales[info.VideoID] = &infoCopy
		return func() {
			if had {
				m.sales[info.VideoID] = prev
			} else {
				delete(m.sales, info.VideoID)
			}
		}, nil
	})
}

func (t *memTx) DeleteSalesInfo(ctx context.Context, videoID string) error {
	return t.stage(func(m *memory) (func(), error) {
		prev, had := m.sales[videoID]
		delete(m.sales, videoID)
		return func() {
			if had {
				m.sales[videoID] = prev
			}
		}, nil
	})
}

func (t *memTx) UpsertSalesLock(ctx context.Context, lock model.SalesLockInfo) error {
	return t.stage(func(m *memory) (func(), error) {
		if _, ok := m.videos[lock.VideoID]; !ok {
			return nil, ErrNotFound
		}
		if _, ok := m.users[lock.LockedBy]; !ok {
			return nil, ErrNotFound
		}
		prev, had := m.locks[lock.VideoID]
		lockCopy := lock
		m.locks[lock.VideoID] = &lockCopy
		return func() {
			if had {
				m.locks[lock.VideoID] = prev
			} else {
				delete(m.locks, lock.VideoID)
			}
		}, nil
	})
}

func (t *memTx) DeleteSalesLock(ctx context.Context, videoID string) error {
	return t.stage(func(m *memory) (func(), error) {
		prev, had := m.locks[videoID]
		delete(m.locks, videoID)
		return func() {
			if had {
				m.locks[videoID] = prev
			}
		}, nil
	})
}

func (t *memTx) UpdateVideoOwner(ctx context.Context, videoID, expectedOwnerID, newOwnerID string, at time.Time) error {
	return t.stage(func(m *memory) (func(), error) {
		video, ok := m.videos[videoID]
		if !ok {
			return nil, ErrNotFound
		}
		if _, ok := m.users[newOwnerID]; !ok {
			return nil, ErrNotFound
		}
		if video.OwnerID != expectedOwnerID {
			return nil, ErrConflict
		}
		prevOwner, prevUpdated := video.OwnerID, video.UpdatedAt
		video.OwnerID = newOwnerID
		video.UpdatedAt = at
		return func() {
			video.OwnerID = prevOwner
			video.UpdatedAt = prevUpdated
		}, nil
	})
}

func (t *memTx) CreateTransactionHistory(ctx context.Context, history model.TransactionHistory) error {
	return t.stage(func(m *memory) (func(), error) {
		if _, dup := m.historyIDs[history.ID]; dup {
			return nil, ErrConflict
		}
		if _, ok := m.videos[history.VideoID]; !ok {
			return nil, ErrNotFound
		}
		n := len(m.history)
		m.history = append(m.history, history)
		m.historyIDs[history.ID] = struct{}{}
		return func() {
			m.history = m.history[:n]
			delete(m.historyIDs, history.ID)
		}, nil
	})
}

func (t *memTx) AppendTokenHistory(ctx context.Context, entry model.TokenHistory) error {
	return t.stage(func(m *memory) (func(), error) {
		if _, dup := m.tokenIDs[entry.ID]; dup {
			return nil, ErrConflict
		}
		if _, ok := m.users[entry.UserID]; !ok {
			return nil, ErrNotFound
		}
		n := len(m.tokens)
		m.tokens = append(m.tokens, entry)
		m.tokenIDs[entry.ID] = struct{}{}
		return func() {
			m.tokens = m.tokens[:n]
			delete(m.tokenIDs, entry.ID)
		}, nil
	})
}

func (t *memTx) CreatePendingReward(ctx context.Context, reward model.PendingReward) error {
	return t.stage(func(m *memory) (func(), error) {
		if _, dup := m.rewards[reward.ID]; dup {
			return nil, ErrConflict
		}
		if _, dup := m.rewardsByTx[reward.TransactionID]; dup {
			return nil, ErrConflict
		}
		rewardCopy := reward
		m.rewards[reward.ID] = &rewardCopy
		m.rewardsByTx[reward.TransactionID] = reward.ID
		return func() {
			delete(m.rewards, reward.ID)
			delete(m.rewardsByTx, reward.TransactionID)
		}, nil
	})
}

func (t *memTx) UpdatePendingReward(ctx context.Context, reward model.PendingReward) error {
	return t.stage(func(m *memory) (func(), error) {
		prev, ok := m.rewards[reward.ID]
		if !ok {
			return nil, ErrNotFound
		}
		rewardCopy := reward
		m.rewards[reward.ID] = &rewardCopy
		return func() {
			m.rewards[reward.ID] = prev
		}, nil
	})
}

// rowLocks is a set of per-key binary semaphores. Acquisition honours context cancellation.
type rowLocks struct {
	mu   sync.Mutex
	keys map[string]chan struct{}
}

func newRowLocks() *rowLocks {
	return &rowLocks{keys: make(map[string]chan struct{})}
}

func (r *rowLocks) slot(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.keys[key]
	if !ok {
		ch = make(chan struct{}, 1)
		r.keys[key] = ch
	}
	return ch
}

func (r *rowLocks) acquire(ctx context.Context, key string) error {
	select {
	case r.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *rowLocks) release(key string) {
	<-r.slot(key)
}
