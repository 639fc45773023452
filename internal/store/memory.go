package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ruralpay/equb/internal/models"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps all state in process. Transactions run one at a time on
// a private copy of the state which replaces the live state on commit, so a
// failed transaction leaves nothing behind.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memHighest struct {
	ID     string
	PoolID string
	Round  int
	BidID  string
}

type memberKey struct {
	PoolID   string
	MemberID string
}

type memState struct {
	pools         map[string]models.Pool
	members       map[string][]models.Membership
	rounds        map[string]models.RoundState
	wins          map[string][]models.Win
	bids          map[string][]models.Bid
	highest       map[string]memHighest
	confirmations map[string]models.PaymentConfirmationRequest
	confOrder     []string
	requests      map[string]models.Request
	reqOrder      []string
	friends       map[[2]string]models.Friendship
	balances      map[memberKey]models.MemberBalance
	ledger        []models.LedgerEntry
	nextEntryID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			pools:         map[string]models.Pool{},
			members:       map[string][]models.Membership{},
			rounds:        map[string]models.RoundState{},
			wins:          map[string][]models.Win{},
			bids:          map[string][]models.Bid{},
			highest:       map[string]memHighest{},
			confirmations: map[string]models.PaymentConfirmationRequest{},
			requests:      map[string]models.Request{},
			friends:       map[[2]string]models.Friendship{},
			balances:      map[memberKey]models.MemberBalance{},
		},
		now: time.Now,
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memTx{st: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func (st *memState) clone() *memState {
	c := &memState{
		pools:         maps.Clone(st.pools),
		members:       make(map[string][]models.Membership, len(st.members)),
		rounds:        maps.Clone(st.rounds),
		wins:          make(map[string][]models.Win, len(st.wins)),
		bids:          make(map[string][]models.Bid, len(st.bids)),
		highest:       maps.Clone(st.highest),
		confirmations: maps.Clone(st.confirmations),
		confOrder:     slices.Clone(st.confOrder),
		requests:      maps.Clone(st.requests),
		reqOrder:      slices.Clone(st.reqOrder),
		friends:       maps.Clone(st.friends),
		balances:      maps.Clone(st.balances),
		ledger:        slices.Clone(st.ledger),
		nextEntryID:   st.nextEntryID,
	}
	for k, v := range st.members {
		c.members[k] = slices.Clone(v)
	}
	for k, v := range st.wins {
		c.wins[k] = slices.Clone(v)
	}
	for k, v := range st.bids {
		c.bids[k] = slices.Clone(v)
	}
	return c
}

type memTx struct {
	st  *memState
	now func() time.Time
}

func highestKey(poolID string, round int) string {
	return fmt.Sprintf("%s/%d", poolID, round)
}

func (t *memTx) CreatePool(_ context.Context, p *models.Pool) error {
	if _, ok := t.st.pools[p.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range t.st.pools {
		if existing.Name == p.Name {
			return ErrDuplicate
		}
	}
	t.st.pools[p.ID] = *p
	t.st.rounds[p.ID] = models.RoundState{PoolID: p.ID}
	return nil
}

func (t *memTx) GetPool(_ context.Context, poolID string) (*models.Pool, error) {
	p, ok := t.st.pools[poolID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// LockPool is GetPool: the whole store is already held by the transaction.
func (t *memTx) LockPool(ctx context.Context, poolID string) (*models.Pool, error) {
	return t.GetPool(ctx, poolID)
}

func (t *memTx) PoolByName(_ context.Context, name string) (*models.Pool, error) {
	for _, p := range t.st.pools {
		if p.Name == name {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (t *memTx) UpdatePool(_ context.Context, p *models.Pool) error {
	if _, ok := t.st.pools[p.ID]; !ok {
		return ErrNotFound
	}
	t.st.pools[p.ID] = *p
	return nil
}

func (t *memTx) RunningPools(_ context.Context) ([]models.Pool, error) {
	var out []models.Pool
	for _, p := range t.st.pools {
		if p.IsActive && !p.IsCompleted {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b models.Pool) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (t *memTx) Members(_ context.Context, poolID string) ([]models.Membership, error) {
	return slices.Clone(t.st.members[poolID]), nil
}

func (t *memTx) AddMember(_ context.Context, m models.Membership) error {
	for _, existing := range t.st.members[m.PoolID] {
		if existing.MemberID == m.MemberID {
			return ErrDuplicate
		}
	}
	t.st.members[m.PoolID] = append(t.st.members[m.PoolID], m)
	slices.SortStableFunc(t.st.members[m.PoolID], func(a, b models.Membership) int {
		return a.JoinedAt.Compare(b.JoinedAt)
	})
	return nil
}

func (t *memTx) RoundState(_ context.Context, poolID string) (*models.RoundState, error) {
	rs, ok := t.st.rounds[poolID]
	if !ok {
		return nil, ErrNotFound
	}
	rs.Wins = slices.Clone(t.st.wins[poolID])
	rs.Received = make([]string, 0, len(rs.Wins))
	for _, w := range rs.Wins {
		rs.Received = append(rs.Received, w.MemberID)
	}
	return &rs, nil
}

func (t *memTx) SaveRoundState(_ context.Context, rs *models.RoundState) error {
	if _, ok := t.st.rounds[rs.PoolID]; !ok {
		return ErrNotFound
	}
	saved := *rs
	saved.Wins, saved.Received = nil, nil
	t.st.rounds[rs.PoolID] = saved
	return nil
}

func (t *memTx) InsertWin(_ context.Context, w models.Win) error {
	for _, existing := range t.st.wins[w.PoolID] {
		if existing.Round == w.Round || existing.MemberID == w.MemberID {
			return ErrDuplicate
		}
	}
	t.st.wins[w.PoolID] = append(t.st.wins[w.PoolID], w)
	return nil
}

func (t *memTx) InsertBid(_ context.Context, b *models.Bid) error {
	t.st.bids[b.PoolID] = append(t.st.bids[b.PoolID], *b)
	return nil
}

func (t *memTx) Bids(_ context.Context, poolID string, round int) ([]models.Bid, error) {
	var out []models.Bid
	for _, b := range t.st.bids[poolID] {
		if b.Round == round {
			out = append(out, b)
		}
	}
	return out, nil
}

func (t *memTx) findBid(poolID, bidID string) (*models.Bid, bool) {
	for _, b := range t.st.bids[poolID] {
		if b.ID == bidID {
			return &b, true
		}
	}
	return nil, false
}

func (t *memTx) HighestBid(_ context.Context, poolID string, round int) (*models.HighestBid, error) {
	h, ok := t.st.highest[highestKey(poolID, round)]
	if !ok {
		return nil, ErrNotFound
	}
	out := &models.HighestBid{ID: h.ID, PoolID: h.PoolID, Round: h.Round}
	if h.BidID != "" {
		b, ok := t.findBid(poolID, h.BidID)
		if !ok {
			return nil, fmt.Errorf("highest bid %s references missing bid %s", h.ID, h.BidID)
		}
		out.Bid = b
	}
	return out, nil
}

func (t *memTx) CreateHighestBid(_ context.Context, h *models.HighestBid) error {
	key := highestKey(h.PoolID, h.Round)
	if _, ok := t.st.highest[key]; ok {
		return ErrDuplicate
	}
	t.st.highest[key] = memHighest{ID: h.ID, PoolID: h.PoolID, Round: h.Round}
	return nil
}

func (t *memTx) SetHighestBid(_ context.Context, highestBidID, bidID string) error {
	for key, h := range t.st.highest {
		if h.ID == highestBidID {
			h.BidID = bidID
			t.st.highest[key] = h
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) InsertConfirmation(_ context.Context, p *models.PaymentConfirmationRequest) error {
	if _, ok := t.st.confirmations[p.ID]; ok {
		return ErrDuplicate
	}
	t.st.confirmations[p.ID] = *p
	t.st.confOrder = append(t.st.confOrder, p.ID)
	return nil
}

func (t *memTx) Confirmation(_ context.Context, id string) (*models.PaymentConfirmationRequest, error) {
	p, ok := t.st.confirmations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t *memTx) Confirmations(_ context.Context, poolID string, round int) ([]models.PaymentConfirmationRequest, error) {
	var out []models.PaymentConfirmationRequest
	for _, id := range t.st.confOrder {
		p := t.st.confirmations[id]
		if p.PoolID == poolID && p.Round == round {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) SetConfirmationState(_ context.Context, id string, from, to models.RequestState) error {
	p, ok := t.st.confirmations[id]
	if !ok {
		return ErrNotFound
	}
	if p.State != from {
		return ErrStaleState
	}
	p.State = to
	t.st.confirmations[id] = p
	return nil
}

func (t *memTx) InsertRequest(_ context.Context, r *models.Request) error {
	if _, ok := t.st.requests[r.ID]; ok {
		return ErrDuplicate
	}
	t.st.requests[r.ID] = *r
	t.st.reqOrder = append(t.st.reqOrder, r.ID)
	return nil
}

func (t *memTx) Request(_ context.Context, id string) (*models.Request, error) {
	r, ok := t.st.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (t *memTx) SetRequestState(_ context.Context, id string, from, to models.RequestState) error {
	r, ok := t.st.requests[id]
	if !ok {
		return ErrNotFound
	}
	if r.State != from {
		return ErrStaleState
	}
	r.State = to
	t.st.requests[id] = r
	return nil
}

func (t *memTx) PendingRequests(_ context.Context, kind models.RequestKind, poolID, senderID, receiverID string) ([]models.Request, error) {
	var out []models.Request
	for _, id := range t.st.reqOrder {
		r := t.st.requests[id]
		if r.Kind != kind || r.State != models.RequestPending {
			continue
		}
		if (poolID != "" && r.PoolID != poolID) ||
			(senderID != "" && r.SenderID != senderID) ||
			(receiverID != "" && r.ReceiverID != receiverID) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *memTx) ExpirePoolRequests(_ context.Context, poolID string) (int64, error) {
	var n int64
	for id, r := range t.st.requests {
		if r.PoolID == poolID && r.State == models.RequestPending {
			r.State = models.RequestExpired
			t.st.requests[id] = r
			n++
		}
	}
	return n, nil
}

func friendKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (t *memTx) AddFriendship(_ context.Context, f models.Friendship) error {
	key := friendKey(f.MemberID, f.FriendID)
	if _, ok := t.st.friends[key]; ok {
		return ErrDuplicate
	}
	t.st.friends[key] = f
	return nil
}

func (t *memTx) AreFriends(_ context.Context, a, b string) (bool, error) {
	_, ok := t.st.friends[friendKey(a, b)]
	return ok, nil
}

func (t *memTx) Friends(_ context.Context, memberID string) ([]string, error) {
	var out []string
	for key := range t.st.friends {
		switch memberID {
		case key[0]:
			out = append(out, key[1])
		case key[1]:
			out = append(out, key[0])
		}
	}
	slices.Sort(out)
	return out, nil
}

func (t *memTx) ApplyLedgerEntry(_ context.Context, e *models.LedgerEntry) error {
	key := memberKey{PoolID: e.PoolID, MemberID: e.MemberID}
	bal, ok := t.st.balances[key]
	if !ok {
		bal = models.MemberBalance{PoolID: e.PoolID, MemberID: e.MemberID, Balance: decimal.Zero}
	}
	now := t.now()
	bal.Balance = bal.Balance.Add(e.Amount)
	bal.Version++
	bal.UpdatedAt = now
	t.st.balances[key] = bal

	t.st.nextEntryID++
	e.ID = t.st.nextEntryID
	e.Balance = bal.Balance
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	t.st.ledger = append(t.st.ledger, *e)
	return nil
}

func (t *memTx) Balances(_ context.Context, poolID string) ([]models.MemberBalance, error) {
	var out []models.MemberBalance
	for key, bal := range t.st.balances {
		if key.PoolID == poolID {
			out = append(out, bal)
		}
	}
	slices.SortFunc(out, func(a, b models.MemberBalance) int {
		switch {
		case a.MemberID < b.MemberID:
			return -1
		case a.MemberID > b.MemberID:
			return 1
		}
		return 0
	})
	return out, nil
}

func (t *memTx) LedgerEntries(_ context.Context, poolID string) ([]models.LedgerEntry, error) {
	var out []models.LedgerEntry
	for _, e := range t.st.ledger {
		if e.PoolID == poolID {
			out = append(out, e)
		}
	}
	return out, nil
}
