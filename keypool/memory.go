package keypool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/keysource"
)

// Limits bounds key sizes accepted by a store, in bytes.
type Limits struct {
	MinKeySize int
	MaxKeySize int
}

// DefaultLimits matches the deployment default of 16B..4KiB material.
var DefaultLimits = Limits{MinKeySize: 16, MaxKeySize: 4096}

func (l Limits) allows(size int) bool {
	return size >= l.MinKeySize && size <= l.MaxKeySize
}

// MemoryStore is an in-process PoolStore. It holds every record in memory
// and provides the same transition guarantees as the postgres store through
// per-pool mutexes. Intended for tests and single-process cache-only use;
// it cannot uphold the single-consumption invariant across restarts.
type MemoryStore struct {
	limits Limits
	source keysource.Source
	log    *slog.Logger

	mu    sync.RWMutex
	pools map[string]*memPool

	tmu     sync.Mutex
	tickets []interfaces.SyncTicket
}

type memPool struct {
	mu        sync.Mutex
	principal interfaces.Principal
	nextSeq   uint64
	records   map[interfaces.KeyID]*interfaces.KeyRecord
	order     []interfaces.KeyID // creation order
	lastSync  *time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore(limits Limits, source keysource.Source, log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		limits: limits,
		source: source,
		log:    log,
		pools:  make(map[string]*memPool),
	}
}

func (s *MemoryStore) pool(id string) (*memPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return nil, interfaces.ErrUnknownPrincipal
	}
	return p, nil
}

func (s *MemoryStore) CreatePrincipal(ctx context.Context, p interfaces.Principal) (interfaces.Principal, error) {
	if err := p.Pool.Validate(); err != nil {
		return interfaces.Principal{}, err
	}
	if !s.limits.allows(p.Pool.KeySize) {
		return interfaces.Principal{}, interfaces.ErrInvalidSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pools[p.ID]; exists {
		return interfaces.Principal{}, interfaces.ErrDuplicatePrincipal
	}

	p.Active = true
	p.CreatedAt = time.Now().UTC()
	p.DeactivatedAt = nil
	s.pools[p.ID] = &memPool{
		principal: p,
		nextSeq:   1,
		records:   make(map[interfaces.KeyID]*interfaces.KeyRecord),
	}
	return p, nil
}

func (s *MemoryStore) Principal(ctx context.Context, id string) (interfaces.Principal, error) {
	p, err := s.pool(id)
	if err != nil {
		return interfaces.Principal{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.principal, nil
}

func (s *MemoryStore) Principals(ctx context.Context) ([]interfaces.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]interfaces.Principal, 0, len(s.pools))
	for _, p := range s.pools {
		p.mu.Lock()
		out = append(out, p.principal)
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeactivatePrincipal(ctx context.Context, id string) error {
	p, err := s.pool(id)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.principal.Active {
		now := time.Now().UTC()
		p.principal.Active = false
		p.principal.DeactivatedAt = &now
	}
	return nil
}

func (s *MemoryStore) GenerateKeys(ctx context.Context, owner string, count, size int) ([]interfaces.KeyRecord, error) {
	p, err := s.pool(owner)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.principal.Active {
		return nil, interfaces.ErrPrincipalInactive
	}
	if size == 0 {
		size = p.principal.Pool.KeySize
	}
	if !s.limits.allows(size) || size != p.principal.Pool.KeySize {
		return nil, interfaces.ErrInvalidSize
	}
	if len(p.records)+count > p.principal.Pool.MaxKeys {
		return nil, interfaces.ErrPoolCapacityExceeded
	}

	// Build the whole batch before touching the pool; a source failure
	// mid-batch must leave nothing behind.
	now := time.Now().UTC()
	seq := p.nextSeq
	batch := make([]*interfaces.KeyRecord, 0, count)
	for i := 0; i < count; i++ {
		material, err := s.source.Material(size)
		if err != nil {
			return nil, err
		}
		batch = append(batch, &interfaces.KeyRecord{
			ID:          interfaces.NewKeyID(owner, seq),
			Owner:       owner,
			Material:    material,
			Size:        size,
			Status:      interfaces.KeyStatusUnused,
			Replication: interfaces.ReplicationPending,
			CreatedAt:   now,
		})
		seq++
	}

	p.nextSeq = seq
	out := make([]interfaces.KeyRecord, 0, count)
	for _, rec := range batch {
		p.records[rec.ID] = rec
		p.order = append(p.order, rec.ID)
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (s *MemoryStore) ImportReplica(ctx context.Context, records []interfaces.KeyRecord) (int, error) {
	imported := 0
	for i := range records {
		rec := records[i]
		p, err := s.pool(rec.Owner)
		if err != nil {
			return imported, err
		}
		p.mu.Lock()
		if _, exists := p.records[rec.ID]; !exists {
			stored := rec
			stored.Status = interfaces.KeyStatusUnused
			stored.Replication = interfaces.ReplicationReplicated
			stored.Material = append([]byte(nil), rec.Material...)
			p.records[stored.ID] = &stored
			p.order = append(p.order, stored.ID)
			if _, seq, err := interfaces.ParseKeyID(stored.ID); err == nil && seq >= p.nextSeq {
				p.nextSeq = seq + 1
			}
			imported++
		}
		p.mu.Unlock()
	}
	return imported, nil
}

func (s *MemoryStore) ReserveForCounterpart(ctx context.Context, owner, requester string, count int) ([]interfaces.KeyRecord, error) {
	p, err := s.pool(owner)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.principal.Active {
		return nil, interfaces.ErrPrincipalInactive
	}

	// Oldest-created-first, to bound material age.
	candidates := make([]*interfaces.KeyRecord, 0, count)
	for _, id := range p.order {
		rec := p.records[id]
		if rec.Status == interfaces.KeyStatusUnused && rec.Replication == interfaces.ReplicationReplicated {
			candidates = append(candidates, rec)
			if len(candidates) == count {
				break
			}
		}
	}
	if len(candidates) < count {
		available := p.availableLocked()
		return nil, &interfaces.InsufficientKeysError{Owner: owner, Requested: count, Available: available}
	}

	now := time.Now().UTC()
	out := make([]interfaces.KeyRecord, 0, count)
	for _, rec := range candidates {
		rec.Status = interfaces.KeyStatusReserved
		rec.ReservedAt = &now
		rec.ReservedFor = requester
		out = append(out, cloneRecord(rec))
	}
	return out, nil
}

func (s *MemoryStore) Consume(ctx context.Context, owner string, ids []interfaces.KeyID, consumer string) ([]interfaces.ConsumeResult, error) {
	results := make([]interfaces.ConsumeResult, 0, len(ids))
	for _, id := range ids {
		results = append(results, s.consumeOne(owner, id, consumer))
	}
	return results, nil
}

func (s *MemoryStore) consumeOne(owner string, id interfaces.KeyID, consumer string) interfaces.ConsumeResult {
	res := interfaces.ConsumeResult{ID: id}

	keyOwner := id.Owner()
	if keyOwner == "" {
		res.Err = interfaces.ErrUnknownKey
		return res
	}
	p, err := s.pool(keyOwner)
	if err != nil {
		res.Err = interfaces.ErrUnknownKey
		return res
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.records[id]
	if !ok {
		res.Err = interfaces.ErrUnknownKey
		return res
	}
	if rec.Owner != owner {
		res.Err = interfaces.ErrNotOwned
		return res
	}
	if rec.Status.Terminal() {
		res.Err = &interfaces.KeyNotUsableError{ID: id, State: rec.Status}
		return res
	}

	// RESERVED or UNUSED: direct consume without prior reservation is the
	// same-owner decryption path.
	now := time.Now().UTC()
	delivered := cloneRecord(rec)
	delivered.Status = interfaces.KeyStatusConsumed
	delivered.ConsumedAt = &now
	delivered.ConsumedBy = consumer

	rec.Status = interfaces.KeyStatusConsumed
	rec.ConsumedAt = &now
	rec.ConsumedBy = consumer
	rec.Material = nil // material is unreadable from the moment of consumption

	res.Record = &delivered
	return res
}

func (s *MemoryStore) MarkReplication(ctx context.Context, owner string, ids []interfaces.KeyID, status interfaces.ReplicationStatus) error {
	p, err := s.pool(owner)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if rec, ok := p.records[id]; ok {
			rec.Replication = status
		}
	}
	return nil
}

func (s *MemoryStore) UnreplicatedKeys(ctx context.Context, owner string, limit int) ([]interfaces.KeyRecord, error) {
	p, err := s.pool(owner)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := []interfaces.KeyRecord{}
	for _, id := range p.order {
		rec := p.records[id]
		if rec.Status == interfaces.KeyStatusUnused && rec.Replication != interfaces.ReplicationReplicated {
			out = append(out, cloneRecord(rec))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) PoolSummary(ctx context.Context, owner string) (interfaces.PoolSummary, error) {
	p, err := s.pool(owner)
	if err != nil {
		return interfaces.PoolSummary{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.availableLocked()
	total := len(p.records)
	return interfaces.PoolSummary{
		Owner:     owner,
		Total:     total,
		Used:      total - available,
		Available: available,
		LastSync:  p.lastSync,
	}, nil
}

func (p *memPool) availableLocked() int {
	available := 0
	for _, rec := range p.records {
		if rec.Status == interfaces.KeyStatusUnused && rec.Replication == interfaces.ReplicationReplicated {
			available++
		}
	}
	return available
}

func (s *MemoryStore) ExpireStale(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-ttl)
	expired := 0

	s.mu.RLock()
	pools := make([]*memPool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.RUnlock()

	for _, p := range pools {
		p.mu.Lock()
		for _, rec := range p.records {
			if rec.Status == interfaces.KeyStatusReserved && rec.ReservedAt != nil && rec.ReservedAt.Before(cutoff) {
				rec.Status = interfaces.KeyStatusExpired
				rec.Material = nil
				expired++
			}
		}
		p.mu.Unlock()
	}
	return expired, nil
}

func (s *MemoryStore) RecordSyncTicket(ctx context.Context, t interfaces.SyncTicket) error {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for i := range s.tickets {
		if s.tickets[i].ID == t.ID {
			s.tickets[i] = t
			return nil
		}
	}
	s.tickets = append(s.tickets, t)
	return nil
}

func (s *MemoryStore) SyncTickets(ctx context.Context, owner string, limit int) ([]interfaces.SyncTicket, error) {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	out := []interfaces.SyncTicket{}
	for i := len(s.tickets) - 1; i >= 0; i-- {
		if s.tickets[i].Principal == owner {
			out = append(out, s.tickets[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) PruneSyncTickets(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-retention)

	s.tmu.Lock()
	defer s.tmu.Unlock()

	kept := s.tickets[:0]
	pruned := 0
	for _, t := range s.tickets {
		if t.StartedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, t)
	}
	s.tickets = kept
	return pruned, nil
}

func (s *MemoryStore) SetLastSync(ctx context.Context, owner string, at time.Time) error {
	p, err := s.pool(owner)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	at = at.UTC()
	p.lastSync = &at
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneRecord(rec *interfaces.KeyRecord) interfaces.KeyRecord {
	out := *rec
	out.Material = append([]byte(nil), rec.Material...)
	return out
}
