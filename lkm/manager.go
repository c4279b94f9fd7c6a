// Package lkm implements the Local Key Manager: the node-level coordinator
// that owns the hybrid synchronization policy (scheduled, threshold,
// emergency, manual) and fronts the delivery operations. It composes the
// lifecycle engine, the replication broadcaster, and the peer client; it
// holds no key state of its own.
package lkm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omkar-sarwat/Qumail-sub003/broadcast"
	"github.com/omkar-sarwat/Qumail-sub003/interfaces"
	"github.com/omkar-sarwat/Qumail-sub003/lifecycle"
)

// Config controls the sync worker and the defaults applied to new pools.
type Config struct {
	// SyncInterval is how stale a pool's last sync may get before the
	// scheduled trigger fires.
	SyncInterval time.Duration

	// PollInterval is the worker's housekeeping tick.
	PollInterval time.Duration

	// SyncTimeout bounds a single synchronization attempt.
	SyncTimeout time.Duration

	// ReserveTTL is how long a RESERVED key may sit before the sweeper
	// expires it.
	ReserveTTL time.Duration

	// TicketRetention bounds how long finished sync tickets are kept.
	TicketRetention time.Duration

	// DefaultPool fills in pool parameters a registration omits.
	DefaultPool interfaces.PoolConfig
}

// DefaultConfig matches a small deployment: daily scheduled syncs with a
// frequent housekeeping tick.
var DefaultConfig = Config{
	SyncInterval:    24 * time.Hour,
	PollInterval:    15 * time.Second,
	SyncTimeout:     60 * time.Second,
	ReserveTTL:      10 * time.Minute,
	TicketRetention: 72 * time.Hour,
	DefaultPool: interfaces.PoolConfig{
		TargetSize:         100,
		MaxKeys:            1000,
		KeySize:            32,
		LowWatermark:       0.2,
		EmergencyWatermark: 0.05,
	},
}

type syncRequest struct {
	owner   string
	trigger interfaces.SyncTrigger
}

// Manager wires delivery requests to the engine and schedules pool
// synchronization. A single worker goroutine (Run) drains the trigger
// queues so syncs for the node never run concurrently with each other;
// delivery operations are not serialized through it.
type Manager struct {
	engine *lifecycle.Engine
	peer   interfaces.PeerClient
	bcast  *broadcast.Broadcaster
	cfg    Config
	log    *slog.Logger

	triggers  chan syncRequest
	emergency chan syncRequest

	mu      sync.Mutex
	pending map[string]interfaces.SyncTrigger
}

func New(engine *lifecycle.Engine, peer interfaces.PeerClient, bcast *broadcast.Broadcaster, cfg Config, log *slog.Logger) *Manager {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultConfig.SyncInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = DefaultConfig.SyncTimeout
	}
	if cfg.ReserveTTL <= 0 {
		cfg.ReserveTTL = DefaultConfig.ReserveTTL
	}
	if cfg.TicketRetention <= 0 {
		cfg.TicketRetention = DefaultConfig.TicketRetention
	}
	if cfg.DefaultPool.TargetSize == 0 {
		cfg.DefaultPool = DefaultConfig.DefaultPool
	}

	m := &Manager{
		engine:    engine,
		peer:      peer,
		bcast:     bcast,
		cfg:       cfg,
		log:       log,
		triggers:  make(chan syncRequest, 64),
		emergency: make(chan syncRequest, 64),
		pending:   make(map[string]interfaces.SyncTrigger),
	}
	engine.SetWatermarkHook(m.NotifyWatermark)
	return m
}

// Run is the sync worker loop. Emergency requests preempt ordinary ones;
// the housekeeping tick drives scheduled syncs, the reservation sweeper,
// and ticket pruning. Run returns when ctx is canceled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// Drain emergencies first so a scheduled tick never delays one.
		select {
		case req := <-m.emergency:
			m.runSync(ctx, req)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case req := <-m.emergency:
			m.runSync(ctx, req)
		case req := <-m.triggers:
			m.runSync(ctx, req)
		case <-ticker.C:
			m.housekeep(ctx)
		}
	}
}

// NotifyWatermark is the lifecycle engine's watermark hook. It classifies
// the drop against the pool's emergency watermark and enqueues a sync;
// it never blocks the delivery path.
func (m *Manager) NotifyWatermark(owner string, summary interfaces.PoolSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := m.engine.Principal(ctx, owner)
	if err != nil {
		m.log.Error("Watermark trigger for unknown principal", "principal", owner, "err", err)
		return
	}
	trigger := interfaces.TriggerThreshold
	if summary.AvailableFraction() < p.Pool.EmergencyWatermark {
		trigger = interfaces.TriggerEmergency
	}
	m.enqueue(owner, trigger)
}

func (m *Manager) enqueue(owner string, trigger interfaces.SyncTrigger) {
	m.mu.Lock()
	prev, queued := m.pending[owner]
	if queued && (prev == interfaces.TriggerEmergency || prev == trigger) {
		m.mu.Unlock()
		return
	}
	m.pending[owner] = trigger
	m.mu.Unlock()

	req := syncRequest{owner: owner, trigger: trigger}
	ch := m.triggers
	if trigger == interfaces.TriggerEmergency {
		ch = m.emergency
	}
	select {
	case ch <- req:
		m.log.Info("Sync queued", "principal", owner, "trigger", trigger)
	default:
		m.mu.Lock()
		delete(m.pending, owner)
		m.mu.Unlock()
		m.log.Warn("Sync queue full, dropping trigger", "principal", owner, "trigger", trigger)
	}
}

func (m *Manager) runSync(ctx context.Context, req syncRequest) {
	m.mu.Lock()
	delete(m.pending, req.owner)
	m.mu.Unlock()

	ticket, err := m.syncPool(ctx, req.owner, req.trigger)
	if err != nil {
		m.log.Error("Pool sync failed", "principal", req.owner, "trigger", req.trigger, "err", err)
		return
	}
	m.log.Info("Pool sync finished",
		"principal", req.owner,
		"trigger", req.trigger,
		"outcome", ticket.Outcome,
		"keysPulled", ticket.KeysPulled,
	)
}

func (m *Manager) housekeep(ctx context.Context) {
	now := time.Now()
	principals, err := m.engine.Store().Principals(ctx)
	if err != nil {
		m.log.Error("Could not list principals for scheduled sync", "err", err)
	} else {
		for _, p := range principals {
			if !p.Active {
				continue
			}
			summary, err := m.engine.Summary(ctx, p.ID)
			if err != nil {
				continue
			}
			if summary.LastSync == nil || now.Sub(*summary.LastSync) >= m.cfg.SyncInterval {
				m.enqueue(p.ID, interfaces.TriggerScheduled)
			}
		}
	}

	if n, err := m.engine.ExpireStale(ctx, m.cfg.ReserveTTL); err != nil {
		m.log.Error("Reservation sweep failed", "err", err)
	} else if n > 0 {
		m.log.Info("Expired stale reservations", "count", n)
	}

	if _, err := m.engine.Store().PruneSyncTickets(ctx, m.cfg.TicketRetention); err != nil {
		m.log.Error("Ticket pruning failed", "err", err)
	}
}

// syncPool performs one synchronization attempt for owner's pool and
// records a ticket. Home pools re-broadcast unreplicated keys and refill
// toward the target size; replica pools pull the deficit from the peer.
func (m *Manager) syncPool(ctx context.Context, owner string, trigger interfaces.SyncTrigger) (interfaces.SyncTicket, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SyncTimeout)
	defer cancel()

	p, err := m.engine.Principal(ctx, owner)
	if err != nil {
		return interfaces.SyncTicket{}, err
	}

	ticket := interfaces.SyncTicket{
		ID:        uuid.NewString(),
		Principal: owner,
		Trigger:   trigger,
		StartedAt: time.Now(),
		Outcome:   interfaces.SyncSuccess,
	}

	if p.Home {
		err = m.syncHome(ctx, p, &ticket)
	} else {
		err = m.syncReplica(ctx, p, &ticket)
	}
	if err != nil {
		ticket.Error = err.Error()
		ticket.Outcome = interfaces.SyncFailure
		if ctx.Err() == context.DeadlineExceeded {
			ticket.Outcome = interfaces.SyncTimeout
		}
	}

	now := time.Now()
	ticket.FinishedAt = &now
	if rerr := m.engine.Store().RecordSyncTicket(context.WithoutCancel(ctx), ticket); rerr != nil {
		m.log.Error("Could not record sync ticket", "principal", owner, "err", rerr)
	}
	if ticket.Outcome == interfaces.SyncSuccess {
		if serr := m.engine.Store().SetLastSync(context.WithoutCancel(ctx), owner, now); serr != nil {
			m.log.Error("Could not record sync time", "principal", owner, "err", serr)
		}
	}
	return ticket, nil
}

func (m *Manager) syncHome(ctx context.Context, p interfaces.Principal, ticket *interfaces.SyncTicket) error {
	// First give keys stuck in pending or failed replication another shot.
	if retryTicket, attempted := m.bcast.RetryPending(ctx, p.ID); attempted {
		ticket.KeysPulled += retryTicket.KeysPulled
		if retryTicket.Outcome != interfaces.SyncSuccess {
			return fmt.Errorf("%w: replication retry: %s", interfaces.ErrSyncPartial, retryTicket.Error)
		}
	}

	summary, err := m.engine.Summary(ctx, p.ID)
	if err != nil {
		return err
	}
	deficit := m.deficit(p, summary)
	if deficit <= 0 {
		return nil
	}

	records, err := m.engine.Generate(ctx, p.ID, deficit, p.Pool.KeySize)
	if err != nil {
		return err
	}
	bt := m.bcast.Broadcast(ctx, p.ID, records)
	ticket.KeysPulled += bt.KeysPulled
	if bt.Outcome != interfaces.SyncSuccess {
		return fmt.Errorf("%w: broadcast: %s", interfaces.ErrSyncFailed, bt.Error)
	}
	return nil
}

func (m *Manager) syncReplica(ctx context.Context, p interfaces.Principal, ticket *interfaces.SyncTicket) error {
	summary, err := m.engine.Summary(ctx, p.ID)
	if err != nil {
		return err
	}
	deficit := m.deficit(p, summary)
	if deficit <= 0 {
		return nil
	}

	records, err := m.peer.Pull(ctx, p.ID, deficit, p.Pool.KeySize)
	if err != nil {
		return fmt.Errorf("%w: pull from peer: %w", interfaces.ErrSyncFailed, err)
	}
	imported, err := m.engine.ImportReplica(ctx, records)
	if err != nil {
		return err
	}
	ticket.KeysPulled += imported
	return nil
}

// deficit returns how many keys a sync should add: enough to bring the
// available count back to the target, capped by the pool's hard maximum.
func (m *Manager) deficit(p interfaces.Principal, summary interfaces.PoolSummary) int {
	want := p.Pool.TargetSize - summary.Available
	if room := p.Pool.MaxKeys - summary.Total; want > room {
		want = room
	}
	return want
}

// RegisterPrincipal creates the authoritative pool locally, mirrors the
// principal to the peer, and seeds the pool up to its target size. A peer
// outage does not fail registration; the first sync catches the mirror up.
func (m *Manager) RegisterPrincipal(ctx context.Context, p interfaces.Principal) (interfaces.Principal, error) {
	p.Active = true
	p.Home = true
	m.applyPoolDefaults(&p.Pool)

	created, err := m.engine.RegisterPrincipal(ctx, p)
	if err != nil {
		return interfaces.Principal{}, err
	}

	mirror := created
	mirror.Home = false
	if err := m.peer.MirrorPrincipal(ctx, mirror); err != nil {
		m.log.Warn("Could not mirror principal to peer, continuing",
			"principal", created.ID, "err", err)
	}

	records, err := m.engine.Generate(ctx, created.ID, created.Pool.TargetSize, created.Pool.KeySize)
	if err != nil {
		m.log.Error("Initial pool fill failed", "principal", created.ID, "err", err)
		return created, nil
	}
	m.bcast.Broadcast(ctx, created.ID, records)
	return created, nil
}

// Deactivate soft-deactivates a principal locally and mirrors the
// deactivation to the peer.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	if err := m.engine.Deactivate(ctx, id); err != nil {
		return err
	}
	p, err := m.engine.Principal(ctx, id)
	if err != nil {
		return err
	}
	p.Home = false
	if err := m.peer.MirrorPrincipal(ctx, p); err != nil {
		m.log.Warn("Could not mirror deactivation to peer", "principal", id, "err", err)
	}
	return nil
}

// RequestEncryptionKeys serves an encryption delivery: count keys from the
// target principal's pool, reserved and consumed on behalf of requester.
// size is in bytes; zero means the pool's configured size.
func (m *Manager) RequestEncryptionKeys(ctx context.Context, requester, target string, count, size int) ([]interfaces.KeyRecord, error) {
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", interfaces.ErrInvalidSize)
	}
	req, err := m.engine.Principal(ctx, requester)
	if err != nil {
		return nil, err
	}
	if !req.Active {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrPrincipalInactive, requester)
	}
	tgt, err := m.engine.Principal(ctx, target)
	if err != nil {
		return nil, err
	}
	if size != 0 && size != tgt.Pool.KeySize {
		return nil, fmt.Errorf("%w: pool of %s holds %d-byte keys, requested %d",
			interfaces.ErrInvalidSize, target, tgt.Pool.KeySize, size)
	}
	return m.engine.ReserveAndConsume(ctx, target, requester, count)
}

// RequestDecryptionKeys serves a decryption retrieval: the owner consumes
// its own replica copies of keys its counterpart already used. Per-key
// outcome; malformed identifiers fail individually, not the whole call.
func (m *Manager) RequestDecryptionKeys(ctx context.Context, owner string, rawIDs []string) ([]interfaces.ConsumeResult, error) {
	results := make([]interfaces.ConsumeResult, 0, len(rawIDs))
	ids := make([]interfaces.KeyID, 0, len(rawIDs))
	for _, raw := range rawIDs {
		id := interfaces.KeyID(raw)
		if _, _, err := interfaces.ParseKeyID(id); err != nil {
			results = append(results, interfaces.ConsumeResult{
				ID:  id,
				Err: fmt.Errorf("%w: %q", interfaces.ErrUnknownKey, raw),
			})
			continue
		}
		ids = append(ids, id)
	}

	consumed, err := m.engine.ConsumeForDecryption(ctx, owner, ids)
	if err != nil {
		return nil, err
	}
	return append(results, consumed...), nil
}

// Status returns the pool summary for owner.
func (m *Manager) Status(ctx context.Context, owner string) (interfaces.PoolSummary, error) {
	return m.engine.Summary(ctx, owner)
}

// Principals lists every registered principal.
func (m *Manager) Principals(ctx context.Context) ([]interfaces.Principal, error) {
	return m.engine.Store().Principals(ctx)
}

// RequestSync runs a manual synchronization inline and returns its ticket.
func (m *Manager) RequestSync(ctx context.Context, owner string) (interfaces.SyncTicket, error) {
	return m.syncPool(ctx, owner, interfaces.TriggerManual)
}

// Tickets returns the most recent sync tickets for owner.
func (m *Manager) Tickets(ctx context.Context, owner string, limit int) ([]interfaces.SyncTicket, error) {
	return m.engine.Store().SyncTickets(ctx, owner, limit)
}

// HandleMirror applies a principal mirrored from the peer: first sight
// creates the replica pool, a repeat with Active=false deactivates it.
// A first-sight mirror of a deactivated principal can happen when the
// registration mirror was lost to an outage; the replica is created and
// deactivated in one go so it never serves deliveries.
func (m *Manager) HandleMirror(ctx context.Context, p interfaces.Principal) error {
	p.Home = false
	_, err := m.engine.RegisterPrincipal(ctx, p)
	switch {
	case err == nil, errors.Is(err, interfaces.ErrDuplicatePrincipal):
		if !p.Active {
			return m.engine.Deactivate(ctx, p.ID)
		}
		return nil
	default:
		return err
	}
}

// HandleReplicate imports records pushed by the peer into the local
// replica pool.
func (m *Manager) HandleReplicate(ctx context.Context, records []interfaces.KeyRecord) (int, error) {
	return m.engine.ImportReplica(ctx, records)
}

// HandlePull serves the peer's pull: generate fresh keys in the local
// authoritative pool and hand them over with material. The handed-over
// copies count as replicated here, since the peer is about to hold them.
func (m *Manager) HandlePull(ctx context.Context, owner string, count, size int) ([]interfaces.KeyRecord, error) {
	p, err := m.engine.Principal(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !p.Home {
		return nil, fmt.Errorf("%w: %s is not homed here", interfaces.ErrUnknownPrincipal, owner)
	}
	records, err := m.engine.Generate(ctx, owner, count, size)
	if err != nil {
		return nil, err
	}
	ids := make([]interfaces.KeyID, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	if err := m.engine.Store().MarkReplication(ctx, owner, ids, interfaces.ReplicationReplicated); err != nil {
		return nil, err
	}
	for i := range records {
		records[i].Replication = interfaces.ReplicationReplicated
	}
	return records, nil
}

func (m *Manager) applyPoolDefaults(pool *interfaces.PoolConfig) {
	def := m.cfg.DefaultPool
	if pool.TargetSize == 0 {
		pool.TargetSize = def.TargetSize
	}
	if pool.MaxKeys == 0 {
		pool.MaxKeys = def.MaxKeys
	}
	if pool.KeySize == 0 {
		pool.KeySize = def.KeySize
	}
	if pool.LowWatermark == 0 {
		pool.LowWatermark = def.LowWatermark
	}
	if pool.EmergencyWatermark == 0 {
		pool.EmergencyWatermark = def.EmergencyWatermark
	}
}
