// Package pool manages the agent CLI subprocess pool with per-user slot
// binding and session affinity, scaling from one warm process up to a
// configured maximum.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tgacp/tgacp/internal/acp"
)

// Client is the subset of the ACP client the pool and its callers need.
// *acp.Client satisfies it; tests substitute fakes.
type Client interface {
	NewSession(ctx context.Context, cwd string) (string, error)
	LoadSession(ctx context.Context, sessionID, cwd string) error
	Prompt(ctx context.Context, sessionID, text string) (<-chan acp.Update, error)
	SetModel(ctx context.Context, sessionID, modelID string) error
	Cancel(sessionID string) error
	Kill()
	State() acp.State
	Pid() int
}

// SpawnFunc starts and initializes one agent subprocess, returning a client
// in the ready state.
type SpawnFunc func(ctx context.Context) (Client, error)

// Slot is a single agent process in the pool.
//
// The agent CLI holds an exclusive file lock on a session for the lifetime
// of the process, even after loading a different session, so a topic must
// always come back to the process that first created or loaded its session.
// The pool's affinity map persists that mapping; Slot fields track what the
// slot is doing right now.
type Slot struct {
	ID     int
	Client Client // nil while a spawn placeholder is pending

	// SessionID is the session most recently released on this process.
	// Callers that re-acquire the slot for the same session skip the load.
	SessionID string

	userID   int64 // owning user; 0 until first bound, then fixed until reap
	topicID  int64 // topic currently using the slot, 0 when none
	busy     bool
	lastUsed time.Time
}

type convKey struct {
	UserID  int64
	TopicID int64
}

// Config configures a Pool.
type Config struct {
	MaxProcesses int
	IdleTimeout  time.Duration
	Spawn        SpawnFunc
	Logger       *slog.Logger
}

// Pool manages agent process slots.
//
// Invariants: at least one slot exists after Initialize, the slot count
// never exceeds MaxProcesses, crashed slots are removed on release, and a
// slot's owning user never changes until the slot is reaped.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	slots    []*Slot
	affinity map[convKey]int // (user, topic) → slot id

	queue    *RequestQueue
	inFlight *InFlightTracker

	reaperStop chan struct{}
	reaperDone chan struct{}
}

func New(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		logger:   cfg.Logger,
		affinity: make(map[convKey]int),
		queue:    NewRequestQueue(),
		inFlight: NewInFlightTracker(),
	}
}

// Size returns the current number of slots, spawn placeholders included.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Queue returns the pending-request queue.
func (p *Pool) Queue() *RequestQueue { return p.queue }

// InFlight returns the active-turn tracker.
func (p *Pool) InFlight() *InFlightTracker { return p.inFlight }

// Initialize spawns the first warm process and starts the idle reaper.
// Fails fast if the agent cannot be spawned at all.
func (p *Pool) Initialize(ctx context.Context) error {
	client, err := p.cfg.Spawn(ctx)
	if err != nil {
		return fmt.Errorf("failed to spawn warm process: %w", err)
	}

	p.mu.Lock()
	p.slots = append(p.slots, &Slot{ID: 0, Client: client, lastUsed: time.Now()})
	p.mu.Unlock()

	if p.cfg.IdleTimeout > 0 {
		p.reaperStop = make(chan struct{})
		p.reaperDone = make(chan struct{})
		go p.reaperLoop()
	}

	p.logger.Info("process pool initialized with 1 warm process",
		"maxProcesses", p.cfg.MaxProcesses)
	return nil
}

// Shutdown stops the reaper and kills every process.
func (p *Pool) Shutdown() {
	if p.reaperStop != nil {
		close(p.reaperStop)
		<-p.reaperDone
		p.reaperStop = nil
	}

	p.mu.Lock()
	slots := p.slots
	p.slots = nil
	p.mu.Unlock()

	for _, slot := range slots {
		if slot.Client != nil {
			slot.Client.Kill()
		}
	}
	p.logger.Info("process pool shut down")
}

// Acquire returns a busy-marked slot for (userID, topicID), or (nil, nil)
// when the caller should enqueue instead: the topic's affinity slot is mid
// turn, or the pool is at capacity with nothing idle this user may take.
// A non-nil error means a needed spawn failed.
//
// Slots are never shared across users: an idle slot owned by another user
// is not eligible, and a new slot is bound to the acquiring user.
func (p *Pool) Acquire(ctx context.Context, userID, topicID int64) (*Slot, error) {
	key := convKey{UserID: userID, TopicID: topicID}
	var placeholder *Slot

	p.mu.Lock()

	if slotID, ok := p.affinity[key]; ok {
		slot := p.slotByID(slotID)
		switch {
		case slot == nil:
			// Reaped or crashed; the affinity is stale.
			p.logger.Debug("affinity slot gone, clearing",
				"user", userID, "topic", topicID, "slot", slotID)
			delete(p.affinity, key)
		case !slot.busy:
			p.inFlight.Cancel(topicID)
			slot.busy = true
			slot.topicID = topicID
			p.mu.Unlock()
			return slot, nil
		default:
			// Mid turn on this topic's process. Cancel the running turn;
			// the caller enqueues and the slot picks the request up through
			// ReleaseAndDequeue.
			p.inFlight.Cancel(topicID)
			p.logger.Debug("affinity slot busy, will enqueue",
				"user", userID, "topic", topicID, "slot", slot.ID)
			p.mu.Unlock()
			return nil, nil
		}
	}

	// No affinity. Take any idle slot this user owns or an unbound one.
	for _, slot := range p.slots {
		if !slot.busy && (slot.userID == 0 || slot.userID == userID) {
			p.inFlight.Cancel(topicID)
			slot.busy = true
			slot.userID = userID
			slot.topicID = topicID
			p.affinity[key] = slot.ID
			p.mu.Unlock()
			return slot, nil
		}
	}

	if len(p.slots) < p.cfg.MaxProcesses {
		placeholder = &Slot{
			ID:       p.nextSlotID(),
			userID:   userID,
			topicID:  topicID,
			busy:     true,
			lastUsed: time.Now(),
		}
		p.slots = append(p.slots, placeholder)
		p.affinity[key] = placeholder.ID
	}
	p.mu.Unlock()

	if placeholder == nil {
		// At capacity, everything usable is busy.
		return nil, nil
	}

	// Spawn outside the lock; it involves process startup and the protocol
	// handshake.
	client, err := p.cfg.Spawn(ctx)
	if err != nil {
		p.mu.Lock()
		p.removeSlot(placeholder)
		if p.affinity[key] == placeholder.ID {
			delete(p.affinity, key)
		}
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to spawn process for slot %d: %w", placeholder.ID, err)
	}

	p.mu.Lock()
	placeholder.Client = client
	p.mu.Unlock()
	p.inFlight.Cancel(topicID)
	p.logger.Info("spawned process slot", "slot", placeholder.ID, "user", userID)
	return placeholder, nil
}

// TryAcquireAffinity returns the topic's affinity slot marked busy, but
// only when it already exists, is idle, and belongs to the user. It never
// spawns, never binds a new affinity, and never cancels an in-flight turn;
// callers wanting those semantics use Acquire.
func (p *Pool) TryAcquireAffinity(userID, topicID int64) *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	slotID, ok := p.affinity[convKey{UserID: userID, TopicID: topicID}]
	if !ok {
		return nil
	}
	slot := p.slotByID(slotID)
	if slot == nil || slot.busy || slot.Client == nil {
		return nil
	}
	if slot.userID != 0 && slot.userID != userID {
		return nil
	}
	slot.busy = true
	slot.topicID = topicID
	return slot
}

// Release returns a slot to the pool. A dead process is removed along with
// every affinity pointing at it.
func (p *Pool) Release(slot *Slot, sessionID string, topicID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(slot, sessionID, topicID)
}

// ReleaseAndDequeue atomically releases the slot and, if a queued request
// can run on it, re-acquires it. Selection order:
//
//  1. the oldest queued topic whose session affinity points to this slot,
//  2. the topic that just released, for conversational continuity,
//  3. FIFO head, unless it belongs to a different user than the slot, in
//     which case it is requeued and nothing is dequeued.
//
// Returns (nil, nil) when the queue yields nothing or the slot crashed.
func (p *Pool) ReleaseAndDequeue(slot *Slot, sessionID string, topicID int64) (*Request, *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked(slot, sessionID, topicID)

	if p.slotByID(slot.ID) != slot || slot.busy {
		return nil, nil
	}

	var next *Request

	for _, queuedTopic := range p.queue.Topics() {
		req := p.queue.Get(queuedTopic)
		if req == nil {
			continue
		}
		affSlot, ok := p.affinity[convKey{UserID: req.UserID, TopicID: queuedTopic}]
		if !ok || affSlot != slot.ID {
			continue
		}
		if slot.userID != 0 && req.UserID != slot.userID {
			continue
		}
		next = p.queue.DequeueTopic(queuedTopic)
		break
	}

	if next == nil && topicID != 0 && slot.userID != 0 {
		next = p.queue.DequeueTopic(topicID)
	}

	if next == nil {
		next = p.queue.Dequeue()
		if next != nil && slot.userID != 0 && next.UserID != slot.userID {
			p.logger.Warn("requeueing request from another user",
				"requestUser", next.UserID, "slotUser", slot.userID)
			p.queue.Enqueue(next)
			next = nil
		}
	}

	if next == nil {
		return nil, nil
	}

	slot.busy = true
	slot.topicID = next.TopicID
	key := convKey{UserID: next.UserID, TopicID: next.TopicID}
	if _, ok := p.affinity[key]; !ok {
		p.affinity[key] = slot.ID
	}
	// The queued message supersedes whatever turn is still streaming for
	// that topic.
	p.inFlight.Cancel(next.TopicID)
	return next, slot
}

func (p *Pool) releaseLocked(slot *Slot, sessionID string, topicID int64) {
	if p.slotByID(slot.ID) != slot {
		p.logger.Debug("slot already removed from pool", "slot", slot.ID)
		if topicID != 0 {
			p.inFlight.Untrack(topicID)
		}
		return
	}

	if slot.Client == nil || slot.Client.State() == acp.StateDead {
		p.logger.Error("process slot crashed, removing from pool", "slot", slot.ID)
		p.removeSlot(slot)
		p.clearAffinityFor(slot.ID)
		if topicID != 0 {
			p.inFlight.Untrack(topicID)
		}
		return
	}

	slot.busy = false
	slot.lastUsed = time.Now()
	slot.SessionID = sessionID
	slot.topicID = topicID

	if topicID != 0 {
		p.inFlight.Untrack(topicID)
	}
}

func (p *Pool) reaperLoop() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		var victims []*Slot

		p.mu.Lock()
		for _, slot := range p.slots {
			if slot.busy || slot.Client == nil {
				continue
			}
			if now.Sub(slot.lastUsed) <= p.cfg.IdleTimeout {
				continue
			}
			// Never reap the last process; one stays warm.
			if len(p.slots)-len(victims) <= 1 {
				continue
			}
			victims = append(victims, slot)
		}
		for _, slot := range victims {
			p.removeSlot(slot)
			p.clearAffinityFor(slot.ID)
			p.logger.Info("reaped idle process slot", "slot", slot.ID)
		}
		p.mu.Unlock()

		for _, slot := range victims {
			slot.Client.Kill()
		}
	}
}

// --- helpers, callers hold p.mu ---

func (p *Pool) slotByID(id int) *Slot {
	for _, s := range p.slots {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (p *Pool) nextSlotID() int {
	next := 0
	for _, s := range p.slots {
		if s.ID >= next {
			next = s.ID + 1
		}
	}
	return next
}

func (p *Pool) removeSlot(slot *Slot) {
	for i, s := range p.slots {
		if s == slot {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			return
		}
	}
}

func (p *Pool) clearAffinityFor(slotID int) {
	for key, id := range p.affinity {
		if id == slotID {
			delete(p.affinity, key)
		}
	}
}
