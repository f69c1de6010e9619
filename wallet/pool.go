// Package wallet owns wallet identities, their registration with the
// service and their challenge assignments.
package wallet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tidewell/minerd/challenge"
	"github.com/tidewell/minerd/fee"
	"github.com/tidewell/minerd/logging"
	"github.com/tidewell/minerd/store"
)

var (
	ErrAlreadyAssigned         = errors.New("wallet already has an active assignment")
	ErrChallengeExhausted      = errors.New("challenge is exhausted for wallet")
	ErrNotActive               = errors.New("wallet is not active")
	ErrRegistrationUnavailable = errors.New("wallet registration unavailable")
	ErrUnknownWallet           = errors.New("unknown wallet")

	errStaleLease = errors.New("assignment changed since it was claimed")
)

var registrationsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "minerd",
	Subsystem: "pool",
	Name:      "registrations_total",
	Help:      "Wallet registrations by result",
}, []string{"result"})

//go:generate mockgen -package mocks -destination mocks/registrar.go . Registrar

// Registrar registers a wallet identity with the service.
type Registrar interface {
	Register(ctx context.Context, address, signature, pubkey string) error
}

// Catalog is the view of open challenges assignments are made from.
type Catalog interface {
	OpenChallenges() iter.Seq[challenge.Challenge]
	Lookup(id string) (challenge.Challenge, bool)
}

// Outcome is how a slot finished working on a claimed assignment.
type Outcome int

const (
	// Solved: a solution was handed to the submission pipeline.
	Solved Outcome = iota
	// Exhausted: the attempt limit was reached without a solution.
	Exhausted
	// Expired: the challenge closed.
	Expired
	// Faulted: the compute engine failed. The assignment stays for reissue.
	Faulted
	// Interrupted: work stopped on shutdown. The assignment stays.
	Interrupted
)

func (o Outcome) String() string {
	switch o {
	case Solved:
		return "solved"
	case Exhausted:
		return "exhausted"
	case Expired:
		return "expired"
	case Faulted:
		return "faulted"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// Lease is an assignment claimed by one compute slot. While a wallet is
// leased the pool neither reassigns nor hands it to another slot.
type Lease struct {
	Wallet    string
	Role      store.Role
	Challenge challenge.Challenge
	Attempts  uint64
}

type Stats struct {
	Active      int
	Registering int
	Disabled    int
	Assigned    int
	Busy        int
	Solved      uint64
	Pending     uint64
}

type Pool struct {
	db        *store.Store
	registrar Registrar
	fee       fee.Policy
	cfg       Config
	now       func() time.Time
	rand      io.Reader

	mu       sync.Mutex
	wallets  map[string]*store.Wallet
	order    []string
	claimed  map[string]struct{}
	attempts map[string]uint64
}

type OptionFunc func(*Pool)

func WithConfig(cfg Config) OptionFunc {
	return func(p *Pool) {
		p.cfg = cfg
	}
}

func WithClock(now func() time.Time) OptionFunc {
	return func(p *Pool) {
		p.now = now
	}
}

// WithRandom sets the entropy source for new wallet keys.
func WithRandom(r io.Reader) OptionFunc {
	return func(p *Pool) {
		p.rand = r
	}
}

func NewPool(db *store.Store, registrar Registrar, policy fee.Policy, opts ...OptionFunc) *Pool {
	p := &Pool{
		db:        db,
		registrar: registrar,
		fee:       policy,
		cfg:       DefaultConfig(),
		now:       time.Now,
		rand:      rand.Reader,
		wallets:   make(map[string]*store.Wallet),
		claimed:   make(map[string]struct{}),
		attempts:  make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.RegistrationAttempts == 0 {
		p.cfg.RegistrationAttempts = 1
	}
	if p.cfg.MaxConsecutiveFailures <= 0 {
		p.cfg.MaxConsecutiveFailures = defaultMaxConsecutiveFailures
	}
	if p.cfg.RegistrationWorkers <= 0 {
		p.cfg.RegistrationWorkers = 1
	}
	return p
}

// Load rebuilds the in-memory view from the store. Persisted assignments
// are kept and become claimable again.
func (p *Pool) Load(ctx context.Context) error {
	wallets, err := p.db.Wallets(ctx)
	if err != nil {
		return fmt.Errorf("loading wallets: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wallets = make(map[string]*store.Wallet, len(wallets))
	p.order = p.order[:0]
	clear(p.claimed)
	clear(p.attempts)
	for _, w := range wallets {
		p.wallets[w.Address] = w
		p.order = append(p.order, w.Address)
	}
	logging.FromContext(ctx).Named("pool").Info("loaded wallets", zap.Int("count", len(wallets)))
	return nil
}

func (p *Pool) updateLocked(ctx context.Context, address string, fn func(*store.Wallet) error) (*store.Wallet, error) {
	w, err := p.db.UpdateWallet(ctx, address, fn)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownWallet, address)
		}
		return nil, err
	}
	p.wallets[address] = w
	return w, nil
}

func (p *Pool) update(ctx context.Context, address string, fn func(*store.Wallet) error) (*store.Wallet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateLocked(ctx, address, fn)
}

// live counts wallets that are not disabled, per role.
func (p *Pool) live() (users, fees int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.wallets {
		if w.State == store.Disabled {
			continue
		}
		if w.Role == store.RoleDeveloperFee {
			fees++
		} else {
			users++
		}
	}
	return users, fees
}

func (p *Pool) unregistered() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, addr := range p.order {
		if s := p.wallets[addr].State; s == store.Unregistered || s == store.Registering {
			out = append(out, addr)
		}
	}
	return out
}

// EnsureCapacity creates and registers wallets until target wallets are
// not disabled. New wallets take the developer fee role until the fee
// share is met. Registrations interrupted by an earlier run are resumed
// first. Wallets that fail registration are disabled and replaced.
// It returns the number of wallets created.
func (p *Pool) EnsureCapacity(ctx context.Context, target int) (int, error) {
	logger := logging.FromContext(ctx).Named("pool")
	if err := p.registerAll(ctx, p.unregistered()); err != nil {
		return 0, err
	}

	created := 0
	consecutive := 0
	for {
		users, fees := p.live()
		need := target - users - fees
		if need <= 0 {
			break
		}
		feeNeed := max(0, min(need, p.fee.Split(target)-fees))
		logger.Info("creating wallets",
			zap.Int("target", target),
			zap.Int("live", users+fees),
			zap.Int("count", need),
		)

		batch := make([]string, 0, need)
		for i := range need {
			role := store.RoleUser
			if i < feeNeed {
				role = store.RoleDeveloperFee
			}
			w, err := p.create(ctx, role)
			if err != nil {
				return created, err
			}
			batch = append(batch, w.Address)
			created++
		}
		if err := p.backup(ctx); err != nil {
			return created, err
		}
		if err := p.registerAll(ctx, batch); err != nil {
			return created, err
		}

		p.mu.Lock()
		for _, addr := range batch {
			if p.wallets[addr].State == store.Disabled {
				consecutive++
			} else {
				consecutive = 0
			}
		}
		p.mu.Unlock()
		if consecutive >= p.cfg.MaxConsecutiveFailures {
			return created, fmt.Errorf("%w: %d wallets in a row failed to register", ErrRegistrationUnavailable, consecutive)
		}
	}
	return created, nil
}

func (p *Pool) create(ctx context.Context, role store.Role) (*store.Wallet, error) {
	id, err := GenerateIdentity(p.rand)
	if err != nil {
		return nil, err
	}
	sig, err := id.Sign(TermsMessage)
	if err != nil {
		return nil, fmt.Errorf("signing terms: %w", err)
	}
	w := &store.Wallet{
		Address:    id.Address,
		PublicKey:  id.PublicKey,
		SigningKey: id.Seed(),
		Signature:  sig,
		Role:       role,
		State:      store.Unregistered,
		CreatedAt:  p.now().UnixNano(),
	}
	if err := p.db.CreateWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("storing wallet: %w", err)
	}

	p.mu.Lock()
	p.wallets[w.Address] = w
	p.order = append(p.order, w.Address)
	p.mu.Unlock()
	return w, nil
}

func (p *Pool) backup(ctx context.Context) error {
	if p.cfg.BackupFile == "" {
		return nil
	}
	wallets, err := p.db.Wallets(ctx)
	if err != nil {
		return err
	}
	return WriteBackup(p.cfg.BackupFile, wallets)
}

func (p *Pool) registerAll(ctx context.Context, addresses []string) error {
	var eg errgroup.Group
	eg.SetLimit(p.cfg.RegistrationWorkers)
	for _, addr := range addresses {
		eg.Go(func() error {
			return p.register(ctx, addr)
		})
	}
	return eg.Wait()
}

// register drives one wallet to active or disabled. It only returns an
// error when the context is canceled or the store fails. The wallet is
// then left registering and resumed on the next run.
func (p *Pool) register(ctx context.Context, address string) error {
	logger := logging.FromContext(ctx).Named("pool").With(zap.String("wallet", address))

	w, err := p.update(ctx, address, func(w *store.Wallet) error {
		if w.Signature == "" {
			id, err := IdentityFromSeed(w.SigningKey)
			if err != nil {
				return err
			}
			if w.Signature, err = id.Sign(TermsMessage); err != nil {
				return err
			}
		}
		w.State = store.Registering
		return nil
	})
	if err != nil {
		return fmt.Errorf("preparing registration of %s: %w", address, err)
	}

	timer := time.NewTimer(0)
	<-timer.C
	delay := p.cfg.RegistrationBackoff
	pubkey := hex.EncodeToString(w.PublicKey)

	for w.RegAttempts < p.cfg.RegistrationAttempts {
		regErr := p.registrar.Register(ctx, w.Address, w.Signature, pubkey)
		if regErr == nil {
			registrationsMetric.WithLabelValues("active").Inc()
			_, err := p.update(ctx, address, func(w *store.Wallet) error {
				w.State = store.Active
				w.LastError = ""
				w.Touch(p.now())
				return nil
			})
			if err == nil {
				logger.Info("registered wallet", zap.Stringer("role", w.Role))
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		w, err = p.update(ctx, address, func(w *store.Wallet) error {
			w.RegAttempts++
			w.LastError = regErr.Error()
			return nil
		})
		if err != nil {
			return err
		}
		logger.Warn("registration failed",
			zap.Uint32("attempt", w.RegAttempts),
			zap.Uint32("max_attempts", p.cfg.RegistrationAttempts),
			zap.Error(regErr),
		)
		if w.RegAttempts >= p.cfg.RegistrationAttempts {
			break
		}

		timer.Reset(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return ctx.Err()
		}
		delay = min(delay*2, p.cfg.RegistrationMaxBackoff)
	}

	registrationsMetric.WithLabelValues("disabled").Inc()
	_, err = p.update(ctx, address, func(w *store.Wallet) error {
		w.State = store.Disabled
		w.Assignment = store.Assignment{}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Error("wallet disabled after failed registration attempts",
		zap.Uint32("attempts", w.RegAttempts),
		zap.String("last_error", w.LastError),
	)
	return nil
}

// NextIdleWallet returns an active wallet without an assignment.
func (p *Pool) NextIdleWallet() (store.Wallet, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, addr := range p.order {
		w := p.wallets[addr]
		if w.State == store.Active && !w.Assignment.Active && !p.isClaimed(addr) {
			return *w, true
		}
	}
	return store.Wallet{}, false
}

func (p *Pool) isClaimed(address string) bool {
	_, ok := p.claimed[address]
	return ok
}

// Assign binds the wallet to ch.
func (p *Pool) Assign(ctx context.Context, address string, ch challenge.Challenge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.updateLocked(ctx, address, func(w *store.Wallet) error {
		if w.State != store.Active {
			return fmt.Errorf("%w: %s is %s", ErrNotActive, address, w.State)
		}
		if w.Assignment.Active {
			return fmt.Errorf("%w: %s works on %s", ErrAlreadyAssigned, address, w.Assignment.Challenge.ID)
		}
		if w.IsExhausted(ch.ID) {
			return fmt.Errorf("%w: %s for %s", ErrChallengeExhausted, ch.ID, address)
		}
		w.Assignment = store.Assignment{
			Active:     true,
			Challenge:  ch.Record(),
			AssignedAt: p.now().UnixNano(),
		}
		return nil
	})
	return err
}

// Clear drops the wallet's assignment.
func (p *Pool) Clear(ctx context.Context, address string) error {
	_, err := p.update(ctx, address, func(w *store.Wallet) error {
		w.Assignment = store.Assignment{}
		return nil
	})
	return err
}

// AssignIdle walks every active wallet that no slot holds and gives it
// the preferred open challenge. Assignments to closed challenges are
// dropped and assignments are replaced when a strictly easier challenge
// is open. Leased wallets are left alone so running work is never
// preempted. It returns the number of wallets that got a new assignment.
func (p *Pool) AssignIdle(ctx context.Context, catalog Catalog) (int, error) {
	logger := logging.FromContext(ctx).Named("pool")
	p.mu.Lock()
	defer p.mu.Unlock()

	assigned := 0
	for _, addr := range p.order {
		w := p.wallets[addr]
		if w.State != store.Active || p.isClaimed(addr) {
			continue
		}
		best, ok := challenge.Select(catalog.OpenChallenges(), w.IsExhausted)
		if w.Assignment.Active {
			current, open := catalog.Lookup(w.Assignment.Challenge.ID)
			if open && (!ok || best.ID == current.ID || best.Rank >= current.Rank) {
				continue
			}
			if open {
				logger.Info("replacing assignment with easier challenge",
					zap.String("wallet", addr),
					zap.String("from", current.ID),
					zap.String("to", best.ID),
				)
			} else {
				logger.Debug("dropping assignment of closed challenge",
					zap.String("wallet", addr),
					zap.String("challenge", w.Assignment.Challenge.ID),
				)
			}
		} else if !ok {
			continue
		}

		_, err := p.updateLocked(ctx, addr, func(w *store.Wallet) error {
			w.Assignment = store.Assignment{}
			if ok && !w.IsExhausted(best.ID) {
				w.Assignment = store.Assignment{
					Active:     true,
					Challenge:  best.Record(),
					AssignedAt: p.now().UnixNano(),
				}
			}
			return nil
		})
		if err != nil {
			return assigned, fmt.Errorf("assigning %s: %w", addr, err)
		}
		if ok {
			assigned++
		}
	}
	return assigned, nil
}

// Claim leases an assigned wallet to the caller. Only one lease per
// wallet exists at a time.
func (p *Pool) Claim() (Lease, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for _, addr := range p.order {
		w := p.wallets[addr]
		if w.State != store.Active || !w.Assignment.Active || p.isClaimed(addr) {
			continue
		}
		ch := challenge.FromRecord(w.Assignment.Challenge)
		if !ch.OpenAt(now) {
			continue
		}
		p.claimed[addr] = struct{}{}
		p.attempts[addr] = w.Assignment.Attempts
		return Lease{
			Wallet:    addr,
			Role:      w.Role,
			Challenge: ch,
			Attempts:  w.Assignment.Attempts,
		}, true
	}
	return Lease{}, false
}

// RecordAttempt counts one finished batch for a leased wallet and returns
// the total for the assignment. The count is persisted on Release.
func (p *Pool) RecordAttempt(address string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isClaimed(address) {
		return 0
	}
	p.attempts[address]++
	return p.attempts[address]
}

// Release ends a lease. Solved and exhausted challenges join the wallet's
// exhausted set in the same write that clears the assignment.
func (p *Pool) Release(ctx context.Context, lease Lease, outcome Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	attempts := p.attempts[lease.Wallet]
	delete(p.claimed, lease.Wallet)
	delete(p.attempts, lease.Wallet)

	_, err := p.updateLocked(ctx, lease.Wallet, func(w *store.Wallet) error {
		if !w.Assignment.Active || w.Assignment.Challenge.ID != lease.Challenge.ID {
			return errStaleLease
		}
		switch outcome {
		case Solved, Exhausted:
			w.AddExhausted(lease.Challenge.ID)
			w.Assignment = store.Assignment{}
		case Expired:
			w.Assignment = store.Assignment{}
		default:
			w.Assignment.Attempts = attempts
		}
		w.Touch(p.now())
		return nil
	})
	if errors.Is(err, errStaleLease) {
		return nil
	}
	return err
}

// Wallets returns the persisted ledger of every wallet.
func (p *Pool) Wallets(ctx context.Context) ([]*store.Wallet, error) {
	return p.db.Wallets(ctx)
}

// Stats aggregates the wallets that count towards user-facing statistics.
func (p *Pool) Stats(ctx context.Context) (Stats, error) {
	wallets, err := p.db.Wallets(ctx)
	if err != nil {
		return Stats{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, w := range wallets {
		if !p.fee.IsReported(w.Role) {
			continue
		}
		switch w.State {
		case store.Active:
			s.Active++
		case store.Disabled:
			s.Disabled++
		default:
			s.Registering++
		}
		if w.Assignment.Active {
			s.Assigned++
		}
		if p.isClaimed(w.Address) {
			s.Busy++
		}
		s.Solved += w.Solved
		s.Pending += w.Pending
	}
	return s, nil
}
