package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"github.com/tidewell/minerd/logging"
)

var (
	ErrNotFound       = errors.New("record not found")
	ErrCorrupted      = errors.New("state store is corrupted")
	ErrSchemaMismatch = errors.New("state store schema mismatch")
	ErrWalletExists   = errors.New("wallet already exists")
	ErrResolved       = errors.New("submission already resolved")

	commitLatencyMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "minerd",
		Subsystem: "store",
		Name:      "commit_latency_seconds",
		Help:      "Latency of transactional writes",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
	}, []string{"op"})
)

const schemaVersion uint32 = 1

var (
	walletPrefix     = []byte("w/")
	submissionPrefix = []byte("s/")
	schemaKey        = []byte("meta/schema")
)

type reader interface {
	Get(key []byte, ro *opt.ReadOptions) ([]byte, error)
}

// Store is the durable record store for wallets and submissions.
// Multi-record mutations run inside a leveldb transaction, which also
// serializes them against each other.
type Store struct {
	db  *leveldb.DB
	now func() time.Time
}

type OptionFunc func(*Store)

func WithClock(now func() time.Time) OptionFunc {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens the store at dir and verifies every record decodes and
// references a known wallet. Any inconsistency is reported as ErrCorrupted.
func Open(ctx context.Context, dir string, opts ...OptionFunc) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	switch {
	case lerrors.IsCorrupted(err):
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	case err != nil:
		return nil, fmt.Errorf("failed to open state store @ %s: %w", dir, err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.checkSchema(); err != nil {
		db.Close()
		return nil, err
	}
	wallets, submissions, err := s.verify()
	if err != nil {
		db.Close()
		return nil, err
	}
	logging.FromContext(ctx).Info("opened state store",
		zap.String("dir", dir),
		zap.Int("wallets", wallets),
		zap.Int("submissions", submissions),
	)
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) checkSchema() error {
	data, err := s.db.Get(schemaKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], schemaVersion)
		if err := s.db.Put(schemaKey, buf[:], &opt.WriteOptions{Sync: true}); err != nil {
			return fmt.Errorf("writing schema version: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("%w: reading schema version: %v", ErrCorrupted, err)
	case len(data) != 4:
		return fmt.Errorf("%w: malformed schema version", ErrCorrupted)
	}
	if v := binary.BigEndian.Uint32(data); v != schemaVersion {
		return fmt.Errorf("%w: found %d, expected %d", ErrSchemaMismatch, v, schemaVersion)
	}
	return nil
}

func (s *Store) verify() (wallets, submissions int, err error) {
	known := make(map[string]struct{})
	var subs []*Submission

	iter := s.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := iter.Key()
		switch {
		case bytes.Equal(key, schemaKey):
		case bytes.HasPrefix(key, walletPrefix):
			w, err := decodeWallet(iter.Value())
			if err != nil {
				return 0, 0, fmt.Errorf("%w: wallet %q: %v", ErrCorrupted, key, err)
			}
			if !bytes.Equal(walletKey(w.Address), key) {
				return 0, 0, fmt.Errorf("%w: wallet %q stored under %q", ErrCorrupted, w.Address, key)
			}
			known[w.Address] = struct{}{}
			wallets++
		case bytes.HasPrefix(key, submissionPrefix):
			sub, err := decodeSubmission(iter.Value())
			if err != nil {
				return 0, 0, fmt.Errorf("%w: submission %q: %v", ErrCorrupted, key, err)
			}
			if !bytes.Equal(submissionKey(sub.Key()), key) {
				return 0, 0, fmt.Errorf("%w: submission %s stored under %q", ErrCorrupted, sub.Key(), key)
			}
			subs = append(subs, sub)
		default:
			return 0, 0, fmt.Errorf("%w: unknown key %q", ErrCorrupted, key)
		}
	}
	if err := iter.Error(); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	for _, sub := range subs {
		if _, ok := known[sub.Wallet]; !ok {
			return 0, 0, fmt.Errorf("%w: submission %s references unknown wallet", ErrCorrupted, sub.Key())
		}
	}
	return wallets, len(subs), nil
}

func (s *Store) update(op string, fn func(tr *leveldb.Transaction) error) error {
	start := time.Now()
	tr, err := s.db.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening transaction: %w", err)
	}
	if err := fn(tr); err != nil {
		tr.Discard()
		return err
	}
	if err := tr.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", op, err)
	}
	commitLatencyMetric.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return nil
}

// CreateWallet stores a new wallet record. It fails with ErrWalletExists
// if the address is already known.
func (s *Store) CreateWallet(ctx context.Context, w *Wallet) error {
	return s.update("create_wallet", func(tr *leveldb.Transaction) error {
		_, err := getWallet(tr, w.Address)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s", ErrWalletExists, w.Address)
		case !errors.Is(err, ErrNotFound):
			return err
		}
		if w.CreatedAt == 0 {
			w.CreatedAt = s.now().UnixNano()
		}
		return putWallet(tr, w)
	})
}

func (s *Store) Wallet(ctx context.Context, address string) (*Wallet, error) {
	return getWallet(s.db, address)
}

// Wallets returns every wallet ordered by creation time.
func (s *Store) Wallets(ctx context.Context) ([]*Wallet, error) {
	var wallets []*Wallet
	iter := s.db.NewIterator(util.BytesPrefix(walletPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		w, err := decodeWallet(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decoding wallet %q: %w", iter.Key(), err)
		}
		wallets = append(wallets, w)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(wallets, func(i, j int) bool {
		if wallets[i].CreatedAt != wallets[j].CreatedAt {
			return wallets[i].CreatedAt < wallets[j].CreatedAt
		}
		return wallets[i].Address < wallets[j].Address
	})
	return wallets, nil
}

// UpdateWallet applies fn to the stored wallet and writes the result
// atomically. If fn returns an error nothing is written.
func (s *Store) UpdateWallet(ctx context.Context, address string, fn func(*Wallet) error) (*Wallet, error) {
	var updated *Wallet
	err := s.update("update_wallet", func(tr *leveldb.Transaction) error {
		w, err := getWallet(tr, address)
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
		updated = w
		return putWallet(tr, w)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// BeginSubmission records sub as submitting unless a record for the same
// (wallet, challenge) pair already exists. In that case the existing record
// is returned and began is false.
func (s *Store) BeginSubmission(ctx context.Context, sub Submission) (rec *Submission, began bool, err error) {
	err = s.update("begin_submission", func(tr *leveldb.Transaction) error {
		existing, err := getSubmission(tr, sub.Key())
		switch {
		case err == nil:
			rec = existing
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}

		w, err := getWallet(tr, sub.Wallet)
		if err != nil {
			return fmt.Errorf("loading wallet %s: %w", sub.Wallet, err)
		}
		now := s.now()
		sub.Role = w.Role
		sub.Status = Submitting
		sub.UpdatedAt = now.UnixNano()
		if sub.FoundAt == 0 {
			sub.FoundAt = sub.UpdatedAt
		}
		w.Pending++
		w.Touch(now)
		if err := putSubmission(tr, &sub); err != nil {
			return err
		}
		rec = &sub
		began = true
		return putWallet(tr, w)
	})
	if err != nil {
		return nil, false, err
	}
	return rec, began, nil
}

// MarkSubmitting records that a submission attempt is about to be made.
func (s *Store) MarkSubmitting(ctx context.Context, key SubmissionKey) (*Submission, error) {
	return s.updateSubmission("mark_submitting", key, func(sub *Submission) {
		sub.Status = Submitting
		sub.Attempts++
	})
}

// MarkRetrying records a transient failure and when the next attempt is due.
func (s *Store) MarkRetrying(ctx context.Context, key SubmissionKey, cause error, next time.Time) (*Submission, error) {
	return s.updateSubmission("mark_retrying", key, func(sub *Submission) {
		sub.Status = Retrying
		sub.LastErrClass = ErrClassTransient
		sub.LastError = errString(cause)
		sub.NextAttemptAt = next.UnixNano()
	})
}

func (s *Store) updateSubmission(op string, key SubmissionKey, fn func(*Submission)) (*Submission, error) {
	var rec *Submission
	err := s.update(op, func(tr *leveldb.Transaction) error {
		sub, err := getSubmission(tr, key)
		if err != nil {
			return err
		}
		if sub.Status.Resolved() {
			rec = sub
			return fmt.Errorf("%w: %s is %s", ErrResolved, key, sub.Status)
		}
		fn(sub)
		sub.UpdatedAt = s.now().UnixNano()
		rec = sub
		return putSubmission(tr, sub)
	})
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// ResolveSubmission moves a submission to confirmed or rejected and updates
// the owning wallet's counters in the same transaction. A pair that is
// already resolved is left untouched and ErrResolved is returned.
func (s *Store) ResolveSubmission(
	ctx context.Context,
	key SubmissionKey,
	status SubmissionStatus,
	cause error,
) (*Submission, error) {
	if !status.Resolved() {
		return nil, fmt.Errorf("cannot resolve submission to %s", status)
	}
	var rec *Submission
	err := s.update("resolve_submission", func(tr *leveldb.Transaction) error {
		sub, err := getSubmission(tr, key)
		if err != nil {
			return err
		}
		rec = sub
		if sub.Status.Resolved() {
			return fmt.Errorf("%w: %s is %s", ErrResolved, key, sub.Status)
		}
		w, err := getWallet(tr, key.Wallet)
		if err != nil {
			return fmt.Errorf("loading wallet %s: %w", key.Wallet, err)
		}

		now := s.now()
		sub.Status = status
		sub.UpdatedAt = now.UnixNano()
		sub.NextAttemptAt = 0
		if status == Rejected {
			sub.LastErrClass = ErrClassRejected
			sub.LastError = errString(cause)
		}
		if w.Pending > 0 {
			w.Pending--
		}
		if status == Confirmed {
			w.Solved++
		}
		w.Touch(now)
		if err := putSubmission(tr, sub); err != nil {
			return err
		}
		return putWallet(tr, w)
	})
	if err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Store) Submission(ctx context.Context, key SubmissionKey) (*Submission, error) {
	return getSubmission(s.db, key)
}

// Submissions returns all submission records accepted by filter,
// ordered by discovery time. A nil filter accepts everything.
func (s *Store) Submissions(ctx context.Context, filter func(*Submission) bool) ([]*Submission, error) {
	var subs []*Submission
	iter := s.db.NewIterator(util.BytesPrefix(submissionPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		sub, err := decodeSubmission(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("decoding submission %q: %w", iter.Key(), err)
		}
		if filter == nil || filter(sub) {
			subs = append(subs, sub)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].FoundAt < subs[j].FoundAt })
	return subs, nil
}

// PendingSubmissions returns the records a restart has to resume.
func (s *Store) PendingSubmissions(ctx context.Context) ([]*Submission, error) {
	return s.Submissions(ctx, func(sub *Submission) bool { return !sub.Status.Resolved() })
}

func walletKey(address string) []byte {
	return append(append([]byte{}, walletPrefix...), address...)
}

func submissionKey(key SubmissionKey) []byte {
	var b strings.Builder
	b.Write(submissionPrefix)
	b.WriteString(key.Wallet)
	b.WriteByte('/')
	b.WriteString(key.ChallengeID)
	return []byte(b.String())
}

func getWallet(r reader, address string) (*Wallet, error) {
	data, err := r.Get(walletKey(address), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, fmt.Errorf("%w: wallet %s", ErrNotFound, address)
	case err != nil:
		return nil, fmt.Errorf("getting wallet %s: %w", address, err)
	}
	return decodeWallet(data)
}

func putWallet(tr *leveldb.Transaction, w *Wallet) error {
	data, err := encode(w)
	if err != nil {
		return fmt.Errorf("serializing wallet %s: %w", w.Address, err)
	}
	if err := tr.Put(walletKey(w.Address), data, nil); err != nil {
		return fmt.Errorf("storing wallet %s: %w", w.Address, err)
	}
	return nil
}

func getSubmission(r reader, key SubmissionKey) (*Submission, error) {
	data, err := r.Get(submissionKey(key), nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, fmt.Errorf("%w: submission %s", ErrNotFound, key)
	case err != nil:
		return nil, fmt.Errorf("getting submission %s: %w", key, err)
	}
	return decodeSubmission(data)
}

func putSubmission(tr *leveldb.Transaction, sub *Submission) error {
	data, err := encode(sub)
	if err != nil {
		return fmt.Errorf("serializing submission %s: %w", sub.Key(), err)
	}
	if err := tr.Put(submissionKey(sub.Key()), data, nil); err != nil {
		return fmt.Errorf("storing submission %s: %w", sub.Key(), err)
	}
	return nil
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeWallet(data []byte) (*Wallet, error) {
	w := &Wallet{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), w); err != nil {
		return nil, fmt.Errorf("failed to deserialize wallet: %w", err)
	}
	return w, nil
}

func decodeSubmission(data []byte) (*Submission, error) {
	sub := &Submission{}
	if _, err := xdr.Unmarshal(bytes.NewReader(data), sub); err != nil {
		return nil, fmt.Errorf("failed to deserialize submission: %w", err)
	}
	return sub, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
