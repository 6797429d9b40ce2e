// Package memory is an in-process ledger store used by the service and
// HTTP tests.
//
// Writes made inside RunInTransaction are staged on the transaction and
// become visible to other transactions only on commit. LockProduct holds a
// per-product lock until the transaction ends, mirroring SELECT ... FOR UPDATE.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"stockledger/internal/core/apperror"
	"stockledger/internal/core/id"
	"stockledger/internal/core/tx"
	"stockledger/internal/domain/ledger"
)

// ErrReadOnly is returned by writes inside a ReadOnly transaction.
var ErrReadOnly = errors.New("memory: write in read-only transaction")

// ErrNoTransaction is returned by LockProduct outside a transaction.
var ErrNoTransaction = errors.New("memory: lock requires a transaction")

// Store implements ledger.Repository and tx.ReadOnlyManager.
type Store struct {
	mu sync.RWMutex

	products     map[id.ID]ledger.Product
	batches      map[id.ID]ledger.Batch
	reservations map[id.ID]ledger.Reservation
	transfers    map[id.ID]ledger.Transfer
	movements    []ledger.Movement
	events       []ledger.Event
	seq          int64
	sequences    map[string]int64

	lockMu sync.Mutex
	locks  map[id.ID]chan struct{}
}

var (
	_ ledger.Repository  = (*Store)(nil)
	_ tx.ReadOnlyManager = (*Store)(nil)
)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		products:     make(map[id.ID]ledger.Product),
		batches:      make(map[id.ID]ledger.Batch),
		reservations: make(map[id.ID]ledger.Reservation),
		transfers:    make(map[id.ID]ledger.Transfer),
		sequences:    make(map[string]int64),
		locks:        make(map[id.ID]chan struct{}),
	}
}

// txKey is per store so two stores can run nested transactions in one ctx.
type txKey struct{ s *Store }

// txn stages writes until commit. base* record the committed version the
// staged record was derived from; -1 marks records created in this txn.
type txn struct {
	readOnly bool

	products     map[id.ID]ledger.Product
	batches      map[id.ID]ledger.Batch
	reservations map[id.ID]ledger.Reservation
	transfers    map[id.ID]ledger.Transfer
	movements    []ledger.Movement
	events       []ledger.Event

	baseProducts map[id.ID]int
	baseBatches  map[id.ID]int

	held []id.ID
}

func newTxn(readOnly bool) *txn {
	return &txn{
		readOnly:     readOnly,
		products:     make(map[id.ID]ledger.Product),
		batches:      make(map[id.ID]ledger.Batch),
		reservations: make(map[id.ID]ledger.Reservation),
		transfers:    make(map[id.ID]ledger.Transfer),
		baseProducts: make(map[id.ID]int),
		baseBatches:  make(map[id.ID]int),
	}
}

func (s *Store) current(ctx context.Context) *txn {
	t, _ := ctx.Value(txKey{s}).(*txn)
	return t
}

// RunInTransaction runs fn in a transaction. Nested calls reuse the
// transaction already in ctx.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.run(ctx, false, fn)
}

// ReadOnly runs fn in a transaction that rejects writes.
func (s *Store) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.run(ctx, true, fn)
}

func (s *Store) run(ctx context.Context, readOnly bool, fn func(ctx context.Context) error) error {
	if s.current(ctx) != nil {
		return fn(ctx)
	}

	t := newTxn(readOnly)
	defer s.unlockAll(t)

	if err := fn(context.WithValue(ctx, txKey{s}, t)); err != nil {
		return err
	}
	if readOnly {
		return nil
	}
	return s.commit(t)
}

func (s *Store) commit(t *txn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for pid, base := range t.baseProducts {
		cur, ok := s.products[pid]
		switch {
		case base < 0 && ok:
			return apperror.NewDuplicate("product", "id", pid.String())
		case base >= 0 && (!ok || cur.Version != base):
			return apperror.NewConcurrentModification("product", pid.String())
		}
	}
	for bid, base := range t.baseBatches {
		cur, ok := s.batches[bid]
		switch {
		case base < 0 && ok:
			return apperror.NewDuplicate("batch", "id", bid.String())
		case base >= 0 && (!ok || cur.Version != base):
			return apperror.NewConcurrentModification("batch", bid.String())
		}
	}

	for k, v := range t.products {
		s.products[k] = v
	}
	for k, v := range t.batches {
		s.batches[k] = v
	}
	for k, v := range t.reservations {
		s.reservations[k] = v
	}
	for k, v := range t.transfers {
		s.transfers[k] = v
	}
	s.movements = append(s.movements, t.movements...)
	s.events = append(s.events, t.events...)
	return nil
}

// write runs fn against the transaction in ctx, or against a fresh one
// committed right away when ctx carries none.
func (s *Store) write(ctx context.Context, fn func(t *txn) error) error {
	if t := s.current(ctx); t != nil {
		if t.readOnly {
			return ErrReadOnly
		}
		return fn(t)
	}
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		return fn(s.current(ctx))
	})
}

// --- locks ---

func (s *Store) lockChan(productID id.ID) chan struct{} {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	ch, ok := s.locks[productID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[productID] = ch
	}
	return ch
}

func (s *Store) acquire(ctx context.Context, t *txn, productID id.ID) error {
	for _, h := range t.held {
		if h == productID {
			return nil
		}
	}
	select {
	case s.lockChan(productID) <- struct{}{}:
		t.held = append(t.held, productID)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) unlockAll(t *txn) {
	for _, pid := range t.held {
		<-s.lockChan(pid)
	}
	t.held = nil
}

// --- products ---

func (s *Store) lookupProduct(t *txn, productID id.ID) (ledger.Product, bool) {
	if t != nil {
		if p, ok := t.products[productID]; ok {
			return p, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	return p, ok
}

func (s *Store) CreateProduct(ctx context.Context, p *ledger.Product) error {
	return s.write(ctx, func(t *txn) error {
		if _, ok := s.lookupProduct(t, p.ID); ok {
			return apperror.NewDuplicate("product", "id", p.ID.String())
		}
		if p.Version == 0 {
			p.Version = 1
		}
		t.products[p.ID] = *p
		t.baseProducts[p.ID] = -1
		return nil
	})
}

func (s *Store) GetProduct(ctx context.Context, productID id.ID) (*ledger.Product, error) {
	p, ok := s.lookupProduct(s.current(ctx), productID)
	if !ok {
		return nil, apperror.NewNotFound("product", productID.String())
	}
	return &p, nil
}

func (s *Store) LockProduct(ctx context.Context, productID id.ID) (*ledger.Product, error) {
	t := s.current(ctx)
	if t == nil {
		return nil, ErrNoTransaction
	}
	if _, ok := s.lookupProduct(t, productID); !ok {
		return nil, apperror.NewNotFound("product", productID.String())
	}
	if err := s.acquire(ctx, t, productID); err != nil {
		return nil, err
	}
	// Re-read: the previous holder may have committed meanwhile.
	p, _ := s.lookupProduct(t, productID)
	return &p, nil
}

func (s *Store) FindProductByCode(ctx context.Context, pharmacyID id.ID, code string) (*ledger.Product, error) {
	t := s.current(ctx)
	if t != nil {
		for _, p := range t.products {
			if p.PharmacyID == pharmacyID && p.Code == code {
				return &p, nil
			}
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.products {
		if p.PharmacyID == pharmacyID && p.Code == code {
			return &p, nil
		}
	}
	return nil, apperror.NewNotFound("product", code)
}

func (s *Store) UpdateProduct(ctx context.Context, p *ledger.Product) error {
	return s.write(ctx, func(t *txn) error {
		cur, ok := s.lookupProduct(t, p.ID)
		if !ok {
			return apperror.NewNotFound("product", p.ID.String())
		}
		if cur.Version != p.Version {
			return apperror.NewConcurrentModification("product", p.ID.String())
		}
		if _, staged := t.baseProducts[p.ID]; !staged {
			t.baseProducts[p.ID] = cur.Version
		}
		p.Version++
		t.products[p.ID] = *p
		return nil
	})
}

func (s *Store) ListProductIDs(ctx context.Context, pharmacyID *id.ID) ([]id.ID, error) {
	seen := make(map[id.ID]struct{})
	var out []id.ID
	add := func(p ledger.Product) {
		if pharmacyID != nil && p.PharmacyID != *pharmacyID {
			return
		}
		if _, ok := seen[p.ID]; ok {
			return
		}
		seen[p.ID] = struct{}{}
		out = append(out, p.ID)
	}

	if t := s.current(ctx); t != nil {
		for _, p := range t.products {
			add(p)
		}
	}
	s.mu.RLock()
	for _, p := range s.products {
		add(p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return id.Compare(out[i], out[j]) < 0 })
	return out, nil
}

// --- batches ---

func (s *Store) lookupBatch(t *txn, batchID id.ID) (ledger.Batch, bool) {
	if t != nil {
		if b, ok := t.batches[batchID]; ok {
			return b, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[batchID]
	return b, ok
}

func (s *Store) CreateBatch(ctx context.Context, b *ledger.Batch) error {
	return s.write(ctx, func(t *txn) error {
		if _, ok := s.lookupBatch(t, b.ID); ok {
			return apperror.NewDuplicate("batch", "id", b.ID.String())
		}
		if b.Version == 0 {
			b.Version = 1
		}
		t.batches[b.ID] = *b
		t.baseBatches[b.ID] = -1
		return nil
	})
}

func (s *Store) GetBatch(ctx context.Context, batchID id.ID) (*ledger.Batch, error) {
	b, ok := s.lookupBatch(s.current(ctx), batchID)
	if !ok {
		return nil, apperror.NewNotFound("batch", batchID.String())
	}
	return &b, nil
}

func (s *Store) ListBatches(ctx context.Context, productID id.ID, filter ledger.BatchFilter) ([]ledger.Batch, error) {
	merged := make(map[id.ID]ledger.Batch)
	s.mu.RLock()
	for k, b := range s.batches {
		if b.ProductID == productID {
			merged[k] = b
		}
	}
	s.mu.RUnlock()
	if t := s.current(ctx); t != nil {
		for k, b := range t.batches {
			if b.ProductID == productID {
				merged[k] = b
			}
		}
	}

	out := make([]ledger.Batch, 0, len(merged))
	for _, b := range merged {
		if !filter.IncludeTerminal && len(filter.Statuses) == 0 && b.Status.IsTerminal() {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, b.Status) {
			continue
		}
		if filter.Location != "" && b.Location != filter.Location {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return id.Compare(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

func containsStatus(list []ledger.BatchStatus, s ledger.BatchStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *Store) UpdateBatch(ctx context.Context, b *ledger.Batch) error {
	return s.write(ctx, func(t *txn) error {
		cur, ok := s.lookupBatch(t, b.ID)
		if !ok {
			return apperror.NewNotFound("batch", b.ID.String())
		}
		if cur.Version != b.Version {
			return apperror.NewConcurrentModification("batch", b.ID.String())
		}
		if _, staged := t.baseBatches[b.ID]; !staged {
			t.baseBatches[b.ID] = cur.Version
		}
		b.Version++
		t.batches[b.ID] = *b
		return nil
	})
}

// --- movements ---

func (s *Store) AppendMovements(ctx context.Context, movements []ledger.Movement) error {
	return s.write(ctx, func(t *txn) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i := range movements {
			s.seq++
			movements[i].Seq = s.seq
			t.movements = append(t.movements, movements[i])
		}
		return nil
	})
}

func (s *Store) ListMovements(ctx context.Context, q ledger.MovementQuery) ([]ledger.Movement, error) {
	s.mu.RLock()
	all := make([]ledger.Movement, 0, len(s.movements))
	all = append(all, s.movements...)
	s.mu.RUnlock()
	if t := s.current(ctx); t != nil {
		all = append(all, t.movements...)
	}

	var out []ledger.Movement
	for _, m := range all {
		if q.ProductID != nil && m.ProductID != *q.ProductID {
			continue
		}
		if q.BatchID != nil && (m.BatchID == nil || *m.BatchID != *q.BatchID) {
			continue
		}
		if q.From != nil && m.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && m.CreatedAt.After(*q.To) {
			continue
		}
		if len(q.Types) > 0 && !containsType(q.Types, m.Type) {
			continue
		}
		out = append(out, m)
	}
	ledger.SortMovements(out)

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func containsType(list []ledger.MovementType, mt ledger.MovementType) bool {
	for _, v := range list {
		if v == mt {
			return true
		}
	}
	return false
}

// --- reservations ---

func (s *Store) lookupReservation(t *txn, reservationID id.ID) (ledger.Reservation, bool) {
	if t != nil {
		if r, ok := t.reservations[reservationID]; ok {
			return r, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	return r, ok
}

func cloneReservation(r ledger.Reservation) ledger.Reservation {
	r.Allocations = append([]ledger.Allocation(nil), r.Allocations...)
	return r
}

func (s *Store) CreateReservation(ctx context.Context, r *ledger.Reservation) error {
	return s.write(ctx, func(t *txn) error {
		if _, ok := s.lookupReservation(t, r.ID); ok {
			return apperror.NewDuplicate("reservation", "id", r.ID.String())
		}
		t.reservations[r.ID] = cloneReservation(*r)
		return nil
	})
}

func (s *Store) GetReservation(ctx context.Context, reservationID id.ID) (*ledger.Reservation, error) {
	r, ok := s.lookupReservation(s.current(ctx), reservationID)
	if !ok {
		return nil, apperror.NewNotFound("reservation", reservationID.String())
	}
	r = cloneReservation(r)
	return &r, nil
}

func (s *Store) UpdateReservation(ctx context.Context, r *ledger.Reservation) error {
	return s.write(ctx, func(t *txn) error {
		cur, ok := s.lookupReservation(t, r.ID)
		if !ok {
			return apperror.NewNotFound("reservation", r.ID.String())
		}
		if cur.State != ledger.ReservationOpen {
			return apperror.NewConcurrentModification("reservation", r.ID.String())
		}
		t.reservations[r.ID] = cloneReservation(*r)
		return nil
	})
}

func (s *Store) ListExpiredReservations(ctx context.Context, now time.Time, limit int) ([]ledger.Reservation, error) {
	s.mu.RLock()
	var out []ledger.Reservation
	for _, r := range s.reservations {
		if r.IsExpired(now) {
			out = append(out, cloneReservation(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- transfers ---

func cloneTransfer(tr ledger.Transfer) ledger.Transfer {
	tr.Lines = append([]ledger.TransferLine(nil), tr.Lines...)
	return tr
}

func (s *Store) lookupTransfer(t *txn, transferID id.ID) (ledger.Transfer, bool) {
	if t != nil {
		if tr, ok := t.transfers[transferID]; ok {
			return tr, true
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tr, ok := s.transfers[transferID]
	return tr, ok
}

func (s *Store) CreateTransfer(ctx context.Context, tr *ledger.Transfer) error {
	return s.write(ctx, func(t *txn) error {
		if _, ok := s.lookupTransfer(t, tr.ID); ok {
			return apperror.NewDuplicate("transfer", "id", tr.ID.String())
		}
		t.transfers[tr.ID] = cloneTransfer(*tr)
		return nil
	})
}

func (s *Store) UpdateTransfer(ctx context.Context, tr *ledger.Transfer) error {
	return s.write(ctx, func(t *txn) error {
		if _, ok := s.lookupTransfer(t, tr.ID); !ok {
			return apperror.NewNotFound("transfer", tr.ID.String())
		}
		t.transfers[tr.ID] = cloneTransfer(*tr)
		return nil
	})
}

func (s *Store) GetTransfer(ctx context.Context, transferID id.ID) (*ledger.Transfer, error) {
	tr, ok := s.lookupTransfer(s.current(ctx), transferID)
	if !ok {
		return nil, apperror.NewNotFound("transfer", transferID.String())
	}
	tr = cloneTransfer(tr)
	return &tr, nil
}

// NextSequence allocates immediately; values taken by a rolled-back
// transaction are skipped, as with a PostgreSQL sequence.
func (s *Store) NextSequence(ctx context.Context, key string) (int64, error) {
	if t := s.current(ctx); t != nil && t.readOnly {
		return 0, ErrReadOnly
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequences[key]++
	return s.sequences[key], nil
}

// --- events ---

func (s *Store) AppendEvents(ctx context.Context, events []ledger.Event) error {
	return s.write(ctx, func(t *txn) error {
		t.events = append(t.events, events...)
		return nil
	})
}

// Events returns the committed events in emission order.
func (s *Store) Events() []ledger.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.Event(nil), s.events...)
}

// Movements returns the committed movement log in append order.
func (s *Store) Movements() []ledger.Movement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ledger.Movement(nil), s.movements...)
}
