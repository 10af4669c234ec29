// Package memstore 是 store.Store 的内存实现。事务彼此串行：Begin 拿到全局锁并复制一份快照，
// Commit 时整体替换，Rollback 直接丢弃。
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"riskguard/internal/store"
	"riskguard/internal/store/model"
)

type state struct {
	positions map[string]model.Position
	orders    map[string]model.ConditionalOrder
	stages    map[string]model.StageExecution
	recons    map[string]model.ReconciliationEntry
}

func newState() *state {
	return &state{
		positions: make(map[string]model.Position),
		orders:    make(map[string]model.ConditionalOrder),
		stages:    make(map[string]model.StageExecution),
		recons:    make(map[string]model.ReconciliationEntry),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.positions {
		out.positions[k] = v
	}
	for k, v := range s.orders {
		out.orders[k] = v
	}
	for k, v := range s.stages {
		out.stages[k] = v
	}
	for k, v := range s.recons {
		out.recons[k] = v
	}
	return out
}

type Store struct {
	txMu sync.Mutex
	cur  *state

	// failCommit 中的错误依次作为 Commit 的返回值，用于模拟落库失败。
	failMu     sync.Mutex
	failCommit []error
}

func New() *Store {
	return &Store{cur: newState()}
}

// FailNextCommits 让接下来的若干次 Commit 依次返回给定错误。
func (s *Store) FailNextCommits(errs ...error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failCommit = append(s.failCommit, errs...)
}

func (s *Store) popCommitFailure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if len(s.failCommit) == 0 {
		return nil
	}
	err := s.failCommit[0]
	s.failCommit = s.failCommit[1:]
	return err
}

func (s *Store) Begin(ctx context.Context) (store.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &uow{s: s, st: s.cur.clone()}, nil
}

func (s *Store) Close() error { return nil }

type uow struct {
	s    *Store
	st   *state
	done bool
}

func (u *uow) finish() {
	if !u.done {
		u.done = true
		u.s.txMu.Unlock()
	}
}

func (u *uow) Commit() error {
	if u.done {
		return errors.New("transaction already finished")
	}
	defer u.finish()
	if err := u.s.popCommitFailure(); err != nil {
		return err
	}
	u.s.cur = u.st
	return nil
}

func (u *uow) Rollback() error {
	u.finish()
	return nil
}

func (u *uow) Positions() store.PositionRepository {
	return positionRepo{u}
}

func (u *uow) Orders() store.ConditionalOrderRepository {
	return orderRepo{u}
}

func (u *uow) Stages() store.StageRepository {
	return stageRepo{u}
}

func (u *uow) Reconciliations() store.ReconciliationRepository {
	return reconRepo{u}
}

func (u *uow) check() error {
	if u.done {
		return errors.New("transaction already finished")
	}
	return nil
}

type positionRepo struct{ u *uow }

func (r positionRepo) Create(_ context.Context, p *model.Position) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.st.positions[p.PositionID]; ok {
		return fmt.Errorf("position %s already exists", p.PositionID)
	}
	if p.Status == model.PositionOpen {
		for _, cur := range r.u.st.positions {
			if cur.Symbol == p.Symbol && cur.Status == model.PositionOpen {
				return fmt.Errorf("%w: %s", store.ErrDuplicatePosition, p.Symbol)
			}
		}
	}
	r.u.st.positions[p.PositionID] = *p
	return nil
}

func (r positionRepo) Get(_ context.Context, positionID string) (*model.Position, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	p, ok := r.u.st.positions[positionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (r positionRepo) FindOpenBySymbol(_ context.Context, symbol string) (*model.Position, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	for _, p := range r.u.st.positions {
		if p.Symbol == symbol && p.Status == model.PositionOpen {
			return &p, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r positionRepo) ListOpen(_ context.Context) ([]model.Position, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var out []model.Position
	for _, p := range r.u.st.positions {
		if p.Status == model.PositionOpen {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (r positionRepo) Update(_ context.Context, p *model.Position) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.st.positions[p.PositionID]; !ok {
		return store.ErrNotFound
	}
	r.u.st.positions[p.PositionID] = *p
	return nil
}

type orderRepo struct{ u *uow }

func (r orderRepo) Create(_ context.Context, o *model.ConditionalOrder) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.st.orders[o.OrderID]; ok {
		return fmt.Errorf("order %s already exists", o.OrderID)
	}
	r.u.st.orders[o.OrderID] = *o
	return nil
}

func (r orderRepo) ListActive(_ context.Context, positionID string) ([]model.ConditionalOrder, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var out []model.ConditionalOrder
	for _, o := range r.u.st.orders {
		if o.PositionID == positionID && o.Status == model.OrderActive {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r orderRepo) MarkStatus(_ context.Context, orderID string, status model.OrderStatus, at time.Time) error {
	if err := r.u.check(); err != nil {
		return err
	}
	o, ok := r.u.st.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = at
	r.u.st.orders[orderID] = o
	return nil
}

type stageRepo struct{ u *uow }

func live(s model.StageStatus) bool {
	return s == model.StagePending || s == model.StageCompleted
}

func (r stageRepo) conflict(rec *model.StageExecution) bool {
	if !live(rec.Status) {
		return false
	}
	for id, cur := range r.u.st.stages {
		if id != rec.ID && cur.PositionID == rec.PositionID && cur.Stage == rec.Stage && live(cur.Status) {
			return true
		}
	}
	return false
}

func (r stageRepo) Insert(_ context.Context, rec *model.StageExecution) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.st.stages[rec.ID]; ok {
		return fmt.Errorf("stage record %s already exists", rec.ID)
	}
	if r.conflict(rec) {
		return fmt.Errorf("%w: position=%s stage=%d", store.ErrDuplicateStage, rec.PositionID, rec.Stage)
	}
	r.u.st.stages[rec.ID] = *rec
	return nil
}

func (r stageRepo) Update(_ context.Context, rec *model.StageExecution) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.st.stages[rec.ID]; !ok {
		return store.ErrNotFound
	}
	if r.conflict(rec) {
		return fmt.Errorf("%w: position=%s stage=%d", store.ErrDuplicateStage, rec.PositionID, rec.Stage)
	}
	r.u.st.stages[rec.ID] = *rec
	return nil
}

func (r stageRepo) ListByPosition(_ context.Context, positionID string) ([]model.StageExecution, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	var out []model.StageExecution
	for _, rec := range r.u.st.stages {
		if rec.PositionID == positionID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Stage != out[j].Stage {
			return out[i].Stage < out[j].Stage
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r stageRepo) CompletedSince(_ context.Context, symbol string, stage int, since time.Time) (int64, error) {
	if err := r.u.check(); err != nil {
		return 0, err
	}
	var n int64
	for _, rec := range r.u.st.stages {
		if rec.Symbol == symbol && rec.Stage == stage && rec.Status == model.StageCompleted &&
			rec.CompletedAt != nil && !rec.CompletedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type reconRepo struct{ u *uow }

func (r reconRepo) Insert(_ context.Context, e *model.ReconciliationEntry) error {
	if err := r.u.check(); err != nil {
		return err
	}
	if _, ok := r.u.st.recons[e.ID]; ok {
		return fmt.Errorf("reconciliation entry %s already exists", e.ID)
	}
	r.u.st.recons[e.ID] = *e
	return nil
}

func (r reconRepo) List(_ context.Context, unresolvedOnly bool, limit int) ([]model.ReconciliationEntry, error) {
	if err := r.u.check(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var out []model.ReconciliationEntry
	for _, e := range r.u.st.recons {
		if unresolvedOnly && !e.Unresolved {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r reconRepo) Resolve(_ context.Context, id string, at time.Time) error {
	if err := r.u.check(); err != nil {
		return err
	}
	e, ok := r.u.st.recons[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Unresolved = false
	e.ResolvedAt = &at
	r.u.st.recons[id] = e
	return nil
}
