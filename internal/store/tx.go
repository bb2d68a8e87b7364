package store

import (
	"context"
	"database/sql"
	"sync"

	"freight-guard/pkg/utils"
)

// TxManager runs a unit of work atomically.
// Repositories pick up the active transaction from the context passed to fn.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type ctxKey struct{}

type txState struct {
	sqlTx       *sql.Tx
	mu          sync.Mutex
	undo        []func()
	afterCommit []func(context.Context)
}

func withState(ctx context.Context, st *txState) context.Context {
	return context.WithValue(ctx, ctxKey{}, st)
}

func stateFrom(ctx context.Context) (*txState, bool) {
	st, ok := ctx.Value(ctxKey{}).(*txState)
	return st, ok && st != nil
}

// InTx reports whether ctx carries an open unit of work.
func InTx(ctx context.Context) bool {
	_, ok := stateFrom(ctx)
	return ok
}

// SQLTx extracts the SQL transaction from ctx if present.
func SQLTx(ctx context.Context) (*sql.Tx, bool) {
	st, ok := stateFrom(ctx)
	if !ok || st.sqlTx == nil {
		return nil, false
	}
	return st.sqlTx, true
}

// OnRollback registers a compensating action for in-memory repositories.
// Outside a unit of work it is a no-op.
func OnRollback(ctx context.Context, fn func()) {
	st, ok := stateFrom(ctx)
	if !ok {
		return
	}
	st.mu.Lock()
	st.undo = append(st.undo, fn)
	st.mu.Unlock()
}

// AfterCommit schedules fn to run once the surrounding unit of work commits.
// Outside a unit of work fn runs immediately.
func AfterCommit(ctx context.Context, fn func(context.Context)) {
	st, ok := stateFrom(ctx)
	if !ok {
		fn(ctx)
		return
	}
	st.mu.Lock()
	st.afterCommit = append(st.afterCommit, fn)
	st.mu.Unlock()
}

func (st *txState) rollback() {
	st.mu.Lock()
	undo := st.undo
	st.undo = nil
	st.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

func (st *txState) committed(ctx context.Context) {
	st.mu.Lock()
	hooks := st.afterCommit
	st.afterCommit = nil
	st.mu.Unlock()
	for _, fn := range hooks {
		fn(context.WithoutCancel(ctx))
	}
}

// SQLTxManager runs units of work in database/sql transactions.
type SQLTxManager struct {
	db   *sql.DB
	opts *sql.TxOptions
}

func NewSQLTxManager(db *sql.DB, opts *sql.TxOptions) *SQLTxManager {
	return &SQLTxManager{db: db, opts: opts}
}

func (m *SQLTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if InTx(ctx) {
		return fn(ctx)
	}
	st := &txState{}
	err := utils.WithTx(ctx, m.db, m.opts, func(ctx context.Context, tx *sql.Tx) error {
		st.sqlTx = tx
		return fn(withState(ctx, st))
	})
	if err != nil {
		return err
	}
	st.committed(ctx)
	return nil
}

// MemoryTxManager serializes units of work behind a single lock and undoes
// registered writes when fn fails. Intended for tests and local runs.
type MemoryTxManager struct {
	mu sync.Mutex
}

func NewMemoryTxManager() *MemoryTxManager { return &MemoryTxManager{} }

func (m *MemoryTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTx(ctx) {
		return fn(ctx)
	}
	st := &txState{}

	m.mu.Lock()
	defer func() {
		if p := recover(); p != nil {
			st.rollback()
			m.mu.Unlock()
			panic(p)
		}
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			st.rollback()
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		st.committed(ctx)
	}()

	return fn(withState(ctx, st))
}
