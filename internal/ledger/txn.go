package ledger

// Txn is an undo log for a single atomic operation. Every mutator in the
// books, the nonce set, the limiter, and the pools records an undo closure
// here; if any later step of the same operation fails, Rollback restores the
// exact pre-operation state. A nonce marked early in a call is therefore
// unmarked again when the call fails.
type Txn struct {
	undo []func()
}

func NewTxn() *Txn {
	return &Txn{}
}

// Record registers an undo closure. Closures run in reverse order on Rollback.
func (t *Txn) Record(f func()) {
	t.undo = append(t.undo, f)
}

// Rollback restores pre-operation state by running all undos in reverse.
func (t *Txn) Rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

// Commit discards the undo log; the operation's effects stand.
func (t *Txn) Commit() {
	t.undo = nil
}
