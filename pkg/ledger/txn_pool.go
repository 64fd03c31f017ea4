package ledger

// txnPool is the bounded FIFO of pending transactions.
type txnPool struct {
	cap   int
	order []string
	txns  map[string]*Transaction
	// spend is the pending cost per sender.
	spend map[string]uint64
}

func newTxnPool(capacity int) *txnPool {
	return &txnPool{
		cap:   capacity,
		txns:  make(map[string]*Transaction),
		spend: make(map[string]uint64),
	}
}

func (p *txnPool) Full() bool {
	return len(p.order) >= p.cap
}

func (p *txnPool) Len() int {
	return len(p.order)
}

func (p *txnPool) Has(id string) bool {
	_, ok := p.txns[id]
	return ok
}

func (p *txnPool) Add(t *Transaction) {
	p.txns[t.ID] = t
	p.order = append(p.order, t.ID)
	p.spend[t.From] += t.Cost()
}

func (p *txnPool) Remove(id string) {
	t, ok := p.txns[id]
	if !ok {
		return
	}

	delete(p.txns, id)
	p.spend[t.From] -= t.Cost()
	if p.spend[t.From] == 0 {
		delete(p.spend, t.From)
	}

	for i, v := range p.order {
		if v == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Spend returns the sum of pending costs sent by addr.
func (p *txnPool) Spend(addr string) uint64 {
	return p.spend[addr]
}

// Head returns up to n oldest transactions.
func (p *txnPool) Head(n int) []Transaction {
	if n > len(p.order) {
		n = len(p.order)
	}

	r := make([]Transaction, n)
	for i := 0; i < n; i++ {
		r[i] = *p.txns[p.order[i]]
	}
	return r
}

func (p *txnPool) Clear() []Transaction {
	r := p.Head(len(p.order))
	p.order = nil
	p.txns = make(map[string]*Transaction)
	p.spend = make(map[string]uint64)
	return r
}
