package fairrw

// ticket is closed when its holder is admitted.
type ticket chan struct{}

// waitList is a FIFO of tickets for one class of waiter. It is only
// touched with the gate held.
type waitList struct {
	q []ticket
}

func (w *waitList) push() ticket {
	t := make(ticket)
	w.q = append(w.q, t)
	return t
}

func (w *waitList) pop() ticket {
	t := w.q[0]
	w.q[0] = nil
	w.q = w.q[1:]
	if len(w.q) == 0 {
		// release the backing array once drained
		w.q = nil
	}
	return t
}

// remove drops t, reporting whether it was still waiting.
func (w *waitList) remove(t ticket) bool {
	for i, v := range w.q {
		if v == t {
			copy(w.q[i:], w.q[i+1:])
			w.q[len(w.q)-1] = nil
			w.q = w.q[:len(w.q)-1]
			return true
		}
	}
	return false
}

func (w *waitList) len() int {
	return len(w.q)
}
