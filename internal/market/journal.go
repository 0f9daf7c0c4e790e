package market

// journal records undo actions for every ledger mutation made during the
// outermost operation. Nested operations take a snapshot and revert to it on
// failure; the outermost operation resets the journal when it finishes.
type journal struct {
	undo []func()
}

func (j *journal) record(fn func()) {
	j.undo = append(j.undo, fn)
}

func (j *journal) snapshot() int {
	return len(j.undo)
}

// revertTo undoes every action recorded after snapshot id, newest first.
func (j *journal) revertTo(id int) {
	for i := len(j.undo) - 1; i >= id; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:id]
}

func (j *journal) reset() {
	j.undo = j.undo[:0]
}
