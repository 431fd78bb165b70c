package geocoder

// batchSizeFor derives the rows-per-batch target from the service's
// per-request address limit: each row costs one address per group.
func batchSizeFor(prefixCount int) int {
	if prefixCount <= 0 {
		return geocodeBatchLimit
	}
	size := geocodeBatchLimit / prefixCount
	if size < 1 {
		size = 1
	}
	return size
}

// assembler accumulates rows into fixed-size batches. It never reorders or
// drops a row: every Add either buffers the row or returns a batch carrying
// it, and Finish flushes whatever remains.
type assembler struct {
	shared  *Shared
	size    int
	rows    [][]string
	nextSeq int
	emitted bool
}

func newAssembler(shared *Shared, size int) *assembler {
	return &assembler{
		shared: shared,
		size:   size,
		rows:   make([][]string, 0, size),
	}
}

// Add buffers one row and returns a full batch when the buffer reaches the
// target size, nil otherwise.
func (a *assembler) Add(row []string) *Batch {
	a.rows = append(a.rows, row)
	if len(a.rows) < a.size {
		return nil
	}
	return a.emit()
}

// Finish returns the final batch: the buffered short tail, or an empty
// batch when nothing was ever emitted, so that a header-only input still
// drives the header and end marker through the downstream stages.
// Returns nil when there is nothing left to emit.
func (a *assembler) Finish() *Batch {
	if len(a.rows) == 0 && a.emitted {
		return nil
	}
	return a.emit()
}

func (a *assembler) emit() *Batch {
	batch := &Batch{
		Shared: a.shared,
		Rows:   a.rows,
		Seq:    a.nextSeq,
	}
	a.nextSeq++
	a.emitted = true
	a.rows = make([][]string, 0, a.size)
	return batch
}
