package trail

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// EditKind identifies the list operation an EditRecord describes.
type EditKind int

const (
	// EditAdd inserts New at Index.
	EditAdd EditKind = iota

	// EditReplace replaces Old with New at Index.
	EditReplace

	// EditRemove removes Old from Index.
	EditRemove
)

func (k EditKind) String() string {
	switch k {
	case EditAdd:
		return "add"
	case EditReplace:
		return "replace"
	case EditRemove:
		return "remove"
	default:
		return fmt.Sprintf("EditKind(%d)", int(k))
	}
}

// Item is an element of an edit list: a Stake or a Region.
type Item interface {
	Span() Interval
	Dispose()
}

// EditRecord is one reversible step of an edit. Replaying the records of an
// edit in order redoes it, replaying them backwards with undo set reverts it.
//
// Records passed to an EditSink own the items that are not linked into
// their list: the removed item of an applied record, the added item of an
// undone one. EditLog disposes them when the record is discarded.
type EditRecord struct {
	Kind  EditKind
	Index int
	Old   Item
	New   Item

	target editTarget
	op     uint64
	change Change
}

// Change returns the structural change of the edit the record belongs to.
func (r EditRecord) Change() Change {
	return r.change
}

func (r EditRecord) String() string {
	switch r.Kind {
	case EditAdd:
		return fmt.Sprintf("add #%d %v", r.Index, r.New.Span())
	case EditReplace:
		return fmt.Sprintf("replace #%d %v -> %v", r.Index, r.Old.Span(), r.New.Span())
	case EditRemove:
		return fmt.Sprintf("remove #%d %v", r.Index, r.Old.Span())
	default:
		return r.Kind.String()
	}
}

// owned returns the item the record keeps alive outside the list.
func (r EditRecord) owned(applied bool) Item {
	switch r.Kind {
	case EditAdd:
		if !applied {
			return r.New
		}
	case EditRemove:
		if applied {
			return r.Old
		}
	case EditReplace:
		if applied {
			return r.Old
		}
		return r.New
	}
	return nil
}

// EditSink receives the records of every edit applied with it.
type EditSink interface {
	Append(rec EditRecord)
}

// EditSinkFunc adapts a function to EditSink.
type EditSinkFunc func(rec EditRecord)

func (f EditSinkFunc) Append(rec EditRecord) { f(rec) }

// editTarget is a list that can replay records it produced.
type editTarget interface {
	replay(recs []EditRecord, undo bool) error
}

var opSeq atomic.Uint64

func nextOp() uint64 {
	return opSeq.Add(1)
}

// EditGroup is one undoable step in an EditLog.
type EditGroup struct {
	Name    string
	records []EditRecord
	named   bool
}

// Records returns a copy of the group's records.
func (g *EditGroup) Records() []EditRecord {
	return append([]EditRecord(nil), g.records...)
}

type compoundState struct {
	depth    int
	name     string
	poisoned bool
	records  []EditRecord
}

// EditLog is an EditSink with undo and redo. Edits appended outside a
// compound become one undo step each; Begin and Commit group several edits
// into a single named step. Compounds nest, and rolling back an inner one
// poisons the outer one.
type EditLog struct {
	mu       sync.Mutex
	done     []*EditGroup
	undone   []*EditGroup
	compound *compoundState
}

// NewEditLog creates an empty log.
func NewEditLog() *EditLog {
	return &EditLog{}
}

// Append records an edit step.
func (l *EditLog) Append(rec EditRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compound != nil {
		l.compound.records = append(l.compound.records, rec)
		return
	}
	if n := len(l.done); n > 0 && len(l.undone) == 0 {
		last := l.done[n-1]
		if !last.named && last.records[len(last.records)-1].op == rec.op {
			last.records = append(last.records, rec)
			return
		}
	}
	l.dropRedo()
	l.done = append(l.done, &EditGroup{records: []EditRecord{rec}})
}

// Depth returns the nesting depth of the active compound (0 = none).
func (l *EditLog) Depth() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compound == nil {
		return 0
	}
	return l.compound.depth
}

// Begin starts a compound edit, or nests into the active one.
func (l *EditLog) Begin(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compound == nil {
		l.compound = &compoundState{depth: 1, name: name}
		return
	}
	l.compound.depth++
}

// Commit ends a compound edit. The outermost commit turns the compound into
// one undo step, or reverts it if an inner compound was rolled back.
func (l *EditLog) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.compound
	if c == nil {
		return ErrNoCompound
	}
	c.depth--
	if c.depth > 0 {
		return nil
	}
	l.compound = nil

	if c.poisoned {
		err := replayRecords(c.records, true)
		disposeOwned(c.records, false)
		if err != nil {
			return err
		}
		return ErrCompoundPoisoned
	}
	if len(c.records) == 0 {
		return nil
	}
	l.dropRedo()
	l.done = append(l.done, &EditGroup{Name: c.name, records: c.records, named: true})
	return nil
}

// Rollback reverts the active compound. Inside a nested compound the revert
// happens when the outermost level ends.
func (l *EditLog) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.compound
	if c == nil {
		return ErrNoCompound
	}
	c.poisoned = true
	c.depth--
	if c.depth > 0 {
		return nil
	}
	l.compound = nil

	err := replayRecords(c.records, true)
	disposeOwned(c.records, false)
	return err
}

// CanUndo returns true if there is a step to undo.
func (l *EditLog) CanUndo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done) > 0 && l.compound == nil
}

// CanRedo returns true if there is a step to redo.
func (l *EditLog) CanRedo() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.undone) > 0 && l.compound == nil
}

// Undo reverts the most recent step and returns its name.
func (l *EditLog) Undo() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compound != nil {
		return "", fmt.Errorf("%w: undo inside compound edit %q", ErrInvalidOperation, l.compound.name)
	}
	if len(l.done) == 0 {
		return "", ErrNoEdit
	}
	g := l.done[len(l.done)-1]
	if err := replayRecords(g.records, true); err != nil {
		return g.Name, err
	}
	l.done = l.done[:len(l.done)-1]
	l.undone = append(l.undone, g)
	return g.Name, nil
}

// Redo reapplies the most recently undone step and returns its name.
func (l *EditLog) Redo() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.compound != nil {
		return "", fmt.Errorf("%w: redo inside compound edit %q", ErrInvalidOperation, l.compound.name)
	}
	if len(l.undone) == 0 {
		return "", ErrNoEdit
	}
	g := l.undone[len(l.undone)-1]
	if err := replayRecords(g.records, false); err != nil {
		return g.Name, err
	}
	l.undone = l.undone[:len(l.undone)-1]
	l.done = append(l.done, g)
	return g.Name, nil
}

// History returns the names of the undoable steps, oldest first.
func (l *EditLog) History() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	names := make([]string, len(l.done))
	for i, g := range l.done {
		names[i] = g.Name
	}
	return names
}

// Close discards all steps and disposes the items they own.
func (l *EditLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, g := range l.done {
		disposeOwned(g.records, true)
	}
	l.done = nil
	l.dropRedo()
	if l.compound != nil {
		disposeOwned(l.compound.records, true)
		l.compound = nil
	}
}

func (l *EditLog) dropRedo() {
	for _, g := range l.undone {
		disposeOwned(g.records, false)
	}
	l.undone = nil
}

// replayRecords replays records in runs that share a target and an edit, so
// every target sees whole edits and can notify between them.
func replayRecords(recs []EditRecord, undo bool) error {
	var runs [][]EditRecord
	start := 0
	for i := 1; i <= len(recs); i++ {
		if i == len(recs) || recs[i].target != recs[start].target || recs[i].op != recs[start].op {
			runs = append(runs, recs[start:i])
			start = i
		}
	}

	if !undo {
		for _, run := range runs {
			if err := run[0].target.replay(run, false); err != nil {
				return err
			}
		}
		return nil
	}
	for i := len(runs) - 1; i >= 0; i-- {
		run := make([]EditRecord, len(runs[i]))
		for j, rec := range runs[i] {
			run[len(run)-1-j] = rec
		}
		if err := run[0].target.replay(run, true); err != nil {
			return err
		}
	}
	return nil
}

func disposeOwned(recs []EditRecord, applied bool) {
	for _, rec := range recs {
		if it := rec.owned(applied); it != nil {
			it.Dispose()
		}
	}
}

// editList is an ordered item list that records its mutations.
type editList[T Item] struct {
	items   []T
	pending []EditRecord
	record  bool
}

func (el *editList[T]) begin(record bool) {
	el.pending = nil
	el.record = record
}

func (el *editList[T]) insert(i int, it T) {
	el.items = append(el.items, it)
	copy(el.items[i+1:], el.items[i:])
	el.items[i] = it
	if el.record {
		el.pending = append(el.pending, EditRecord{Kind: EditAdd, Index: i, New: it})
	}
}

func (el *editList[T]) replace(i int, it T) {
	old := el.items[i]
	el.items[i] = it
	if el.record {
		el.pending = append(el.pending, EditRecord{Kind: EditReplace, Index: i, Old: old, New: it})
	} else {
		old.Dispose()
	}
}

func (el *editList[T]) remove(i int) {
	old := el.items[i]
	el.items = append(el.items[:i], el.items[i+1:]...)
	if el.record {
		el.pending = append(el.pending, EditRecord{Kind: EditRemove, Index: i, Old: old})
	} else {
		old.Dispose()
	}
}

// finish stamps the pending records with their edit and returns them.
func (el *editList[T]) finish(target editTarget, change Change) []EditRecord {
	recs := el.pending
	el.pending = nil
	if len(recs) == 0 {
		return nil
	}
	op := nextOp()
	for i := range recs {
		recs[i].target = target
		recs[i].op = op
		recs[i].change = change
	}
	return recs
}

// apply replays one record against the list.
func (el *editList[T]) apply(rec EditRecord, undo bool) error {
	kind := rec.Kind
	it := rec.New
	if undo {
		switch rec.Kind {
		case EditAdd:
			kind = EditRemove
		case EditRemove:
			kind, it = EditAdd, rec.Old
		case EditReplace:
			it = rec.Old
		}
	}

	switch kind {
	case EditAdd:
		if rec.Index > len(el.items) {
			return fmt.Errorf("%w: replay add at %d of %d", ErrInvalidOperation, rec.Index, len(el.items))
		}
		v, ok := it.(T)
		if !ok {
			return fmt.Errorf("%w: replay of foreign item %T", ErrInvalidOperation, it)
		}
		el.items = append(el.items, v)
		copy(el.items[rec.Index+1:], el.items[rec.Index:])
		el.items[rec.Index] = v
	case EditReplace:
		if rec.Index >= len(el.items) {
			return fmt.Errorf("%w: replay replace at %d of %d", ErrInvalidOperation, rec.Index, len(el.items))
		}
		v, ok := it.(T)
		if !ok {
			return fmt.Errorf("%w: replay of foreign item %T", ErrInvalidOperation, it)
		}
		el.items[rec.Index] = v
	case EditRemove:
		if rec.Index >= len(el.items) {
			return fmt.Errorf("%w: replay remove at %d of %d", ErrInvalidOperation, rec.Index, len(el.items))
		}
		el.items = append(el.items[:rec.Index], el.items[rec.Index+1:]...)
	}
	return nil
}
