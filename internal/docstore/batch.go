package docstore

import "context"

type opKind int

const (
	opCreate opKind = iota
	opUpsert
	opReplace
)

type batchOp struct {
	kind    opKind
	id      string
	body    Item
	ifMatch string // only meaningful for opReplace
}

// batchExecutor is implemented by concrete Store implementations to run a Batch atomically.
type batchExecutor interface {
	executeBatch(ctx context.Context, container, partitionKey string, ops []batchOp) error
}

// Batch accumulates Create/Upsert/Replace operations against a single partition of a single
// container and executes them atomically: either every operation applies, or none does.
type Batch struct {
	container    string
	partitionKey string
	ops          []batchOp
	exec         batchExecutor
}

func newBatch(exec batchExecutor, container, partitionKey string) *Batch {
	return &Batch{container: container, partitionKey: partitionKey, exec: exec}
}

// Create enqueues a document creation. Execute fails with KindConflict if a document with the
// same id already exists in this partition.
func (b *Batch) Create(id string, body Item) *Batch {
	item := body.Clone()
	if item == nil {
		item = Item{}
	}
	item["id"] = id
	b.ops = append(b.ops, batchOp{kind: opCreate, id: id, body: item})
	return b
}

// Upsert enqueues a create-or-replace with no precondition.
func (b *Batch) Upsert(id string, body Item) *Batch {
	item := body.Clone()
	if item == nil {
		item = Item{}
	}
	item["id"] = id
	b.ops = append(b.ops, batchOp{kind: opUpsert, id: id, body: item})
	return b
}

// Replace enqueues an ETag-guarded replace. Execute fails with KindPreconditionFailed if the
// stored document's current ETag does not equal ifMatch.
func (b *Batch) Replace(id string, body Item, ifMatch string) *Batch {
	item := body.Clone()
	if item == nil {
		item = Item{}
	}
	item["id"] = id
	b.ops = append(b.ops, batchOp{kind: opReplace, id: id, body: item, ifMatch: ifMatch})
	return b
}

// Execute runs the accumulated operations atomically against the partition.
func (b *Batch) Execute(ctx context.Context) error {
	if b == nil || b.exec == nil {
		return NewError(KindFatal, "batch not initialised")
	}
	return b.exec.executeBatch(ctx, b.container, b.partitionKey, b.ops)
}
