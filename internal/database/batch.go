package database

import "fmt"

type opKind int

const (
	opSet opKind = iota
	opCreate
	opUpdate
	opMerge
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opSet:
		return "set"
	case opCreate:
		return "create"
	case opUpdate:
		return "update"
	case opMerge:
		return "merge"
	case opDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type op struct {
	kind   opKind
	path   string
	fields Fields
}

// Batch is a set of writes committed atomically: either every op applies or
// none does.
type Batch struct {
	ops []op
}

func NewBatch() *Batch {
	return &Batch{}
}

// Set replaces the document with fields, creating it if needed.
func (b *Batch) Set(path string, fields Fields) *Batch {
	b.ops = append(b.ops, op{kind: opSet, path: path, fields: fields})
	return b
}

// Create writes a new document and fails the batch if it already exists.
func (b *Batch) Create(path string, fields Fields) *Batch {
	b.ops = append(b.ops, op{kind: opCreate, path: path, fields: fields})
	return b
}

// Update changes fields of an existing document and fails the batch if it
// does not exist.
func (b *Batch) Update(path string, fields Fields) *Batch {
	b.ops = append(b.ops, op{kind: opUpdate, path: path, fields: fields})
	return b
}

// Merge changes fields of a document, creating it if needed.
func (b *Batch) Merge(path string, fields Fields) *Batch {
	b.ops = append(b.ops, op{kind: opMerge, path: path, fields: fields})
	return b
}

// Delete removes the document. Deleting a missing document is not an error.
func (b *Batch) Delete(path string) *Batch {
	b.ops = append(b.ops, op{kind: opDelete, path: path})
	return b
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// Paths returns the distinct document paths the batch writes, in first-use
// order.
func (b *Batch) Paths() []string {
	seen := make(map[string]struct{}, len(b.ops))
	var paths []string
	for _, o := range b.ops {
		if _, ok := seen[o.path]; ok {
			continue
		}
		seen[o.path] = struct{}{}
		paths = append(paths, o.path)
	}
	return paths
}

func (b *Batch) touches(path string) bool {
	for _, o := range b.ops {
		if o.path == path {
			return true
		}
	}
	return false
}

type docState struct {
	data   Fields
	exists bool
}

// applyOps runs ops against the documents returned by load. In strict mode
// precondition failures abort with an error; otherwise the failing op is
// skipped, which is how a local overlay treats writes it cannot verify.
func applyOps(ops []op, load func(path string) (docState, error), now string, strict bool) (map[string]docState, error) {
	out := make(map[string]docState)

	for _, o := range ops {
		if _, err := collectionOf(o.path); err != nil {
			return nil, err
		}

		cur, ok := out[o.path]
		if !ok {
			var err error
			cur, err = load(o.path)
			if err != nil {
				return nil, err
			}
			if cur.exists {
				cur.data, err = normalize(cur.data)
				if err != nil {
					return nil, err
				}
			}
		}

		switch o.kind {
		case opDelete:
			out[o.path] = docState{}
			continue
		case opCreate:
			if cur.exists {
				if strict {
					return nil, &AlreadyExistsError{Path: o.path}
				}
				out[o.path] = cur
				continue
			}
			cur = docState{data: Fields{}, exists: true}
		case opSet:
			cur = docState{data: Fields{}, exists: true}
		case opUpdate:
			if !cur.exists {
				if strict {
					return nil, &NotFoundError{Path: o.path}
				}
				out[o.path] = cur
				continue
			}
		case opMerge:
			if !cur.exists {
				cur = docState{data: Fields{}, exists: true}
			}
		default:
			return nil, fmt.Errorf("unknown op %v", o.kind)
		}

		if err := applyFields(cur.data, o.fields, now); err != nil {
			return nil, fmt.Errorf("%s %s: %w", o.kind, o.path, err)
		}
		out[o.path] = cur
	}

	return out, nil
}
