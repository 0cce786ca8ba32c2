package layout

// Contiguity labels a resolved page relative to the one resolved before it.
type Contiguity int

const (
	NonContiguous Contiguity = iota
	Contiguous
)

func (c Contiguity) String() string {
	if c == Contiguous {
		return "contiguous"
	}
	return "non-contiguous"
}

// Classifier tags each resolved frame of one process in traversal order.
// The first frame it sees has no predecessor and is always non-contiguous.
type Classifier struct {
	pageSize uint64
	prev     uint64
	seen     bool
}

// NewClassifier returns a classifier for frames of pageSize bytes.
func NewClassifier(pageSize uint64) *Classifier {
	return &Classifier{pageSize: pageSize}
}

// Classify compares frame with the previously classified frame and records it
// as the new predecessor.
func (c *Classifier) Classify(frame uint64) Contiguity {
	result := NonContiguous
	if c.seen && frame == c.prev+c.pageSize {
		result = Contiguous
	}
	c.prev = frame
	c.seen = true
	return result
}

// Reset forgets the predecessor so the next frame starts a new process.
func (c *Classifier) Reset() {
	c.prev = 0
	c.seen = false
}
