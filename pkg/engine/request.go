package engine

// Busy classifies how a request affects the visible busy indicator.
type Busy int

const (
	// BusyIdle means nothing is in flight. It is never assigned to a request.
	BusyIdle Busy = iota
	// BusyNonVisual requests run silently in the background.
	BusyNonVisual
	// BusyFull requests are user initiated and raise the busy indicator.
	BusyFull
)

func (b Busy) String() string {
	switch b {
	case BusyNonVisual:
		return "non-visual"
	case BusyFull:
		return "full"
	default:
		return "idle"
	}
}

type origin int

const (
	originCaller origin = iota
	originInternal
)

// Request is one operation waiting for, or in, its round trip.
type Request struct {
	// ID is assigned when the request is queued.
	ID     uint64
	Kind   Kind
	Method string
	Params []any
	Busy   Busy
	// Index and UserData are echoed back untouched with the result.
	Index    int
	UserData any

	origin      origin
	filterKey   string
	blockFilter bool // polls or removes the block filter
	newBlock    bool // block fetched because the block filter reported it
	done        chan Result
}

// Result is the outcome of a request. Value holds the decoded result of
// the kind (see the typed helpers on Engine for concrete types).
type Result struct {
	Value any
	Err   error
}

// NewRequest builds a caller request for kind.
func NewRequest(kind Kind, params ...any) *Request {
	info := kinds[kind]
	return &Request{
		Kind:   kind,
		Method: info.method,
		Params: params,
		Busy:   info.busy,
		done:   make(chan Result, 1),
	}
}

// WithIndex sets the caller correlation index.
func (r *Request) WithIndex(i int) *Request {
	r.Index = i
	return r
}

// WithUserData attaches opaque data returned with the result.
func (r *Request) WithUserData(v any) *Request {
	r.UserData = v
	return r
}

// FilterKey returns the caller key of a filter request.
func (r *Request) FilterKey() string {
	return r.filterKey
}

// Done receives exactly one Result.
func (r *Request) Done() <-chan Result {
	return r.done
}

func (r *Request) resolve(res Result) {
	select {
	case r.done <- res:
	default:
	}
}

func newInternal(kind Kind, params ...any) *Request {
	req := NewRequest(kind, params...)
	req.origin = originInternal
	return req
}
