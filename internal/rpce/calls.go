package rpce

import (
	"fmt"
	"sync"
	"time"
)

// RpcCall tracks one outstanding RPC call on the virtual connection.
type RpcCall struct {
	// CallID is the call identifier shared by all fragments of the call
	// ([C706] Section 12.6.3.1).
	CallID uint32

	// Opnum is the operation number for request PDUs; zero for the
	// bind family, which carries no opnum.
	Opnum uint16

	// CreatedAt is when the call was registered.
	CreatedAt time.Time
}

// CallRegistry tracks outstanding RPC calls by call-id. Insertion order
// is preserved for diagnostics. A registry belongs to exactly one
// session; access is serialized with a mutex so concurrent sessions can
// share code paths without sharing state.
type CallRegistry struct {
	mu    sync.Mutex
	byID  map[uint32]*RpcCall
	order []*RpcCall
}

// NewCallRegistry creates an empty registry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{
		byID: make(map[uint32]*RpcCall),
	}
}

// New registers a call. The call MUST be registered before the first
// byte of its PDU is handed to the channel. Returns ErrDuplicateCall if
// the call-id is already outstanding.
func (r *CallRegistry) New(callID uint32, opnum uint16) (*RpcCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[callID]; exists {
		return nil, fmt.Errorf("register call %d: %w", callID, ErrDuplicateCall)
	}

	return r.insertLocked(callID, opnum), nil
}

// Ensure registers a call like New, but succeeds silently if the call-id
// is already present. The rpc_auth_3 leg reuses the bind's call-id, so
// its registration is idempotent.
func (r *CallRegistry) Ensure(callID uint32, opnum uint16) *RpcCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	if call, exists := r.byID[callID]; exists {
		return call
	}

	return r.insertLocked(callID, opnum)
}

// insertLocked appends a new call. Caller holds r.mu.
func (r *CallRegistry) insertLocked(callID uint32, opnum uint16) *RpcCall {
	call := &RpcCall{
		CallID:    callID,
		Opnum:     opnum,
		CreatedAt: time.Now(),
	}
	r.byID[callID] = call
	r.order = append(r.order, call)

	return call
}

// Complete removes a call once its matched response has arrived.
// Returns ErrUnknownCall if the call-id is not outstanding.
func (r *CallRegistry) Complete(callID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[callID]; !exists {
		return fmt.Errorf("complete call %d: %w", callID, ErrUnknownCall)
	}

	delete(r.byID, callID)
	for i, c := range r.order {
		if c.CallID == callID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	return nil
}

// Clear drops all outstanding calls. Called on terminal failure and on
// session teardown.
func (r *CallRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.byID)
	r.order = nil
}

// Len reports the number of outstanding calls.
func (r *CallRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byID)
}

// Outstanding returns the outstanding calls in insertion order.
func (r *CallRegistry) Outstanding() []*RpcCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*RpcCall, len(r.order))
	copy(out, r.order)

	return out
}
