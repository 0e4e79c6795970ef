// Package nodemanager is the control plane: it keeps the live machine
// table, orchestrates provision/deprovision/drain, and validates auth
// per call. Grounded on original_source/nodemanager/src/manager.rs's
// operation contracts and on the teacher's internal/grpc/server.go for
// the shape of a store-backed service object, with the teacher's
// Postgres-backed store replaced by the in-memory RW-locked table this
// spec calls for (no persistence-across-restart is an explicit
// non-goal).
package nodemanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cachpachios/nodemanager/internal/auth"
	"github.com/cachpachios/nodemanager/internal/communicator"
	"github.com/cachpachios/nodemanager/internal/logging"
	"github.com/cachpachios/nodemanager/internal/logs"
	"github.com/cachpachios/nodemanager/internal/machine"
	"github.com/cachpachios/nodemanager/internal/metrics"
	"github.com/cachpachios/nodemanager/internal/netalloc"
	"github.com/cachpachios/nodemanager/internal/netstack"
)

// ErrorKind classifies NodeManager failures into the canonical set this
// spec names, independent of any particular RPC transport's status
// codes.
type ErrorKind int

const (
	ErrInternal ErrorKind = iota
	ErrAuth
	ErrNotFound
	ErrInvalidArgument
	ErrResourceExhausted
	ErrTimeout
)

// Error wraps an ErrorKind with a message; transports map Kind to their
// own status codes and log the underlying cause without surfacing it to
// the caller verbatim.
type Error struct {
	Kind ErrorKind
	Msg  string
	err  error
}

func (e *Error) Error() string { return e.Msg }
func (e *Error) Unwrap() error { return e.err }

func newErr(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, err: cause}
}

// Config is the static, host-wide configuration a NodeManager needs.
type Config struct {
	JailerBin        string
	VMMBin           string
	KernelPath       string
	RootfsPath       string
	VMMLogLevel      string
	VMMManifestPath  string
	PublicInterface  string
	ServiceInterface string
	TAPPrefix        string
	AuthSecret       string
	DefaultDrainTimeout time.Duration
}

type entry struct {
	m   *machine.Machine
	net *netstack.Stack
}

// NodeManager is the single long-lived value passed by shared ownership
// to every RPC handler; there are no other process-wide singletons.
type NodeManager struct {
	cfg       Config
	validator *auth.Validator

	tableMu sync.RWMutex
	table   map[string]*entry

	allocMu sync.Mutex
	alloc   *netalloc.Allocator
}

// New constructs a NodeManager ready to accept Provision calls.
func New(cfg Config) *NodeManager {
	return &NodeManager{
		cfg:       cfg,
		validator: auth.NewValidator(cfg.AuthSecret),
		table:     make(map[string]*entry),
		alloc:     netalloc.New(cfg.TAPPrefix),
	}
}

func (n *NodeManager) checkAuth(token, expectedAud string) error {
	if err := n.validator.Validate(token, expectedAud); err != nil {
		return newErr(ErrAuth, "unauthenticated", err)
	}
	return nil
}

// Provision allocates a network slot, spawns a jailed machine for spec,
// and tracks it under a fresh id. Any slot or stack acquired before a
// failure is released before returning.
func (n *NodeManager) Provision(ctx context.Context, token string, spec machine.Spec, vcpus, memoryMB int) (string, error) {
	if err := n.checkAuth(token, ""); err != nil {
		return "", err
	}
	if vcpus < 1 || vcpus > 32 {
		return "", newErr(ErrInvalidArgument, "vcpus must be in [1,32]", nil)
	}
	spec.VCPUs = vcpus
	spec.MemoryMB = memoryMB

	n.allocMu.Lock()
	slot, err := n.alloc.Allocate()
	n.allocMu.Unlock()
	if err != nil {
		return "", newErr(ErrResourceExhausted, "no network slots available", err)
	}

	stack, err := netstack.Bind(slot)
	if err != nil {
		n.allocMu.Lock()
		n.alloc.Reclaim(slot)
		n.allocMu.Unlock()
		return "", newErr(ErrInternal, "failed to bind network stack", err)
	}
	if err := stack.SetupPublicNAT(n.cfg.PublicInterface); err != nil {
		n.reclaimStack(stack)
		return "", newErr(ErrInternal, "failed to install NAT rules", err)
	}

	id := uuid.NewString()
	uidOffset := uint32(len(n.snapshotIDs()) + 1)
	m, exitCh, err := machine.New(ctx, id, uidOffset, spec, stack, machine.Overrides{
		JailerBin:    n.cfg.JailerBin,
		VMMBin:       n.cfg.VMMBin,
		KernelPath:   n.cfg.KernelPath,
		RootfsPath:   n.cfg.RootfsPath,
		VMMLogLevel:  n.cfg.VMMLogLevel,
		ManifestPath: n.cfg.VMMManifestPath,
	})
	if err != nil {
		n.reclaimStack(stack)
		metrics.RecordProvisioned(false)
		return "", newErr(ErrInternal, "failed to boot machine", err)
	}

	n.tableMu.Lock()
	n.table[id] = &entry{m: m, net: stack}
	n.tableMu.Unlock()
	metrics.RecordProvisioned(true)
	metrics.SetActiveMachines(len(n.table))
	metrics.SetAllocatorSlotsInUse(n.alloc.Outstanding())

	go n.awaitExitAndDeprovision(id, exitCh)

	logging.Default().Log(&logging.ProvisionLog{MachineID: id, Operation: "provision", Image: spec.Image, Success: true})
	return id, nil
}

// awaitExitAndDeprovision watches a machine's exit channel and, once the
// guest byte channel terminates for any reason, removes the machine
// from the table and reclaims its resources.
func (n *NodeManager) awaitExitAndDeprovision(id string, exitCh <-chan communicator.Exit) {
	exit := <-exitCh
	reason := "guest-exit"
	switch exit.Kind {
	case communicator.ExitFailedToPullImage:
		reason = "pull-failed"
	case communicator.ExitUnknown:
		reason = "crashed"
	}
	n.removeAndReclaim(id, 0, reason)
}

func (n *NodeManager) removeAndReclaim(id string, timeout time.Duration, reason string) {
	n.tableMu.Lock()
	e, ok := n.table[id]
	if ok {
		delete(n.table, id)
	}
	n.tableMu.Unlock()
	if !ok {
		return
	}

	stack := e.m.Shutdown(timeout)
	n.reclaimStack(stack)
	metrics.RecordDeprovisioned(reason)
	if reason == "crashed" || reason == "pull-failed" {
		metrics.RecordCrashed()
	}
	metrics.SetActiveMachines(n.countLocked())
}

func (n *NodeManager) reclaimStack(stack *netstack.Stack) {
	slot := stack.Slot()
	stack.Reclaim()
	n.allocMu.Lock()
	n.alloc.Reclaim(slot)
	n.allocMu.Unlock()
	metrics.SetAllocatorSlotsInUse(n.alloc.Outstanding())
}

func (n *NodeManager) countLocked() int {
	n.tableMu.RLock()
	defer n.tableMu.RUnlock()
	return len(n.table)
}

// Deprovision removes id from the table and shuts its machine down,
// waiting up to timeout before forceful cleanup.
func (n *NodeManager) Deprovision(ctx context.Context, token, id string, timeout time.Duration) error {
	if err := n.checkAuth(token, id); err != nil {
		return err
	}
	n.tableMu.RLock()
	_, ok := n.table[id]
	n.tableMu.RUnlock()
	if !ok {
		return newErr(ErrNotFound, fmt.Sprintf("machine %s not found", id), nil)
	}
	n.removeAndReclaim(id, timeout, "deprovision")
	return nil
}

// List enumerates all tracked machine ids.
func (n *NodeManager) List(ctx context.Context, token string) ([]string, error) {
	if err := n.checkAuth(token, ""); err != nil {
		return nil, err
	}
	return n.snapshotIDs(), nil
}

func (n *NodeManager) snapshotIDs() []string {
	n.tableMu.RLock()
	defer n.tableMu.RUnlock()
	ids := make([]string, 0, len(n.table))
	for id := range n.table {
		ids = append(ids, id)
	}
	return ids
}

func (n *NodeManager) lookup(id string) (*machine.Machine, bool) {
	n.tableMu.RLock()
	defer n.tableMu.RUnlock()
	e, ok := n.table[id]
	if !ok {
		return nil, false
	}
	return e.m, true
}

// StreamLogs validates auth, then returns an atomic (snapshot,
// subscriber) pair for id's machine.
func (n *NodeManager) StreamLogs(ctx context.Context, token, id string) ([]logs.Record, <-chan logs.Record, error) {
	if err := n.checkAuth(token, id); err != nil {
		return nil, nil, err
	}
	m, ok := n.lookup(id)
	if !ok {
		return nil, nil, newErr(ErrNotFound, fmt.Sprintf("machine %s not found", id), nil)
	}
	snap, ch := m.GetAndSubscribeToLogs()
	return snap, ch, nil
}

// GetLogs validates auth and returns the current snapshot only.
func (n *NodeManager) GetLogs(ctx context.Context, token, id string) ([]logs.Record, error) {
	if err := n.checkAuth(token, id); err != nil {
		return nil, err
	}
	m, ok := n.lookup(id)
	if !ok {
		return nil, newErr(ErrNotFound, fmt.Sprintf("machine %s not found", id), nil)
	}
	return m.GetLogs(), nil
}

// PublishServicePort installs a forwarding rule on id's network stack.
// Calling this twice with the same tuple installs the rule twice; both
// are removed at machine destruction (documented, not deduplicated).
func (n *NodeManager) PublishServicePort(ctx context.Context, token, id string, hostPort, guestPort uint16) error {
	if err := n.checkAuth(token, id); err != nil {
		return err
	}
	m, ok := n.lookup(id)
	if !ok {
		return newErr(ErrNotFound, fmt.Sprintf("machine %s not found", id), nil)
	}
	if err := m.NetStack().SetupForwarding(n.cfg.ServiceInterface, hostPort, guestPort); err != nil {
		return newErr(ErrInternal, "failed to install forwarding rules", err)
	}
	return nil
}

// Drain shuts down and reclaims every tracked machine. Idempotent: a
// second call with nothing left in the table is a no-op.
func (n *NodeManager) Drain(ctx context.Context, token string) error {
	if err := n.checkAuth(token, ""); err != nil {
		return err
	}
	n.DrainAll()
	return nil
}

// DrainAll performs the same shutdown-and-reclaim sweep as Drain but
// without an auth check, for the process-wide shutdown hook which runs
// outside the RPC path entirely.
func (n *NodeManager) DrainAll() {
	timeout := n.cfg.DefaultDrainTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for _, id := range n.snapshotIDs() {
		n.removeAndReclaim(id, timeout, "drain")
	}
}
