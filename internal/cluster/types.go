// Package cluster holds the node-identity and event types shared by the
// health monitor, selector, and coordinator packages, so none of them
// needs to import another's package just to pass a node id around.
package cluster

// NodeID identifies one cluster member.
type NodeID string

// Role hints the kind of work a node prefers; purely advisory, the
// fabric routes on health and load, never on role alone.
type Role string

const (
	RoleUnknown Role = ""
	RoleWorker  Role = "worker"
	RoleEdge    Role = "edge"
)

// NodeInfo is the static identity of a registered node.
type NodeInfo struct {
	ID       NodeID
	Endpoint string
	Role     Role
}

// EventKind enumerates the cluster-wide events the coordinator and
// health monitor emit to the host via on_cluster_event.
type EventKind string

const (
	EventNodeJoined         EventKind = "NodeJoined"
	EventNodeLeft           EventKind = "NodeLeft"
	EventBecameLeader       EventKind = "BecameLeader"
	EventBecameFollower     EventKind = "BecameFollower"
	EventPartitionDetected  EventKind = "PartitionDetected"
	EventPartitionRecovered EventKind = "PartitionRecovered"
)

// Event is a single cluster-state transition reported to the host.
type Event struct {
	Kind EventKind
	Node NodeID
}
