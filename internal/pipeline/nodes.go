package pipeline

import "github.com/Kocoro-lab/Shannon/go/catalogrouter/internal/state"

// Node is one step of the question state machine.
type Node int

const (
	NodeStart Node = iota
	NodeSelect
	NodeRoute
	NodeValidate
	NodeExecute
	NodeParallel
	NodeAggregate
	NodeClarify
	NodeNotFound
	NodeError
	NodeRespond
	NodeDone
)

var nodeNames = [...]string{
	NodeStart:     "start",
	NodeSelect:    "select",
	NodeRoute:     "route",
	NodeValidate:  "validate",
	NodeExecute:   "execute",
	NodeParallel:  "parallel",
	NodeAggregate: "aggregate",
	NodeClarify:   "clarify",
	NodeNotFound:  "not_found",
	NodeError:     "error",
	NodeRespond:   "respond",
	NodeDone:      "done",
}

func (n Node) String() string {
	if n >= 0 && int(n) < len(nodeNames) {
		return nodeNames[n]
	}
	return "unknown"
}

// terminal nodes only format and deliver; they run even after the budget is spent.
func (n Node) terminal() bool {
	switch n {
	case NodeClarify, NodeNotFound, NodeError, NodeRespond, NodeDone:
		return true
	}
	return false
}

// next is the transition function. It reads st and nothing else.
func next(n Node, st *state.RequestState) Node {
	switch n {
	case NodeStart:
		if st.PendingDisambiguation {
			return NodeSelect
		}
		return NodeRoute

	case NodeSelect:
		switch {
		case st.Answer != "":
			return NodeRespond
		case st.Validation.Status == state.ValidationResolved:
			return NodeExecute
		}
		return NodeRoute

	case NodeRoute:
		switch {
		case st.Error != nil && st.Error.Kind == state.ErrRoutingExhausted:
			return NodeClarify
		case st.Error != nil:
			return NodeError
		case st.Strategy == state.StrategyParallel:
			return NodeParallel
		case st.SkipValidation:
			return NodeExecute
		}
		return NodeValidate

	case NodeValidate:
		switch st.Validation.Status {
		case state.ValidationAmbiguous:
			return NodeClarify
		case state.ValidationNotFound:
			return NodeNotFound
		}
		return NodeExecute

	case NodeExecute:
		switch {
		case st.DomainStatus == state.DomainStatusSuccess && st.Error == nil:
			return NodeRespond
		case st.Error != nil:
			return NodeError
		case st.RerouteRequested:
			return NodeRoute
		}
		return NodeError

	case NodeParallel:
		return NodeAggregate

	case NodeAggregate:
		if st.Error != nil {
			return NodeError
		}
		return NodeRespond

	case NodeClarify, NodeNotFound, NodeError:
		return NodeRespond
	}
	return NodeDone
}
