package graph

import "fmt"

// ResolutionNode is one node of the resolution tree returned when a Check
// is made with WantTrace set (spec §4.3.1, §4.3.2: "every node records its
// inputs, outcome, and children into the resolution tree").
type ResolutionNode struct {
	// Operator names the AST construct evaluated at this node: "this",
	// "computed_userset", "tuple_to_userset", "union", "intersection",
	// "difference" or "goal" for the terminal "ONR already reached" case.
	Operator string
	// Object is the `type:id#relation` this node evaluated membership
	// against.
	Object string
	// Outcome is this node's own IsMember result.
	Outcome  bool
	Children []*ResolutionNode
}

func newTraceNode(operator, object string, outcome bool, children ...*ResolutionNode) *ResolutionNode {
	return &ResolutionNode{Operator: operator, Object: object, Outcome: outcome, Children: children}
}

func (n *ResolutionNode) String() string {
	if n == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s(%s)=%v", n.Operator, n.Object, n.Outcome)
}

// wrapTrace builds the set-operation's own node around whichever children
// had already produced a trace node by the time the operator's outcome was
// decided. It returns nil when no child built one, i.e. tracing was not
// requested for this call.
func wrapTrace(operator string, children []*ResolutionNode) *ResolutionNode {
	if len(children) == 0 {
		return nil
	}
	outcome := operatorOutcome(operator, children)
	return &ResolutionNode{Operator: operator, Children: children, Outcome: outcome}
}

// operatorOutcome is a best-effort summary derived from the children that
// happened to be collected before short-circuiting; the node exists purely
// for debugging and never influences the real IsMember result.
func operatorOutcome(operator string, children []*ResolutionNode) bool {
	switch operator {
	case "union":
		for _, c := range children {
			if c.Outcome {
				return true
			}
		}
		return false
	default:
		for _, c := range children {
			if !c.Outcome {
				return false
			}
		}
		return true
	}
}
