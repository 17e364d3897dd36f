package event

import "path"

// NodeKind distinguishes the three operator node shapes.
type NodeKind int

const (
	NodeMatch NodeKind = iota
	NodeAnd
	NodeOr
)

// ArgMatcher is one positional argument matcher within a MATCH node.
// Exactly one of Literal or EnvRef should be set. EnvRef names a variable:
// given a reference environment (stop_on matching against the job's own
// environment), the argument must equal that variable's value there; with
// a nil reference environment (start_on matching), any value matches and
// is captured under that name.
type ArgMatcher struct {
	Literal string
	EnvRef  string
}

// Node is one node of a start_on/stop_on operator tree. MATCH nodes test a
// single event; AND/OR nodes combine children. A node's Value persists
// across multiple Handle calls once true -- it is only cleared by Reset,
// which runs after the job consumes a full match.
type Node struct {
	Kind     NodeKind
	Children []*Node

	// MATCH-only fields.
	EventName string
	Args      []ArgMatcher

	Value        bool
	MatchedEvent *Event
	bindings     []string
}

// Match builds a leaf MATCH node.
func Match(eventName string, args ...ArgMatcher) *Node {
	return &Node{Kind: NodeMatch, EventName: eventName, Args: args}
}

// And builds an AND node over the given children.
func And(children ...*Node) *Node {
	return &Node{Kind: NodeAnd, Children: children}
}

// Or builds an OR node over the given children.
func Or(children ...*Node) *Node {
	return &Node{Kind: NodeOr, Children: children}
}

// Handle feeds one event into the tree, updating node Value state along the
// way, and returns the root's resulting value. referenceEnv is the job's
// current environment for stop_on matching, or nil for start_on matching;
// see ArgMatcher for how EnvRef matchers use it.
func Handle(n *Node, e *Event, referenceEnv []string) bool {
	if n == nil {
		return false
	}
	switch n.Kind {
	case NodeMatch:
		if n.Value {
			return true
		}
		if matches(n, e, referenceEnv) {
			n.Value = true
			n.MatchedEvent = e
			n.bindings = bindings(n, e)
		}
		return n.Value
	case NodeAnd:
		all := true
		for _, c := range n.Children {
			if !Handle(c, e, referenceEnv) {
				all = false
			}
		}
		n.Value = all
		return n.Value
	case NodeOr:
		any := false
		for _, c := range n.Children {
			if Handle(c, e, referenceEnv) {
				any = true
			}
		}
		n.Value = any
		return n.Value
	default:
		return false
	}
}

func matches(n *Node, e *Event, referenceEnv []string) bool {
	if ok, _ := path.Match(n.EventName, e.Name); !ok {
		return false
	}
	values := EnvValues(e.Env)
	if len(n.Args) > len(values) {
		return false
	}
	for i, arg := range n.Args {
		v := values[i]
		if arg.Literal != "" && v != arg.Literal {
			return false
		}
		if arg.EnvRef != "" && referenceEnv != nil {
			ref, ok := EnvValue(referenceEnv, arg.EnvRef)
			if !ok || v != ref {
				return false
			}
		}
	}
	return true
}

func bindings(n *Node, e *Event) []string {
	values := EnvValues(e.Env)
	out := make([]string, 0, len(n.Args))
	for i, arg := range n.Args {
		if i >= len(values) {
			break
		}
		name := arg.EnvRef
		if name == "" {
			continue
		}
		out = append(out, name+"="+values[i])
	}
	return out
}

// Reset clears Value/MatchedEvent/bindings across the whole subtree. Call
// once the job has consumed a completed match and is ready to wait for the
// next one.
func Reset(n *Node) {
	if n == nil {
		return
	}
	n.Value = false
	n.MatchedEvent = nil
	n.bindings = nil
	for _, c := range n.Children {
		Reset(c)
	}
}

// Environment appends the env bindings captured by every matched leaf in
// the subtree to *env, and, if extraName is non-empty, appends a
// space-joined list of matched event names under that variable name (the
// convention used for e.g. UPSTART_EVENTS).
func Environment(n *Node, env *[]string, extraName string) {
	var names []string
	collectEnvironment(n, env, &names)
	if extraName != "" && len(names) > 0 {
		joined := names[0]
		for _, name := range names[1:] {
			joined += " " + name
		}
		*env = append(*env, extraName+"="+joined)
	}
}

func collectEnvironment(n *Node, env *[]string, names *[]string) {
	if n == nil || !n.Value {
		return
	}
	switch n.Kind {
	case NodeMatch:
		*env = append(*env, n.bindings...)
		if n.MatchedEvent != nil {
			*names = append(*names, n.MatchedEvent.Name)
		}
	case NodeAnd, NodeOr:
		for _, c := range n.Children {
			collectEnvironment(c, env, names)
		}
	}
}

// CollectEvents walks the matched subtree, attaching a BlockedEvent record
// (and incrementing that event's blocker count) for every matched leaf, and
// appends the records to *blocking. Used when a job starts or stops to make
// sure its triggering events stay alive for the duration of the transition.
func CollectEvents(n *Node, blocking *[]*Blocked) {
	if n == nil || !n.Value {
		return
	}
	switch n.Kind {
	case NodeMatch:
		if n.MatchedEvent != nil {
			n.MatchedEvent.Block()
			*blocking = append(*blocking, &Blocked{Kind: BlockedEvent, Event: n.MatchedEvent})
		}
	case NodeAnd, NodeOr:
		for _, c := range n.Children {
			CollectEvents(c, blocking)
		}
	}
}

// Clone deep-copies a tree, as job instances must each hold their own copy
// of a class's stop_on tree (start_on trees live on the class, so their
// match state is shared by all of its instances, but stop_on state is per
// instance).
func Clone(n *Node) *Node {
	if n == nil {
		return nil
	}
	clone := &Node{
		Kind:      n.Kind,
		EventName: n.EventName,
		Args:      append([]ArgMatcher(nil), n.Args...),
	}
	for _, c := range n.Children {
		clone.Children = append(clone.Children, Clone(c))
	}
	return clone
}
