// Package scenario models the directed graph walked by the interpreter
// (§3, §4.B). Node parameters are modeled as sum types, one typed variant
// per action/condition/loop kind, rather than an untyped bag, so each
// node carries only the fields its kind actually uses (§9).
package scenario

import "time"

// NodeType is the kind of a scenario graph node.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeAction    NodeType = "action"
	NodeCondition NodeType = "condition"
	NodeLoop      NodeType = "loop"
	NodeEnd       NodeType = "end"
)

// Branch labels a connection's role out of a condition or loop node.
type Branch string

const (
	BranchNone Branch = ""
	BranchYes  Branch = "yes"
	BranchNo   Branch = "no"
	BranchLoop Branch = "loop"
	BranchExit Branch = "exit"
)

// Strategy is the element-location strategy used by selector-based actions.
type Strategy string

const (
	StrategyID              Strategy = "id"
	StrategyXPath           Strategy = "xpath"
	StrategyAccessibilityID Strategy = "accessibility id"
	StrategyText            Strategy = "text"
)

// ActionKind enumerates the action vocabulary from §4.B.
type ActionKind string

const (
	ActionTap                ActionKind = "tap"
	ActionTapElement         ActionKind = "tapElement"
	ActionLongPress          ActionKind = "longPress"
	ActionSwipe              ActionKind = "swipe"
	ActionDoubleTap          ActionKind = "doubleTap"
	ActionWait               ActionKind = "wait"
	ActionWaitUntilExists    ActionKind = "waitUntilExists"
	ActionWaitUntilGone      ActionKind = "waitUntilGone"
	ActionWaitUntilText      ActionKind = "waitUntilTextExists"
	ActionWaitUntilTextGone  ActionKind = "waitUntilTextGone"
	ActionWaitUntilImage     ActionKind = "waitUntilImage"
	ActionWaitUntilImageGone ActionKind = "waitUntilImageGone"
	ActionLaunchApp          ActionKind = "launchApp"
	ActionTerminateApp       ActionKind = "terminateApp"
	ActionRestartApp         ActionKind = "restartApp"
	ActionClearData          ActionKind = "clearData"
	ActionClearCache         ActionKind = "clearCache"
	ActionBack               ActionKind = "back"
	ActionHome               ActionKind = "home"
	ActionInputText          ActionKind = "inputText"
	ActionClearText          ActionKind = "clearText"
	ActionPressKey           ActionKind = "pressKey"
	ActionTapImage           ActionKind = "tapImage"
)

// DefaultActionTimeout is the ambient timeout applied when an action node
// does not specify one (§4.B).
const DefaultActionTimeout = 30 * time.Second

// DefaultWaitInterval is the ambient poll tick for wait-style actions.
const DefaultWaitInterval = 1 * time.Second

// ActionParams carries the statically-typed parameters for one action node.
// Only the fields relevant to Kind are populated; zero values fall back to
// the documented defaults.
type ActionParams struct {
	Kind ActionKind

	// Touch coordinates / gesture geometry.
	X, Y   int
	X2, Y2 int

	// Selector-based targeting.
	Selector string
	Strategy Strategy

	// Durations.
	Duration time.Duration // press/swipe duration, or wait(ms) sleep length
	Timeout  time.Duration
	Interval time.Duration

	// App lifecycle.
	Package string

	// Text/key input.
	Text    string
	Keycode int

	// Image matching.
	TemplateID string

	ContinueOnError bool
}

// EffectiveTimeout returns the action's configured timeout, or the ambient
// default when unset.
func (p ActionParams) EffectiveTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultActionTimeout
}

// EffectiveInterval returns the action's polling interval, or the ambient
// default when unset.
func (p ActionParams) EffectiveInterval() time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return DefaultWaitInterval
}

// ConditionKind enumerates the predicates a condition node can evaluate.
type ConditionKind string

const (
	ConditionExists      ConditionKind = "exists"
	ConditionNotExists   ConditionKind = "notExists"
	ConditionTextExists  ConditionKind = "textExists"
	ConditionTextGone    ConditionKind = "textGone"
	ConditionImageExists ConditionKind = "imageExists"
)

// ConditionParams carries the statically-typed parameters for a condition node.
type ConditionParams struct {
	Kind       ConditionKind
	Selector   string
	Strategy   Strategy
	Text       string
	TemplateID string
	Timeout    time.Duration
}

// LoopKind enumerates the loop forms from §4.B.
type LoopKind string

const (
	LoopCount          LoopKind = "count"
	LoopWhileExists    LoopKind = "whileExists"
	LoopWhileNotExists LoopKind = "whileNotExists"
)

// LoopParams carries the statically-typed parameters for a loop node.
type LoopParams struct {
	Kind     LoopKind
	Count    int
	Selector string
	Strategy Strategy
}

// Node is one vertex of a scenario graph. At most one of Action, Condition,
// Loop is populated, selected by Type; start and end nodes carry none.
type Node struct {
	ID    string
	Type  NodeType
	Label string

	Action    *ActionParams
	Condition *ConditionParams
	Loop      *LoopParams
}

// Connection is a directed edge between two nodes, optionally labeled with
// the branch it represents out of a condition/loop node.
type Connection struct {
	From   string
	To     string
	Branch Branch
}

// Scenario is the directed graph walked by the interpreter (§3).
type Scenario struct {
	ID          string
	Name        string
	PackageID   string
	Nodes       []Node
	Connections []Connection
}

// NodeByID returns the node with the given id, or false if absent.
func (s Scenario) NodeByID(id string) (Node, bool) {
	for _, n := range s.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// StartNode returns the scenario's unique start node.
func (s Scenario) StartNode() (Node, bool) {
	for _, n := range s.Nodes {
		if n.Type == NodeStart {
			return n, true
		}
	}
	return Node{}, false
}

// OutgoingFrom returns every connection leaving the given node id.
func (s Scenario) OutgoingFrom(id string) []Connection {
	var out []Connection
	for _, c := range s.Connections {
		if c.From == id {
			out = append(out, c)
		}
	}
	return out
}

// NextByBranch returns the id of the successor reached via the given branch,
// or false if no such connection exists. Pass BranchNone for unconditional
// single-successor nodes (start/action).
func (s Scenario) NextByBranch(id string, branch Branch) (string, bool) {
	for _, c := range s.OutgoingFrom(id) {
		if c.Branch == branch {
			return c.To, true
		}
	}
	return "", false
}
