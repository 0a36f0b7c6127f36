// Package workflow runs a scripted sequence of browser actions against a
// live browsersession.BrowserSession, grounded on domwatch.Watcher's
// sequential action-against-a-handle structure.
package workflow

// ActionType names one step kind (spec §4.9, supplemented from
// workflow_use/schema/views.py's deterministic step union).
type ActionType string

const (
	ActionNavigate ActionType = "navigate"
	ActionClick    ActionType = "click"
	ActionInput    ActionType = "input"
	ActionWait     ActionType = "wait"
	ActionSelect   ActionType = "select"
	ActionExtract  ActionType = "extract"
)

// Action is one step of a workflow run. Only the fields relevant to Type
// are read; the rest are zero.
type Action struct {
	Type ActionType

	// navigate
	URL string

	// click, input, select, extract
	Selector string

	// input, select
	Value string

	// wait: either a fixed duration...
	WaitMs int
	// ...or a selector to wait for (mutually exclusive with WaitMs).
	WaitForSelector string

	// extract
	Output string // context key the extracted text is stored under

	Description string
}
