package secpipeline

import "github.com/marcus-qen/decisiongate/internal/dgerr"

// ToolAllowList implements pipeline step 5. An empty or nil configured
// list means no restriction (every tool is allowed); a non-empty list
// restricts dispatch to exactly the named tools — an unrecognized tool
// name in the configured list does not grant it membership, it is
// simply never matched, which is the fail-closed behavior by
// construction.
type ToolAllowList struct {
	allowed map[string]bool
}

func NewToolAllowList(tools []string) *ToolAllowList {
	if len(tools) == 0 {
		return &ToolAllowList{}
	}
	allowed := make(map[string]bool, len(tools))
	for _, t := range tools {
		allowed[t] = true
	}
	return &ToolAllowList{allowed: allowed}
}

func (a *ToolAllowList) Check(method string) error {
	if a.allowed == nil {
		return nil
	}
	if !a.allowed[method] {
		return dgerr.NewUnknownTool("tool " + method + " is not in the configured allow-list")
	}
	return nil
}
