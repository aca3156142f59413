package reqguard

import "strings"

// AutomationResult lists every automation framework whose signature matched.
type AutomationResult struct {
	Automated bool
	Tools     []string
}

// MatchBotUserAgent reports whether ua is empty or looks like a crawler,
// scripting client or scanner.
func (c *Catalog) MatchBotUserAgent(ua string) bool {
	if strings.TrimSpace(ua) == "" {
		return true
	}
	for _, re := range c.bots {
		if re.MatchString(ua) {
			return true
		}
	}
	return false
}

// MatchAutomationTool tests every automation signature independently.
func (c *Catalog) MatchAutomationTool(ua string) AutomationResult {
	var res AutomationResult
	if ua == "" {
		return res
	}
	for _, t := range c.tools {
		if t.re.MatchString(ua) {
			res.Tools = append(res.Tools, t.name)
		}
	}
	res.Automated = len(res.Tools) > 0
	return res
}

// MatchBotUserAgent uses the built-in catalog.
func MatchBotUserAgent(ua string) bool {
	return DefaultCatalog().MatchBotUserAgent(ua)
}

// MatchAutomationTool uses the built-in catalog.
func MatchAutomationTool(ua string) AutomationResult {
	return DefaultCatalog().MatchAutomationTool(ua)
}
