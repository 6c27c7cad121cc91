package runner

import (
	"regexp"

	"github.com/surpriselab/surprisebot/internal/config"
)

// Reply patterns that claim tool usage. Any match with zero started tools
// triggers the claimed-tool-usage retry rule.
var claimedToolUsagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\btool (call|result)s?\b`),
	regexp.MustCompile(`(?i)\bstill waiting\b`),
	regexp.MustCompile(`(?i)\bI (ran|executed|invoked)\b`),
}

// Inbound commands that look like filesystem or command queries; these
// require an actual tool run when requireToolForQueries is set.
var toolQueryPattern = regexp.MustCompile(
	`(?i)^\s*(ls|cat|head|tail|grep|find|pwd|df|du|ps|uptime|wc)\b|` +
		`(?i)\b(list|show|read)\b.*\b(files?|director(y|ies)|folders?)\b`)

// Instructions appended to the prompt on each retry path.
const (
	retryMissingToolResultsNote = "Some tool calls did not report results. Re-run the tools and wait for their results before answering."
	retryClaimedToolUsageNote   = "Do not claim tool usage unless a tool actually ran. Answer directly, or run the tool first."
	retryRequireToolNote        = "This request requires running the appropriate tool. Run it and answer from its output."
)

// User-visible strict-mode failures.
const (
	strictMissingToolResults = "⚠️ Tool results missing — the agent did not finish its tool calls. Retry the command or run it directly with /bash run …"
	strictUnverifiedClaim    = "⚠️ The reply claimed tool usage but no tool ran. Retry the command."
	strictToolRequired       = "⚠️ This query requires a tool run that did not happen. Retry the command or run it directly with /bash run …"
)

// retryDecision is one applicable retry rule.
type retryDecision struct {
	rule string // missing_tool_results | claimed_tool_usage | require_tool
	note string // instruction appended to the retry prompt
}

// evaluateRetryRules returns the retry rules applicable after a first
// successful execution, in rule order. Each rule fires at most once per run.
func evaluateRetryRules(policy config.ToolResultPolicy, command, reply string, meta ToolResultsMeta, applied map[string]bool) []retryDecision {
	var out []retryDecision

	if policy.RetryOnce && !applied["missing_tool_results"] && len(meta.Pending) > 0 {
		out = append(out, retryDecision{rule: "missing_tool_results", note: retryMissingToolResultsNote})
	}
	if policy.WarnOnMissing && !applied["claimed_tool_usage"] && meta.Started == 0 && claimsToolUsage(reply) {
		out = append(out, retryDecision{rule: "claimed_tool_usage", note: retryClaimedToolUsageNote})
	}
	if policy.RequireToolForQuery && !applied["require_tool"] && meta.Started == 0 && toolQueryPattern.MatchString(command) {
		out = append(out, retryDecision{rule: "require_tool", note: retryRequireToolNote})
	}
	return out
}

func claimsToolUsage(reply string) bool {
	for _, re := range claimedToolUsagePatterns {
		if re.MatchString(reply) {
			return true
		}
	}
	return false
}

// strictViolation re-checks the rules after all retries. A non-empty return
// is the user-visible error payload replacing the model output.
func strictViolation(policy config.ToolResultPolicy, command, reply string, meta ToolResultsMeta) string {
	if !policy.Strict {
		return ""
	}
	if len(meta.Pending) > 0 {
		return strictMissingToolResults
	}
	if meta.Started == 0 && claimsToolUsage(reply) {
		return strictUnverifiedClaim
	}
	if policy.RequireToolForQuery && meta.Started == 0 && toolQueryPattern.MatchString(command) {
		return strictToolRequired
	}
	return ""
}
