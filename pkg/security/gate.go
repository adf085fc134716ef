package security

import (
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/conductor/pkg/types"
)

// classifierRule maps an error-text pattern to the failure kind it implies.
// Order matters: the first match wins.
type classifierRule struct {
	kind   types.FailureKind
	regexp *regexp.Regexp
}

var defaultClassifierRules = []classifierRule{
	{types.FailureRateLimited, regexp.MustCompile(`(?i)rate.?limit|too many requests|usage cap|quota exceeded`)},
	{types.FailureNetwork, regexp.MustCompile(`(?i)connection refused|no such host|network is unreachable|timeout while connecting|dial tcp`)},
	{types.FailureResource, regexp.MustCompile(`(?i)no space left on device|out of memory|cannot allocate memory|disk quota exceeded`)},
	{types.FailureProcessCrash, regexp.MustCompile(`(?i)panic:|segmentation fault|core dumped`)},
}

// Classify inspects a subprocess's stderr tail and returns the failure_kind
// it implies. An empty or unrecognized tail classifies as FailureInternal,
// the catch-all the Orchestrator treats as non-retriable by default.
func Classify(stderrTail []byte) types.FailureKind {
	for _, rule := range defaultClassifierRules {
		if rule.regexp.Match(stderrTail) {
			return rule.kind
		}
	}
	return types.FailureInternal
}

// Pattern is a single named detection rule. Kind labels the finding
// (destructive_fs, api_key, ...); Severity is the verdict it forces when
// it matches ("review" or "blocked"); Regexp is compiled from the
// configured expression at Gate construction time.
type Pattern struct {
	Kind     string
	Severity string
	Regexp   *regexp.Regexp
}

// DefaultDestructivePatterns are command-shape checks applied regardless of
// configuration: a command containing one of these is never merely
// "reviewed", it is blocked outright.
func DefaultDestructivePatterns() []Pattern {
	return []Pattern{
		{Kind: "destructive_fs", Severity: "blocked", Regexp: regexp.MustCompile(`\brm\s+-rf\s+/(\s|$)`)},
		{Kind: "destructive_fs", Severity: "blocked", Regexp: regexp.MustCompile(`\bmkfs\.\w+\b`)},
		{Kind: "destructive_disk", Severity: "blocked", Regexp: regexp.MustCompile(`\bdd\s+.*of=/dev/`)},
		{Kind: "fork_bomb", Severity: "blocked", Regexp: regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\};:`)},
	}
}

// DefaultSecretPatterns mask common credential shapes in captured output
// without ever persisting the matched text.
func DefaultSecretPatterns() []Pattern {
	return []Pattern{
		{Kind: "api_key", Severity: "info", Regexp: regexp.MustCompile(`\b(sk|pk)-[A-Za-z0-9]{20,}\b`)},
		{Kind: "aws_key", Severity: "info", Regexp: regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
		{Kind: "private_key", Severity: "review", Regexp: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
		{Kind: "bearer_token", Severity: "info", Regexp: regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9\-._~+/]{20,}\b`)},
	}
}

// Gate is the Security Gate: it classifies a task's command before the
// worker pool ever spawns a subprocess, and it masks agent output before
// any byte of it reaches the store or logs.
//
// A plain regexp scan, not a sandbox or cryptographic enforcement layer -
// SPEC_FULL.md's Non-goals exclude both, so no suitable third-party
// matcher or policy engine from the example pack fit better than the
// standard library's regexp here.
type Gate struct {
	blockPatterns  []Pattern
	reviewPatterns []Pattern
	maskPatterns   []Pattern
}

// NewGate builds a Gate from configured pattern sets. command patterns are
// partitioned by severity; output patterns are always applied for
// masking regardless of severity.
func NewGate(commandPatterns, outputPatterns []Pattern) *Gate {
	g := &Gate{maskPatterns: outputPatterns}
	for _, p := range commandPatterns {
		switch p.Severity {
		case "blocked":
			g.blockPatterns = append(g.blockPatterns, p)
		default:
			g.reviewPatterns = append(g.reviewPatterns, p)
		}
	}
	return g
}

// ScanCommand classifies cmd before it is ever dispatched to a worker. It
// returns the verdict and the findings that produced it (empty on
// VerdictAllowed).
func (g *Gate) ScanCommand(taskID, cmd string) (types.SecurityVerdict, []*types.SecurityFinding) {
	now := time.Now()

	for _, p := range g.blockPatterns {
		if loc := p.Regexp.FindStringIndex(cmd); loc != nil {
			return types.VerdictBlocked, []*types.SecurityFinding{{
				ID: uuid.NewString(), TaskID: taskID, Kind: p.Kind,
				Span: cmd[loc[0]:loc[1]], Severity: "blocked", CreatedAt: now,
			}}
		}
	}

	var findings []*types.SecurityFinding
	for _, p := range g.reviewPatterns {
		if loc := p.Regexp.FindStringIndex(cmd); loc != nil {
			findings = append(findings, &types.SecurityFinding{
				ID: uuid.NewString(), TaskID: taskID, Kind: p.Kind,
				Span: cmd[loc[0]:loc[1]], Severity: "review", CreatedAt: now,
			})
		}
	}
	if len(findings) > 0 {
		return types.VerdictNeedsReview, findings
	}
	return types.VerdictAllowed, nil
}

// MaskOutput replaces every match of the configured output patterns with
// the deterministic token "[REDACTED:<kind>:***<last4>]", keeping the
// match's last four characters for disambiguation between distinct
// secrets of the same kind, and returns the masked text plus one finding
// per distinct match, carrying the masked (never the original) value.
func (g *Gate) MaskOutput(taskID string, output []byte) ([]byte, []*types.SecurityFinding) {
	masked := output
	var findings []*types.SecurityFinding
	now := time.Now()

	for _, p := range g.maskPatterns {
		masked = p.Regexp.ReplaceAllFunc(masked, func(match []byte) []byte {
			token := "[REDACTED:" + p.Kind + ":***" + lastN(match, 4) + "]"
			findings = append(findings, &types.SecurityFinding{
				ID: uuid.NewString(), TaskID: taskID, Kind: p.Kind,
				Severity: p.Severity, MaskedValue: token, CreatedAt: now,
			})
			return []byte(token)
		})
	}
	return masked, findings
}

// lastN returns the last n characters of b, or all of b if it is shorter.
func lastN(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}
