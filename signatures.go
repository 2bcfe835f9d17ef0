package edgeward

import "regexp"

// AttackCategory classifies a blocked payload.
type AttackCategory string

const (
	CategorySQLInjection     AttackCategory = "sql_injection"
	CategoryXSS              AttackCategory = "xss"
	CategoryPathTraversal    AttackCategory = "path_traversal"
	CategoryCommandInjection AttackCategory = "command_injection"
	CategoryLDAPInjection    AttackCategory = "ldap_injection"
	CategoryNoSQLInjection   AttackCategory = "nosql_injection"
	CategoryForbiddenFile    AttackCategory = "forbidden_file"
	CategoryOversizePayload  AttackCategory = "oversize_payload"
)

// Signature is one attack category with the pattern set scanned against every
// decoded key and value of a request.
type Signature struct {
	Category AttackCategory
	patterns []*regexp.Regexp
}

func (s Signature) Match(value string) bool {
	for _, p := range s.patterns {
		if p.MatchString(value) {
			return true
		}
	}
	return false
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(e))
	}
	return out
}

// defaultSignatures returns the built-in pattern sets. Patterns run against
// URL- and HTML-entity-decoded strings, so they match the plain form of each
// payload.
func defaultSignatures() []Signature {
	return []Signature{
		{
			Category: CategorySQLInjection,
			patterns: compileAll(
				`(?i)'\s*(or|and)\s*'[^']*'\s*=\s*'`,
				`(?i)"\s*(or|and)\s*"[^"]*"\s*=\s*"`,
				`(?i)\b(or|and)\s+\d+\s*=\s*\d+`,
				`(?i)\bunion\s+(all\s+)?select\b`,
				`(?i)\bselect\b[\s\S]{0,40}\bfrom\b`,
				`(?i)\b(insert\s+into|drop\s+table|truncate\s+table|delete\s+from|update\s+\w+\s+set)\b`,
				`(?i);\s*(drop|alter|shutdown)\b`,
				`(?i)\bexec(ute)?\s+(xp_|sp_)\w+`,
				`(?i)\bwaitfor\s+delay\b`,
				`--[^\r\n]*$`,
				`/\*![\s\S]*?\*/`,
			),
		},
		{
			Category: CategoryXSS,
			patterns: compileAll(
				`(?i)<\s*script[^>]*>`,
				`(?i)<\s*/\s*script\s*>`,
				`(?i)\bjavascript\s*:`,
				`(?i)\bon(error|load|click|mouseover|focus|submit)\s*=`,
				`(?i)<\s*(iframe|object|embed|svg)\b`,
				`(?i)document\s*\.\s*(cookie|write|location)`,
				`(?i)window\s*\.\s*location`,
				`(?i)\beval\s*\(`,
				`(?i)<\s*img[^>]*\bsrc\s*=`,
			),
		},
		{
			Category: CategoryPathTraversal,
			patterns: compileAll(
				`\.\./`,
				`\.\.\\`,
				`(?i)%2e%2e(%2f|%5c|/|\\)`,
				`(?i)\.\.%c0%af`,
				`(?i)(/etc/(passwd|shadow|hosts)|/proc/self/)`,
				`(?i)\\(windows|winnt)\\`,
				`(?i)\b(boot|win)\.ini\b`,
			),
		},
		{
			Category: CategoryCommandInjection,
			patterns: compileAll(
				`(?i)[;&|]\s*(cat|ls|rm|cp|mv|wget|curl|nc|ncat|bash|sh|zsh|powershell|cmd)\b`,
				`(?i)\|\s*(id|whoami|uname|ifconfig|ipconfig)\b`,
				"`[^`]+`",
				`\$\([^)]*\)`,
				`(?i)\bping\s+-[ci]\s+\d+`,
				`(?i)/bin/(ba)?sh\b`,
				`%0[ad][;&|]`,
			),
		},
		{
			Category: CategoryLDAPInjection,
			patterns: compileAll(
				`\(\s*[|&!]\s*\(`,
				`\*\s*\)\s*\(`,
				`(?i)\(\s*\w+\s*=\s*\*\s*\)`,
				`(?i)\(\s*(cn|uid|objectclass)\s*=[^)]*\)\s*\(`,
			),
		},
		{
			Category: CategoryNoSQLInjection,
			patterns: compileAll(
				`(?i)\$(where|ne|gt|lt|gte|lte|regex|in|nin|or|and|not|exists)\b`,
				`(?i)\{\s*"\$`,
				`(?i)\bsleep\s*\(\s*\d+\s*\)`,
				`(?i)\bthis\s*\.\s*\w+\s*==`,
				`(?i)mapreduce|\$function`,
			),
		},
	}
}

// defaultBlockedExtensions lists attachment extensions refused outside
// opted-out upload routes.
func defaultBlockedExtensions() []string {
	return []string{
		".exe", ".dll", ".so", ".bat", ".cmd", ".sh", ".ps1",
		".php", ".jsp", ".asp", ".aspx", ".cgi", ".pl", ".py",
		".jar", ".war", ".msi", ".scr", ".vbs", ".hta",
	}
}
