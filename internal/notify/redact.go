package notify

import "regexp"

type redaction struct {
	re   *regexp.Regexp
	repl string
}

// Order matters: the Anthropic rule must run before the generic sk- rule.
var redactions = []redaction{
	{regexp.MustCompile(`sk-ant-api\S+`), "[REDACTED:ANTHROPIC_KEY]"},
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "[REDACTED:API_KEY]"},
	{regexp.MustCompile(`key-[a-zA-Z0-9]{20,}`), "[REDACTED:API_KEY]"},
	{regexp.MustCompile(`gh[po]_[a-zA-Z0-9]{36}`), "[REDACTED:GITHUB_TOKEN]"},
	{regexp.MustCompile(`npm_[a-zA-Z0-9]{36}`), "[REDACTED:NPM_TOKEN]"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "[REDACTED:AWS_KEY]"},
	{regexp.MustCompile(`xox[bpoas]-[a-zA-Z0-9\-]+`), "[REDACTED:SLACK_TOKEN]"},
	{regexp.MustCompile(`-----BEGIN [A-Z ]+KEY-----`), "[REDACTED:PRIVATE_KEY]"},
	{regexp.MustCompile(`(?i)(password|secret|token|api_key)\s*=\s*\S+`), "${1}=[REDACTED]"},
	{regexp.MustCompile(`Bearer\s+[a-zA-Z0-9\-._~+/]+=*`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?m)^[A-Z_]+=(?:sk-|key-|ghp_|gho_|npm_)\S+$`), "[REDACTED:ENV_LINE]"},
}

// Redact replaces credentials and key material with fixed placeholders.
func Redact(text string) string {
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}
