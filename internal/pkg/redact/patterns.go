package redact

import "strings"

// DefaultPatterns returns the built-in pattern table. Specific credential formats come
// before the generic assignment and PII rules.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:        "pem_private_key",
			Expr:        `-----BEGIN (?:[A-Z0-9]+ )*PRIVATE KEY(?: BLOCK)?-----[\s\S]*?-----END (?:[A-Z0-9]+ )*PRIVATE KEY(?: BLOCK)?-----`,
			Replacement: "[REDACTED PRIVATE KEY]",
			Category:    CategoryPrivateKey,
		},
		{
			// Truncated output may cut a key block before its footer.
			Name:        "pem_private_key_partial",
			Expr:        `-----BEGIN (?:[A-Z0-9]+ )*PRIVATE KEY(?: BLOCK)?-----[A-Za-z0-9+/=:,\-\s]*`,
			Replacement: "[REDACTED PRIVATE KEY]",
			Category:    CategoryPrivateKey,
		},
		{
			Name:        "aws_access_key_id",
			Expr:        `\b(?:AKIA|ASIA|AGPA|AIDA|AROA|ANPA|ANVA|AIPA)[0-9A-Z]{16}\b`,
			Replacement: "[REDACTED:aws-access-key]",
			Category:    CategoryCloud,
		},
		{
			Name:        "aws_secret_access_key",
			Expr:        `(?i)(aws_secret_access_key|aws_secret_key|secret_access_key)(["']?\s*[:=]\s*)["']?[A-Za-z0-9/+=]{40}["']?`,
			Replacement: "${1}${2}[REDACTED]",
			Category:    CategoryCloud,
		},
		{
			Name:        "gcp_api_key",
			Expr:        `\bAIza[0-9A-Za-z_\-]{35}\b`,
			Replacement: "[REDACTED:gcp-api-key]",
			Category:    CategoryCloud,
		},
		{
			Name:        "gcp_private_key_id",
			Expr:        `("private_key_id"\s*:\s*)"[0-9a-f]{40}"`,
			Replacement: `${1}"[REDACTED]"`,
			Category:    CategoryCloud,
		},
		{
			Name:        "azure_storage_key",
			Expr:        `(?i)(AccountKey=)[A-Za-z0-9+/=]{40,}`,
			Replacement: "${1}[REDACTED]",
			Category:    CategoryCloud,
		},
		{
			Name:        "jwt",
			Expr:        `\beyJ[A-Za-z0-9_-]{5,}\.eyJ[A-Za-z0-9_-]{5,}\.[A-Za-z0-9_-]*`,
			Replacement: "[REDACTED:jwt]",
			Category:    CategoryToken,
		},
		{
			Name:        "bearer_token",
			Expr:        `(?i)\b(bearer)\s+[A-Za-z0-9\-._~+/]{8,}=*`,
			Replacement: "${1} [REDACTED]",
			Category:    CategoryToken,
		},
		{
			Name:        "basic_auth_header",
			Expr:        `(?i)\b(authorization:\s*basic)\s+[A-Za-z0-9+/]{8,}=*`,
			Replacement: "${1} [REDACTED]",
			Category:    CategoryToken,
		},
		{
			Name:        "github_token",
			Expr:        `\b(?:gh[pousr]_[A-Za-z0-9]{36,255}|github_pat_[A-Za-z0-9_]{22,255})\b`,
			Replacement: "[REDACTED:github-token]",
			Category:    CategoryToken,
		},
		{
			Name:        "gitlab_token",
			Expr:        `\bglpat-[A-Za-z0-9_\-]{20,}`,
			Replacement: "[REDACTED:gitlab-token]",
			Category:    CategoryToken,
		},
		{
			Name:        "slack_token",
			Expr:        `\bxox[abposr]-[A-Za-z0-9-]{10,}`,
			Replacement: "[REDACTED:slack-token]",
			Category:    CategoryToken,
		},
		{
			Name:        "stripe_key",
			Expr:        `\b(?:sk|rk|pk)_(?:live|test)_[A-Za-z0-9]{16,}\b`,
			Replacement: "[REDACTED:stripe-key]",
			Category:    CategoryToken,
		},
		{
			Name:        "npm_token",
			Expr:        `\bnpm_[A-Za-z0-9]{36}\b`,
			Replacement: "[REDACTED:npm-token]",
			Category:    CategoryToken,
		},
		{
			Name:        "slack_webhook",
			Expr:        `https://hooks\.slack\.com/(?:services|workflows|triggers)/[A-Za-z0-9/_\-]+`,
			Replacement: "[REDACTED:webhook-url]",
			Category:    CategoryWebhook,
		},
		{
			Name:        "discord_webhook",
			Expr:        `https://(?:ptb\.|canary\.)?discord(?:app)?\.com/api/webhooks/[0-9]+/[A-Za-z0-9_\-]+`,
			Replacement: "[REDACTED:webhook-url]",
			Category:    CategoryWebhook,
		},
		{
			Name:        "teams_webhook",
			Expr:        `https://[A-Za-z0-9.\-]+\.(?:webhook\.office\.com|logic\.azure\.com)/[^\s"'<>]+`,
			Replacement: "[REDACTED:webhook-url]",
			Category:    CategoryWebhook,
		},
		{
			Name:        "database_url",
			Expr:        `(?i)\b((?:postgres(?:ql)?|mysql|mariadb|mongodb(?:\+srv)?|rediss?|amqps?|mssql|sqlserver|clickhouse)://[^:/\s@]+:)[^@\s]+@`,
			Replacement: "${1}[REDACTED]@",
			Category:    CategoryDatabase,
		},
		{
			Name:        "docker_auth",
			Expr:        `("auth"\s*:\s*)"[A-Za-z0-9+/=]{8,}"`,
			Replacement: `${1}"[REDACTED]"`,
			Category:    CategoryRegistry,
		},
		{
			Name:        "generic_assignment",
			Expr:        `(?i)([A-Za-z0-9_.\-]*(?:password|passwd|pwd|secret|token|api[_-]?key|access[_-]?key|private[_-]?key|credentials?))(["']?\s*[:=]\s*)("[^"\n]*"|'[^'\n]*'|[^\s"',;]+)`,
			Replacement: "${1}${2}[REDACTED]",
			Category:    CategoryGeneric,
		},
		{
			Name:        "card_number",
			Expr:        `\b(?:\d[ \-]?){12,18}\d\b`,
			Replacement: "[REDACTED:card]",
			Category:    CategoryPII,
			Validate:    luhnValid,
		},
		{
			Name:        "us_ssn",
			Expr:        `\b\d{3}-\d{2}-\d{4}\b`,
			Replacement: "[REDACTED:ssn]",
			Category:    CategoryPII,
			Validate:    ssnValid,
		},
		{
			Name:        "email",
			Expr:        `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`,
			Replacement: "[REDACTED:email]",
			Category:    CategoryPII,
		},
	}
}

func luhnValid(match string) bool {
	digits := make([]int, 0, len(match))
	for _, r := range match {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

func ssnValid(match string) bool {
	parts := strings.Split(match, "-")
	if len(parts) != 3 {
		return false
	}
	area, group, serial := parts[0], parts[1], parts[2]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}
