package batch

import "strings"

const maxLabelLength = 63

// SanitizeLabel makes v a valid GCP label value.
func SanitizeLabel(v string) string {
	v = strings.ToLower(v)
	var b strings.Builder
	b.Grow(len(v))
	for _, r := range v {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-_")
	if out == "" {
		out = "unknown"
	}
	if out[0] < 'a' || out[0] > 'z' {
		out = "x" + out
	}
	if len(out) > maxLabelLength {
		out = out[:maxLabelLength]
	}
	return out
}

func jobLabels(req JobRequest) map[string]string {
	labels := map[string]string{
		"run-id":   SanitizeLabel(req.RunID),
		"app":      "arc-reactor",
		"pipeline": SanitizeLabel(req.Pipeline),
	}
	if strings.TrimSpace(req.UserEmail) != "" {
		labels["user-email"] = SanitizeLabel(req.UserEmail)
	}
	return labels
}
