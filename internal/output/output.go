// Package output provides styled terminal output helpers (success, error,
// warning, cache state and action plan formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/marcus/cacheagent/internal/models"
)

var (
	// Styles
	titleStyle    = lipgloss.NewStyle().Bold(true)
	subtleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	priorityStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	cacheStyles   = map[models.CacheStatus]lipgloss.Style{
		models.CacheNotCached: lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		models.CacheStarted:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.CacheCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.CacheFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	freshnessStyles = map[string]lipgloss.Style{
		"fresh":    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		"dirty":    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"obsolete": lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotConfigured  = "not_configured"
	ErrCodeSyncBlocked    = "sync_blocked"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeNoSlot         = "no_transfer_slot"
	ErrCodeInsufficient   = "insufficient_space"
	ErrCodeInvalidInput   = "invalid_input"
	ErrCodeDatabaseError  = "database_error"
	ErrCodeInternalError  = "internal_error"
	ErrCodeProductMissing = "product_not_available"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	JSONErrorWithDetails(code, message, nil)
}

// JSONErrorWithDetails outputs an error as JSON with additional context
func JSONErrorWithDetails(code, message string, details map[string]any) {
	errObj := map[string]any{
		"code":    code,
		"message": message,
	}
	if len(details) > 0 {
		errObj["details"] = details
	}
	data, _ := json.MarshalIndent(map[string]any{"error": errObj}, "", "  ")
	fmt.Println(string(data))
}

// FormatCacheStatus formats a product cache status with color
func FormatCacheStatus(s models.CacheStatus) string {
	style, ok := cacheStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatFreshness formats the config cache freshness with color
func FormatFreshness(state string) string {
	style, ok := freshnessStyles[state]
	if !ok {
		return state
	}
	return style.Render(state)
}

// FormatPriority formats a product priority, omitting zero
func FormatPriority(p int) string {
	if p == 0 {
		return ""
	}
	return priorityStyle.Render(fmt.Sprintf("[%+d]", p))
}

// FormatBytes formats a byte count for humans
func FormatBytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// FormatTimePtr formats an optional timestamp as "ago" text or "never"
func FormatTimePtr(t *time.Time) string {
	if t == nil || t.IsZero() {
		return subtleStyle.Render("never")
	}
	return FormatTimeAgo(*t)
}

// FormatCacheEntry formats one product cache entry in short format
func FormatCacheEntry(productID string, e *models.CacheEntry) string {
	parts := []string{titleStyle.Render(productID), FormatCacheStatus(e.Status())}
	if e != nil && e.ProductVersion != "" {
		parts = append(parts, subtleStyle.Render(e.ProductVersion+"-"+e.PackageVersion))
	}
	if e != nil && e.Completed != nil {
		parts = append(parts, subtleStyle.Render(FormatTimeAgo(*e.Completed)))
	}
	if e != nil && e.Failure != "" {
		parts = append(parts, errorStyle.Render(e.Failure))
	}
	return strings.Join(parts, "  ")
}

// FormatModification formats one modification log record
func FormatModification(r models.ModificationRecord) string {
	return fmt.Sprintf("%s  %-7s %s %s",
		subtleStyle.Render(fmt.Sprintf("#%d", r.ID)), r.Command, r.ObjectClass, titleStyle.Render(r.Ident))
}

// FormatAction formats one planned product action
func FormatAction(productID string, action models.ActionRequest, sequence, priority int) string {
	seq := subtleStyle.Render(" -")
	if sequence >= 0 {
		seq = fmt.Sprintf("%2d", sequence)
	}
	line := fmt.Sprintf("%s  %s  %s", seq, titleStyle.Render(productID), action)
	if p := FormatPriority(priority); p != "" {
		line += "  " + p
	}
	return line
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nCONFIG CACHE:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}
