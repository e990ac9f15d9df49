package transport

import "fmt"

const (
	kib = 1024
	mib = 1024 * kib
	gib = 1024 * mib
)

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	switch {
	case n <= 0:
		return "0B"
	case n >= gib:
		return fmt.Sprintf("%.2fGiB", float64(n)/gib)
	case n >= mib:
		return fmt.Sprintf("%.2fMiB", float64(n)/mib)
	case n >= kib:
		return fmt.Sprintf("%.2fKiB", float64(n)/kib)
	}
	return fmt.Sprintf("%dB", n)
}

// FormatMbps renders a megabit-per-second rate.
func FormatMbps(mbps float64) string {
	if mbps <= 0 {
		return "0.00Mbps"
	}
	if mbps >= 1000 {
		return fmt.Sprintf("%.2fGbps", mbps/1000)
	}
	return fmt.Sprintf("%.2fMbps", mbps)
}

// formatWindow prints tuning sizes as whole MiB when they are exact.
func formatWindow(n int) string {
	if n < 0 {
		return "unknown"
	}
	if n > 0 && n%mib == 0 {
		return fmt.Sprintf("%dMiB", n/mib)
	}
	return fmt.Sprintf("%dB", n)
}
