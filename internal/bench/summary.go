package bench

import (
	"fmt"
	"strings"

	"github.com/sheerbytes/speedflux/internal/speedtest"
	"github.com/sheerbytes/speedflux/internal/transport"
)

// SummaryLine renders the one-line result of a run.
func SummaryLine(endpoint string, res speedtest.Result, rep Report) string {
	if !res.Status.OK() {
		return fmt.Sprintf("BENCH %s: status=%s endpoint=%s",
			strings.ToUpper(string(res.Direction)),
			res.Status,
			endpoint,
		)
	}
	return fmt.Sprintf("BENCH %s: avg=%s sampled=%s bytes=%s dur=%.1fs workers=%d requests=%d failed=%d stop=%s endpoint=%s",
		strings.ToUpper(string(res.Direction)),
		transport.FormatMbps(res.Megabits()),
		transport.FormatMbps(rep.SpeedMbps),
		transport.FormatBytes(res.Bytes),
		res.Elapsed().Seconds(),
		res.Workers,
		res.RequestsEnded,
		res.RequestsFailed,
		rep.Reason,
		endpoint,
	)
}
