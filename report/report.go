package report

import (
	"context"

	"aegis/antitheft"
	"aegis/api"
	"aegis/logger"
)

// Upstream is the backend delivery side of scan reporting.
type Upstream interface {
	SubmitScanReport(ctx context.Context, report api.ScanReport) error
}

// Reporter fans one event out to the local journal, the optional OTLP
// exporter, and the backend. It is the scan pipeline's report sink and the
// command dispatcher's error sink.
type Reporter struct {
	upstream Upstream
	journal  *Journal
	otel     *otelEmitter
}

// New builds a Reporter. upstream and journal may each be nil; a failing
// OTLP setup disables export with a warning rather than failing the agent.
func New(upstream Upstream, journal *Journal, otelOpts OtelOptions) *Reporter {
	emitter, err := newOtelEmitter(otelOpts)
	if err != nil {
		logger.Warnf("OTEL export disabled: %v", err)
		emitter = nil
	}
	return &Reporter{upstream: upstream, journal: journal, otel: emitter}
}

// SubmitScanReport journals the report and forwards it to the backend. The
// journal write always happens, so a backend outage never loses the record.
func (r *Reporter) SubmitScanReport(ctx context.Context, rep api.ScanReport) error {
	r.Record("scan_report", rep)
	if r.upstream == nil {
		return nil
	}
	return r.upstream.SubmitScanReport(ctx, rep)
}

// CommandFailed records a swallowed command-handler failure so silent
// degradation of remote commands still leaves an observable trace.
func (r *Reporter) CommandFailed(commandID string, commandType antitheft.CommandType, err error) {
	r.Record("command_error", map[string]interface{}{
		"command_id":   commandID,
		"command_type": string(commandType),
		"error":        err.Error(),
	})
}

// Record writes one typed event to the journal and the OTLP exporter.
func (r *Reporter) Record(recordType string, payload interface{}) {
	if r.journal != nil {
		r.journal.Write(recordType, payload)
	}
	r.otel.Emit(recordType, payload)
}

func (r *Reporter) Close() {
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			logger.Warnf("Failed to close report journal: %v", err)
		}
	}
	r.otel.Shutdown()
}
