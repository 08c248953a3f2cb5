package worker

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wiregame-server/internal/game"
	"github.com/vovakirdan/wiregame-server/internal/proto"
)

// Reporter writes the worker's report stream, one JSON object per line.
type Reporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewReporter(w io.Writer) *Reporter {
	return &Reporter{enc: json.NewEncoder(w)}
}

func (r *Reporter) write(line proto.ReportLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(line)
}

func (r *Reporter) Started(addr string, slots []game.Slot) error {
	return r.write(proto.ReportLine{Type: proto.ReportStarted, Started: &proto.StartedReport{Addr: addr, Slots: slots}})
}

func (r *Reporter) GameOver(report game.Report) error {
	return r.write(proto.ReportLine{Type: proto.ReportGameOver, GameOver: &report})
}

func (r *Reporter) Aborted(reason string) error {
	return r.write(proto.ReportLine{Type: proto.ReportAborted, Aborted: &proto.AbortedReport{Reason: reason}})
}

// abortRequest is the cancel cause used when the supervisor asks to stop.
type abortRequest struct{ reason string }

func (a abortRequest) Error() string { return a.reason }

// readCommands consumes supervisor commands until stdin closes. An abort line
// or a closed stdin cancels the session; a supersede line is handed to
// supersede.
func readCommands(r io.Reader, cancel func(error), supersede func(slot, minGeneration uint32), log zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var cmd proto.CommandLine
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			log.Warn().Err(err).Msg("malformed command line")
			continue
		}
		switch cmd.Type {
		case proto.CommandAbort:
			cancel(abortRequest{reason: "abort requested"})
			return
		case proto.CommandSupersede:
			supersede(cmd.Slot, cmd.MinGeneration)
			log.Debug().Uint32("slot", cmd.Slot).Uint32("min_generation", cmd.MinGeneration).Msg("credentials superseded")
		default:
			log.Warn().Str("type", cmd.Type).Msg("unknown command")
		}
	}
	cancel(abortRequest{reason: "supervisor went away"})
}
