package simulation

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/limiquantix/vmsim/internal/autoscaling"
	"github.com/limiquantix/vmsim/internal/consolidation"
	"github.com/limiquantix/vmsim/internal/domain"
	"github.com/limiquantix/vmsim/internal/taskgraph"
)

// CloudletResult is the outcome of one cloudlet.
type CloudletResult struct {
	ID         int                     `json:"id"`
	State      taskgraph.CloudletState `json:"state"`
	GuestID    int                     `json:"guest_id"`
	HostID     int                     `json:"host_id"`
	CPUTime    float64                 `json:"cpu_time"`
	StartTime  float64                 `json:"start_time"`
	FinishTime float64                 `json:"finish_time"`
}

// AppResult is the outcome of one application. Lateness is nil while the
// application's last cloudlet has not finished.
type AppResult struct {
	ID       int      `json:"id"`
	Name     string   `json:"name"`
	Deadline float64  `json:"deadline"`
	Complete bool     `json:"complete"`
	Lateness *float64 `json:"lateness,omitempty"`
}

// HostResult is the final state of one host.
type HostResult struct {
	ID          int              `json:"id"`
	State       domain.HostState `json:"state"`
	Guests      int              `json:"guests"`
	Utilization float64          `json:"utilization"`
}

// Results summarizes a run.
type Results struct {
	RunID           string              `json:"run_id"`
	Clock           float64             `json:"clock"`
	EventsProcessed int                 `json:"events_processed"`
	Guests          int                 `json:"guests"`
	Hosts           []HostResult        `json:"hosts"`
	Cloudlets       []CloudletResult    `json:"cloudlets"`
	Apps            []AppResult         `json:"apps"`
	Stalled         []int               `json:"stalled,omitempty"`
	Incomplete      []int               `json:"incomplete,omitempty"`
	Scaling         autoscaling.Stats   `json:"scaling"`
	Consolidation   consolidation.Stats `json:"consolidation"`
	Violations      []string            `json:"violations,omitempty"`
}

// Finished returns the number of finished cloudlets.
func (r *Results) Finished() int {
	n := 0
	for _, c := range r.Cloudlets {
		if c.State == taskgraph.CloudletStateFinished {
			n++
		}
	}
	return n
}

// ActiveHosts returns the number of hosts still powered on.
func (r *Results) ActiveHosts() int {
	n := 0
	for _, h := range r.Hosts {
		if h.State != domain.HostStatePoweredOff {
			n++
		}
	}
	return n
}

func (s *Simulation) resultsLocked(clock float64) *Results {
	r := &Results{
		RunID:           s.runID,
		Clock:           clock,
		EventsProcessed: s.kernel.Processed(),
		Guests:          s.guests.Count(),
		Stalled:         s.tasks.Stalled(),
		Incomplete:      s.tasks.Incomplete(),
		Scaling:         s.scaler.Stats(),
	}
	if s.consolidation != nil {
		r.Consolidation = s.consolidation.Stats()
	}

	for _, h := range s.alloc.Hosts() {
		r.Hosts = append(r.Hosts, HostResult{
			ID:          h.ID,
			State:       h.State(),
			Guests:      h.ResidentCount(),
			Utilization: h.CPUUtilization(),
		})
	}

	for _, c := range s.cloudlets.List() {
		hostID := domain.NoHost
		if h, ok := s.alloc.HostOf(c.GuestID()); ok {
			hostID = h.ID
		}
		r.Cloudlets = append(r.Cloudlets, CloudletResult{
			ID:         c.ID,
			State:      c.State(),
			GuestID:    c.GuestID(),
			HostID:     hostID,
			CPUTime:    c.ActualCPUTime(),
			StartTime:  c.StartTime(),
			FinishTime: c.FinishTime(),
		})
	}

	for _, app := range s.apps {
		ar := AppResult{ID: app.ID, Name: app.Name, Deadline: app.Deadline, Complete: app.Complete()}
		if lateness, ok := app.Lateness(); ok {
			ar.Lateness = &lateness
		}
		r.Apps = append(r.Apps, ar)
	}

	for _, v := range s.violations {
		r.Violations = append(r.Violations, v.Error())
	}
	return r
}

// PrintCloudlets writes the cloudlet outcomes as an ASCII table.
func (r *Results) PrintCloudlets(writer io.Writer) {
	table := tablewriter.NewWriter(writer)
	table.SetHeader([]string{"Cloudlet", "Status", "Guest", "Host", "Time", "Start", "Finish"})

	for _, c := range r.Cloudlets {
		table.Append([]string{
			strconv.Itoa(c.ID),
			string(c.State),
			idOrDash(c.GuestID),
			idOrDash(c.HostID),
			timeOrDash(c.CPUTime, c.State == taskgraph.CloudletStateFinished),
			timeOrDash(c.StartTime, c.State != taskgraph.CloudletStateCreated),
			timeOrDash(c.FinishTime, c.State == taskgraph.CloudletStateFinished),
		})
	}

	table.Render()
}

// PrintHosts writes the final host states as an ASCII table.
func (r *Results) PrintHosts(writer io.Writer) {
	table := tablewriter.NewWriter(writer)
	table.SetHeader([]string{"Host", "State", "Guests", "CPU"})

	for _, h := range r.Hosts {
		table.Append([]string{
			strconv.Itoa(h.ID),
			string(h.State),
			strconv.Itoa(h.Guests),
			fmt.Sprintf("%.1f%%", h.Utilization*100),
		})
	}

	table.Render()
}

// PrintSummary writes application lateness and the policy statistics.
func (r *Results) PrintSummary(writer io.Writer) {
	fmt.Fprintf(writer, "Run %s finished at %.2f after %d events\n", r.RunID, r.Clock, r.EventsProcessed)
	fmt.Fprintf(writer, "Cloudlets: %d finished of %d, %d stalled\n", r.Finished(), len(r.Cloudlets), len(r.Stalled))
	fmt.Fprintf(writer, "Guests: %d (scaling checks %d, triggered %d, created %d, unplaced %d)\n",
		r.Guests, r.Scaling.Checks, r.Scaling.Triggered, r.Scaling.Created, r.Scaling.Unplaced)
	fmt.Fprintf(writer, "Consolidation: %d evaluations, %d migrations, %d hosts powered off, %d failures; %d of %d hosts active\n",
		r.Consolidation.Evaluations, r.Consolidation.Migrations, r.Consolidation.PoweredOff, r.Consolidation.Failed,
		r.ActiveHosts(), len(r.Hosts))

	for _, a := range r.Apps {
		if a.Lateness == nil {
			fmt.Fprintf(writer, "App %d (%s): not finished, deadline %.2f\n", a.ID, a.Name, a.Deadline)
			continue
		}
		fmt.Fprintf(writer, "App %d (%s): lateness %.2f, deadline %.2f\n", a.ID, a.Name, *a.Lateness, a.Deadline)
	}
	for _, v := range r.Violations {
		fmt.Fprintf(writer, "Invariant violated: %s\n", v)
	}
}

func idOrDash(id int) string {
	if id < 0 {
		return "-"
	}
	return strconv.Itoa(id)
}

func timeOrDash(t float64, ok bool) string {
	if !ok {
		return "-"
	}
	return strconv.FormatFloat(t, 'f', 2, 64)
}

// consolidationSummary is the published form of a consolidation report.
func consolidationSummary(rep *consolidation.Report) map[string]interface{} {
	actions := rep.Plan.Actions()
	fatal := make([]string, 0, len(rep.Fatal))
	for _, err := range rep.Fatal {
		fatal = append(fatal, err.Error())
	}
	return map[string]interface{}{
		"report_id":          rep.ID,
		"actions":            actions,
		"migrated":           rep.Migrated(),
		"powered_off":        rep.PoweredOff,
		"skipped":            len(rep.Plan.Skipped),
		"failed_evacuations": len(rep.Plan.FailedEvacuations),
		"fatal":              fatal,
	}
}
