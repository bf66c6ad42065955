package dispatcher

import (
	"fmt"
	"strconv"

	"github.com/opsportal/orchestrator/internal/store"
)

// buildArgv translates a Job into the subprocess command line, per the
// five argv forms the pipeline binaries accept: single-tenant
// business-default / specific-date / date-range, and all-tenants
// business-default / explicit-date.
func (d *Dispatcher) buildArgv(job *store.Job) (string, []string, error) {
	if job.Scope == store.ScopeAll {
		args := []string{
			"--parallel", strconv.Itoa(job.Parallel),
			"--stagger-seconds", strconv.Itoa(job.StaggerSeconds),
		}
		if job.ContinueOnFailure {
			args = append(args, "--continue-on-failure")
		}
		if job.TargetDate != "" {
			args = append(args, "--target-date", job.TargetDate)
		}
		return d.cfg.AllTenantsBinary, args, nil
	}

	if job.TenantKey == "" {
		return "", nil, fmt.Errorf("single-tenant job %s missing tenant_key", job.ID)
	}

	args := []string{"--tenant", job.TenantKey}
	switch {
	case job.HasDateRange():
		args = append(args, "--from-date", job.FromDate, "--to-date", job.ToDate)
		if job.SkipDownload {
			args = append(args, "--skip-download")
		}
	case job.TargetDate != "":
		args = append(args, "--target-date", job.TargetDate)
	}
	return d.cfg.PipelineBinary, args, nil
}
