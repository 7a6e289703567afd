package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"opsline/internal/domain"
)

// Producer generates analysis text for a mission, given the alert the
// pipeline is working.
type Producer func(ctx context.Context, prompt string, alert Alert) (string, error)

// Builder assembles the stock dashboard pipeline.
type Builder struct {
	Dashboard   *DashboardClient
	AutoApprove bool
	ArtifactDir string
	RCA         Producer
	Remediation Producer
}

type funcStage struct {
	name string
	kind string
	fn   func(ctx context.Context, mc *Context) (Observation, error)
}

func (s funcStage) Name() string { return s.name }
func (s funcStage) Kind() string { return s.kind }
func (s funcStage) Execute(ctx context.Context, mc *Context) (Observation, error) {
	return s.fn(ctx, mc)
}

const (
	varDetailPath   = "detail_path"
	varAlertService = "alert_service"
	varAlertSummary = "alert_summary"
)

// Build returns the fixed stage sequence for one mission attempt.
func (b Builder) Build(prompt string) []Stage {
	return []Stage{
		funcStage{"navigate", domain.StepObservation, b.navigate},
		funcStage{"analyze-dashboard", domain.StepObservation, b.analyze},
		funcStage{"open-detail", domain.StepObservation, b.openDetail},
		funcStage{"root-cause-analysis", domain.StepRCA, b.rootCause},
		funcStage{"propose-remediation", domain.StepRemediation, b.proposeRemediation},
		funcStage{"apply-remediation", domain.StepAction, b.applyRemediation},
		funcStage{"verify", domain.StepObservation, b.verify},
	}
}

func (b Builder) navigate(ctx context.Context, mc *Context) (Observation, error) {
	doc, err := b.Dashboard.Fetch(ctx, "/")
	if err != nil {
		return Observation{}, err
	}
	ref := b.saveArtifact(mc, "dashboard", doc)
	title := pageTitle(doc)
	if title == "" {
		title = b.Dashboard.BaseURL
	}
	return Observation{Message: fmt.Sprintf("Opened dashboard %q", title), ArtifactRef: ref}, nil
}

func (b Builder) analyze(ctx context.Context, mc *Context) (Observation, error) {
	doc, err := b.Dashboard.Fetch(ctx, "/")
	if err != nil {
		return Observation{}, err
	}
	alerts := parseAlerts(doc)
	if len(alerts) == 0 {
		return Observation{}, Fatalf("dashboard has no alerts matching prompt %q", mc.Prompt)
	}
	top := alerts[0]
	mc.Vars[varDetailPath] = top.DetailPath
	mc.Vars[varAlertService] = top.Service
	mc.Vars[varAlertSummary] = top.Summary
	return Observation{
		Message: fmt.Sprintf("Found %d firing alert(s); top: [%s] %s - %s", len(alerts), top.Severity, top.Service, top.Summary),
	}, nil
}

func (b Builder) openDetail(ctx context.Context, mc *Context) (Observation, error) {
	path := mc.Vars[varDetailPath]
	if path == "" {
		return Observation{Message: "Alert has no detail view; continuing with dashboard data"}, nil
	}
	doc, err := b.Dashboard.Fetch(ctx, path)
	if err != nil {
		return Observation{}, err
	}
	ref := b.saveArtifact(mc, "detail", doc)
	return Observation{
		Message:     fmt.Sprintf("Opened incident detail for %s", mc.Vars[varAlertService]),
		ArtifactRef: ref,
	}, nil
}

func (b Builder) rootCause(ctx context.Context, mc *Context) (Observation, error) {
	summary, err := b.RCA(ctx, mc.Prompt, b.alertFromVars(mc))
	if err != nil {
		return Observation{}, err
	}
	return Observation{Message: summary}, nil
}

func (b Builder) proposeRemediation(ctx context.Context, mc *Context) (Observation, error) {
	proposal, err := b.Remediation(ctx, mc.Prompt, b.alertFromVars(mc))
	if err != nil {
		return Observation{}, err
	}
	return Observation{Message: proposal}, nil
}

func (b Builder) applyRemediation(ctx context.Context, mc *Context) (Observation, error) {
	if !b.AutoApprove {
		return Observation{}, ErrAwaitingApproval
	}
	service := mc.Vars[varAlertService]
	if service == "" {
		service = "target service"
	}
	return Observation{Message: fmt.Sprintf("Applied remediation on %s", service)}, nil
}

func (b Builder) verify(ctx context.Context, mc *Context) (Observation, error) {
	doc, err := b.Dashboard.Fetch(ctx, "/")
	if err != nil {
		return Observation{}, err
	}
	remaining := len(parseAlerts(doc))
	return Observation{Message: fmt.Sprintf("Verification pass complete; %d alert(s) still firing", remaining)}, nil
}

func (b Builder) alertFromVars(mc *Context) Alert {
	return Alert{
		Service: mc.Vars[varAlertService],
		Summary: mc.Vars[varAlertSummary],
	}
}

// saveArtifact writes the page HTML under the artifact dir and returns
// its reference. Artifact failures are not worth failing a mission over.
func (b Builder) saveArtifact(mc *Context, label string, doc interface{ Html() (string, error) }) *string {
	if b.ArtifactDir == "" {
		return nil
	}
	html, err := doc.Html()
	if err != nil {
		return nil
	}
	if err := os.MkdirAll(b.ArtifactDir, 0o755); err != nil {
		return nil
	}
	name := fmt.Sprintf("%s-a%d-%s.html", mc.MissionID, mc.Attempt, label)
	if err := os.WriteFile(filepath.Join(b.ArtifactDir, name), []byte(html), 0o644); err != nil {
		return nil
	}
	return &name
}
