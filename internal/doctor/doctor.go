// Package doctor runs the preflight checks behind `worldlink doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/worldlink/internal/audit"
	"github.com/basket/worldlink/internal/config"
	"github.com/basket/worldlink/internal/engine"
	wotel "github.com/basket/worldlink/internal/otel"
	"github.com/basket/worldlink/internal/tools"
)

// Check statuses.
const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

const lookupTimeout = 5 * time.Second

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkTools,
		checkBrain,
		checkAudit,
		checkListener,
		checkTelemetry,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusPass, Message: "Using defaults", Detail: path + " not found"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", path), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.Workspace} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		marker := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(marker, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(marker)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and workspace writable", Detail: cfg.Workspace}
}

func checkTools(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tools", Status: StatusSkip, Message: "Config missing"}
	}
	reg, err := tools.ConfiguredRegistry(cfg.ToolOverrides())
	if err != nil {
		return CheckResult{Name: "Tools", Status: StatusFail, Message: "Registry rejected", Detail: err.Error()}
	}
	remote := 0
	for _, d := range reg.List() {
		if d.Locality == tools.Remote {
			remote++
		}
	}
	return CheckResult{
		Name:    "Tools",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d tools (%d remote)", len(reg.Names()), remote),
		Detail:  fmt.Sprintf("default timeout %s", cfg.ToolTimeout()),
	}
}

func checkBrain(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Brain", Status: StatusSkip, Message: "Config missing"}
	}
	if cfg.Brain.Command == "" {
		if cfg.Backend == engine.BackendCLI {
			return CheckResult{Name: "Brain", Status: StatusFail, Message: "cli backend selected without brain.command"}
		}
		return CheckResult{Name: "Brain", Status: StatusPass, Message: "direct backend only", Detail: "set brain.command to enable the cli backend"}
	}
	path, err := exec.LookPath(cfg.Brain.Command)
	if err != nil {
		status := StatusWarn
		if cfg.Backend == engine.BackendCLI {
			status = StatusFail
		}
		return CheckResult{Name: "Brain", Status: status, Message: fmt.Sprintf("%s not found", cfg.Brain.Command), Detail: err.Error()}
	}
	return CheckResult{Name: "Brain", Status: StatusPass, Message: fmt.Sprintf("backend %s, cli brain at %s", cfg.Backend, path)}
}

func checkAudit(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Audit.Enabled {
		return CheckResult{Name: "Audit", Status: StatusSkip, Message: "Audit disabled"}
	}
	rec, err := audit.Open(cfg.HomeDir, cfg.Audit.SQLitePath, nil)
	if err != nil {
		return CheckResult{Name: "Audit", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer rec.Close()
	if _, err := rec.Recent(ctx, 1); err != nil {
		return CheckResult{Name: "Audit", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	if cfg.Audit.SQLitePath == "" {
		return CheckResult{Name: "Audit", Status: StatusPass, Message: "JSONL log writable", Detail: "sqlite index disabled"}
	}
	return CheckResult{Name: "Audit", Status: StatusPass, Message: "JSONL log and sqlite index valid"}
}

func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Listener",
			Status:  StatusWarn,
			Message: fmt.Sprintf("Cannot bind %s", cfg.BindAddr),
			Detail:  fmt.Sprintf("%v (is a gateway already running?)", err),
		}
	}
	_ = ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}

func checkTelemetry(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Telemetry.Enabled {
		return CheckResult{Name: "Telemetry", Status: StatusSkip, Message: "Tracing disabled"}
	}
	if err := cfg.Telemetry.Validate(); err != nil {
		return CheckResult{Name: "Telemetry", Status: StatusFail, Message: err.Error()}
	}
	if exp := cfg.Telemetry.ExporterName(); exp != wotel.ExporterOTLPHTTP {
		return CheckResult{Name: "Telemetry", Status: StatusPass, Message: fmt.Sprintf("exporter %s", exp)}
	}

	endpoint := cfg.Telemetry.CollectorEndpoint()
	host, _, err := net.SplitHostPort(endpoint)
	if err != nil {
		host = endpoint
	}

	lookupCtx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Telemetry",
			Status:  StatusWarn,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Telemetry",
		Status:  StatusPass,
		Message: fmt.Sprintf("OTLP endpoint %s resolved (%d addresses, %dms)", endpoint, len(addrs), latency.Milliseconds()),
	}
}
