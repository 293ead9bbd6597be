// Package verify runs the external AAS compliance checker against harvested
// packages and maps its outcome onto the three-valued verification status.
// The checker is a subprocess, so a hostile package can at worst waste the
// timeout, never take down the harvester.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/open-aasx-index/harvester/internal/harvest"
	"github.com/open-aasx-index/harvester/internal/metrics"
)

const maxReportedErrors = 10

// Config holds the checker invocation settings. Command is the base argv,
// e.g. ["python3", "-m", "aas_test_engines"]; the check_file subcommand and
// its flags are appended per file.
type Config struct {
	Command     []string
	Timeout     time.Duration
	SaveReports bool
	ReportsDir  string
	Engine      string
}

// Checker implements harvest.Verifier via the aas-test-engines CLI.
type Checker struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	if len(cfg.Command) == 0 {
		cfg.Command = []string{"python3", "-m", "aas_test_engines"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.Engine == "" {
		cfg.Engine = "aas-test-engines"
	}
	return &Checker{cfg: cfg, logger: logger.Named("verify")}
}

// Verify checks one AASX file. Exit code zero means verified; a nonzero
// exit with parseable JSON output means the file opened but failed checks;
// anything else, including a missing checker binary or a timeout, means
// failed. Verify never returns an error: every outcome is a status.
func (c *Checker) Verify(ctx context.Context, path string, sha256 string) harvest.Verification {
	v := c.run(ctx, path, sha256)
	metrics.ObserveVerification(string(v.Status))
	return v
}

func (c *Checker) run(ctx context.Context, path string, sha256 string) harvest.Verification {
	if _, err := os.Stat(path); err != nil {
		return harvest.Verification{
			Status:  harvest.StatusFailed,
			Engine:  c.cfg.Engine,
			Summary: "file not found",
			Errors:  []string{fmt.Sprintf("file does not exist: %s", path)},
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	args := append(append([]string{}, c.cfg.Command[1:]...),
		"check_file", path, "--format", "aasx", "--output", "json")
	cmd := exec.CommandContext(runCtx, c.cfg.Command[0], args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		return harvest.Verification{
			Status:  harvest.StatusFailed,
			Engine:  c.cfg.Engine,
			Summary: "verification timed out",
			Errors:  []string{fmt.Sprintf("verification exceeded %s timeout", c.cfg.Timeout)},
		}
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return harvest.Verification{
				Status:  harvest.StatusFailed,
				Engine:  c.cfg.Engine,
				Summary: "checker could not be run",
				Errors:  []string{err.Error()},
			}
		}
	}

	var report map[string]any
	haveReport := json.Unmarshal(stdout.Bytes(), &report) == nil

	reportPath := ""
	if c.cfg.SaveReports && haveReport {
		saved, saveErr := c.saveReport(report, path, sha256)
		if saveErr != nil {
			c.logger.Warn("report save failed", zap.String("file", path), zap.Error(saveErr))
		} else {
			reportPath = saved
		}
	}

	if exitCode == 0 {
		return harvest.Verification{
			Status:     harvest.StatusVerified,
			Engine:     c.cfg.Engine,
			ExitCode:   &exitCode,
			Summary:    "all compliance checks passed",
			ReportPath: reportPath,
		}
	}

	if haveReport {
		count, errs := collectCheckErrors(report)
		return harvest.Verification{
			Status:     harvest.StatusParseable,
			Engine:     c.cfg.Engine,
			ExitCode:   &exitCode,
			Summary:    fmt.Sprintf("file parseable but %d compliance check(s) failed", count),
			Errors:     errs,
			ReportPath: reportPath,
		}
	}

	msg := stderr.String()
	if msg == "" {
		msg = "unknown error"
	}
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return harvest.Verification{
		Status:   harvest.StatusFailed,
		Engine:   c.cfg.Engine,
		ExitCode: &exitCode,
		Summary:  "file could not be parsed",
		Errors:   []string{msg},
	}
}

// saveReport writes the checker's JSON report next to the other reports,
// named by the file's content hash so re-verification overwrites in place.
func (c *Checker) saveReport(report map[string]any, path, sha256 string) (string, error) {
	if c.cfg.ReportsDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(c.cfg.ReportsDir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	name := sha256
	if name == "" {
		base := filepath.Base(path)
		name = base[:len(base)-len(filepath.Ext(base))]
	}
	out := filepath.Join(c.cfg.ReportsDir, name+".json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return out, nil
}

// collectCheckErrors walks the checker's nested sub_checks tree and gathers
// the messages of failed checks, capped at maxReportedErrors. The count
// reflects every failure found, not just the reported ones.
func collectCheckErrors(report map[string]any) (int, []string) {
	total := 0
	var msgs []string

	var walk func(node any, path string)
	walk = func(node any, path string) {
		switch n := node.(type) {
		case map[string]any:
			if ok, present := n["ok"]; present && ok == false {
				msg, _ := n["message"].(string)
				if msg == "" {
					msg = "unknown error"
				}
				if path != "" {
					msg = path + ": " + msg
				}
				total++
				if len(msgs) < maxReportedErrors {
					msgs = append(msgs, msg)
				}
			}
			for key, value := range n {
				if key == "sub_checks" {
					subs, ok := value.([]any)
					if !ok {
						continue
					}
					for i, sub := range subs {
						name := fmt.Sprintf("check_%d", i)
						if m, ok := sub.(map[string]any); ok {
							if subName, ok := m["name"].(string); ok && subName != "" {
								name = subName
							}
						}
						childPath := name
						if path != "" {
							childPath = path + "/" + name
						}
						walk(sub, childPath)
					}
					continue
				}
				switch value.(type) {
				case map[string]any, []any:
					walk(value, path)
				}
			}
		case []any:
			for _, item := range n {
				walk(item, path)
			}
		}
	}

	walk(report, "")
	return total, msgs
}
