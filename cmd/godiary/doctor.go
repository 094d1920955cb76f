package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/basket/go-diary/internal/doctor"
)

type doctorCommand struct{}

func (c *doctorCommand) Execute(_ []string) error {
	cfg, err := loadConfig()
	if err != nil && !cfg.NeedsGenesis {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Continue so the checks can say what is wrong.
	}

	diag := doctor.Run(commandCtx, &cfg, Version)
	out := newOutput()
	if out.json {
		if err := out.emitJSON(diag); err != nil {
			return err
		}
		if diag.Failed() {
			return exitError{code: 1}
		}
		return nil
	}

	out.line("godiary doctor (%s)", diag.Timestamp.Format(time.RFC3339))
	out.line("System: %s/%s (%s)", diag.System.OS, diag.System.Arch, diag.System.Go)
	out.line("---")
	for _, res := range diag.Results {
		label := out.style(okStyle, "PASS")
		switch res.Status {
		case doctor.StatusFail:
			label = out.style(failStyle, "FAIL")
		case doctor.StatusWarn:
			label = out.style(warnStyle, "WARN")
		case doctor.StatusSkip:
			label = out.style(dimStyle, "SKIP")
		}
		out.line("%s %-15s %s", label, res.Name, res.Message)
		if res.Detail != "" {
			out.line("     %s", out.style(dimStyle, res.Detail))
		}
	}
	if diag.Failed() {
		return exitError{code: 1}
	}
	return nil
}

type statusCommand struct{}

func (c *statusCommand) Execute(_ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	healthURL := healthURLFor(cfg.BindAddr)

	reqCtx, cancel := context.WithTimeout(commandCtx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = os.Stdout.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return exitError{code: 1}
	}
	return nil
}

func healthURLFor(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = "127.0.0.1:18790"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}
