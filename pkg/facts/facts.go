// Package facts collects basic host information exposed to playbooks as the
// facts variable.
package facts

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/openfroyo/hostplay/pkg/actions"
	"github.com/openfroyo/hostplay/pkg/transports"
)

// Fact keys.
const (
	KeyHostname       = "hostname"
	KeyOS             = "os"
	KeyOSVersion      = "os_version"
	KeyOSName         = "os_name"
	KeyKernel         = "kernel"
	KeyArch           = "arch"
	KeyCPUCount       = "cpu_count"
	KeyMemTotalMB     = "mem_total_mb"
	KeyMemAvailableMB = "mem_available_mb"
	KeyPkgManager     = "pkg_manager"
)

// Gatherer collects facts through a transport. The controller itself is
// inspected with gopsutil; remote hosts are read with a few shell commands.
type Gatherer struct {
	logger zerolog.Logger
}

// NewGatherer creates a fact gatherer.
func NewGatherer(logger zerolog.Logger) *Gatherer {
	return &Gatherer{logger: logger.With().Str("component", "facts").Logger()}
}

// Gather returns the facts of the host behind t. Facts that cannot be read
// are left out; an error is returned only when the transport itself fails.
func (g *Gatherer) Gather(ctx context.Context, t transports.Transport) (map[string]interface{}, error) {
	start := time.Now()
	facts := make(map[string]interface{})

	var err error
	if t.Local() {
		g.gatherLocal(ctx, facts)
	} else {
		err = g.gatherRemote(ctx, t, facts)
	}
	if err != nil {
		return nil, err
	}

	manager, err := actions.DetectPackageManager(ctx, t)
	switch {
	case err == nil:
		facts[KeyPkgManager] = manager
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		g.logger.Debug().Err(err).Msg("No package manager detected")
	}

	g.logger.Debug().
		Int("facts_count", len(facts)).
		Dur("duration", time.Since(start)).
		Msg("Facts collection completed")

	return facts, nil
}

func (g *Gatherer) gatherLocal(ctx context.Context, facts map[string]interface{}) {
	if info, err := host.InfoWithContext(ctx); err == nil {
		facts[KeyHostname] = info.Hostname
		facts[KeyOS] = info.Platform
		facts[KeyOSVersion] = info.PlatformVersion
		facts[KeyKernel] = info.KernelVersion
		facts[KeyArch] = info.KernelArch
	} else {
		g.logger.Warn().Err(err).Msg("Failed to read host info")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		facts[KeyMemTotalMB] = int64(vm.Total / 1024 / 1024)
		facts[KeyMemAvailableMB] = int64(vm.Available / 1024 / 1024)
	} else {
		g.logger.Warn().Err(err).Msg("Failed to read memory info")
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		facts[KeyCPUCount] = n
	} else {
		g.logger.Warn().Err(err).Msg("Failed to read cpu count")
	}
}

func (g *Gatherer) gatherRemote(ctx context.Context, t transports.Transport, facts map[string]interface{}) error {
	if data, err := t.ReadFile(ctx, "/etc/os-release"); err == nil {
		release := parseOSRelease(string(data))
		facts[KeyOS] = release["ID"]
		facts[KeyOSVersion] = release["VERSION_ID"]
		if name := release["PRETTY_NAME"]; name != "" {
			facts[KeyOSName] = name
		}
	} else if ctx.Err() != nil {
		return ctx.Err()
	} else {
		g.logger.Debug().Err(err).Msg("Failed to read /etc/os-release")
	}

	commands := []struct {
		key     string
		command string
	}{
		{KeyHostname, "hostname"},
		{KeyKernel, "uname -r"},
		{KeyArch, "uname -m"},
		{KeyCPUCount, "nproc"},
	}
	for _, c := range commands {
		res, err := t.Exec(ctx, transports.ExecRequest{Command: c.command})
		if err != nil {
			return fmt.Errorf("failed to run %q: %w", c.command, err)
		}
		if res.ExitCode != 0 {
			g.logger.Debug().Str("command", c.command).Int("exit_code", res.ExitCode).Msg("Fact command failed")
			continue
		}
		value := strings.TrimSpace(res.Stdout)
		if c.key == KeyCPUCount {
			if n, err := strconv.Atoi(value); err == nil {
				facts[c.key] = n
			}
			continue
		}
		facts[c.key] = value
	}

	if data, err := t.ReadFile(ctx, "/proc/meminfo"); err == nil {
		total, available := parseMeminfo(string(data))
		facts[KeyMemTotalMB] = total
		facts[KeyMemAvailableMB] = available
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	return nil
}

// parseOSRelease reads KEY=value lines, unquoting values.
func parseOSRelease(content string) map[string]string {
	out := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if unquoted, err := strconv.Unquote(value); err == nil {
			value = unquoted
		} else {
			value = strings.Trim(value, `'"`)
		}
		out[key] = value
	}
	return out
}

// parseMeminfo returns MemTotal and MemAvailable in megabytes.
func parseMeminfo(content string) (total, available int64) {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, _ := strconv.ParseInt(fields[1], 10, 64)
		switch fields[0] {
		case "MemTotal:":
			total = value / 1024
		case "MemAvailable:":
			available = value / 1024
		}
	}
	return total, available
}
