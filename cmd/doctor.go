package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			if !runDoctor() {
				os.Exit(1)
			}
		},
	}
}

// runDoctor prints a health report. Returns false on fatal findings.
func runDoctor() bool {
	healthy := true

	fmt.Println("dotclaw doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return false
	}

	fmt.Println()
	fmt.Println("  Providers:")
	checkProvider("Telegram", cfg.Telegram.Enabled, cfg.Telegram.Token != "")
	checkProvider("Discord", cfg.Discord.Enabled, cfg.Discord.Token != "")
	if !cfg.Telegram.Enabled && !cfg.Discord.Enabled {
		fmt.Println("    FATAL: no provider enabled (set DOTCLAW_TELEGRAM_TOKEN or DOTCLAW_DISCORD_TOKEN)")
		healthy = false
	}

	fmt.Println()
	fmt.Println("  Directories:")
	for _, dir := range []string{cfg.DataDir, cfg.GroupsDir, cfg.TraceDir} {
		if !checkWritable(dir) {
			healthy = false
		}
	}

	fmt.Println()
	fmt.Println("  Store:")
	if st, err := store.Open(cfg.DataDir); err != nil {
		fmt.Printf("    %-12s UNREACHABLE (%s)\n", "Status:", err)
		healthy = false
	} else {
		st.Close()
		fmt.Printf("    %-12s %s (OK)\n", "Path:", filepath.Join(cfg.DataDir, "store", "dotclaw.db"))
	}

	fmt.Println()
	fmt.Println("  Container runtime:")
	if !checkRuntime() {
		healthy = false
	}
	if cfg.Agent.ContainerImage == "" {
		fmt.Println("    FATAL: agent.container_image is not configured")
		healthy = false
	} else {
		fmt.Printf("    %-12s %s\n", "Image:", cfg.Agent.ContainerImage)
	}

	fmt.Println()
	if healthy {
		fmt.Println("Doctor check complete.")
	} else {
		fmt.Println("Doctor found fatal problems.")
	}
	return healthy
}

func checkProvider(name string, enabled, hasToken bool) {
	status := "disabled"
	if enabled && hasToken {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing token)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func checkWritable(dir string) bool {
	dir = config.ExpandHome(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fmt.Printf("    %-40s NOT WRITABLE (%s)\n", dir+":", err)
		return false
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		fmt.Printf("    %-40s NOT WRITABLE (%s)\n", dir+":", err)
		return false
	}
	os.Remove(probe)
	fmt.Printf("    %-40s OK\n", dir+":")
	return true
}

func checkRuntime() bool {
	for _, name := range []string{"docker", "podman"} {
		if path, err := exec.LookPath(name); err == nil {
			fmt.Printf("    %-12s %s\n", name+":", path)
			return true
		}
	}
	fmt.Println("    FATAL: no container runtime found (need docker or podman)")
	return false
}
