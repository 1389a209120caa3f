package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
)

// NewLocalSet builds the provider set for a desktop/POSIX host. Domains the
// host has no native backing for (apps, contacts, sms) report ErrUnsupported;
// the Android and iOS builds swap in their platform providers.
func NewLocalSet(sandboxRoot string) Set {
	return Set{
		Device:   &LocalDevice{},
		Files:    &LocalFiles{Root: sandboxRoot},
		Apps:     UnsupportedApps{},
		Contacts: UnsupportedContacts{},
		SMS:      UnsupportedSMS{},
		Shell:    &LocalShell{},
		Security: LocalSecurity{},
	}
}

// LocalDevice introspects the host the agent runs on.
type LocalDevice struct{}

// Info reports host identity.
func (d *LocalDevice) Info() (DeviceInfo, error) {
	host, _ := os.Hostname()
	return DeviceInfo{
		Model:        host,
		Manufacturer: "generic",
		OSName:       runtime.GOOS,
		OSVersion:    runtime.Version(),
		Platform:     runtime.GOOS + "/" + runtime.GOARCH,
	}, nil
}

// Battery reads the first power supply exposed by sysfs, if any.
func (d *LocalDevice) Battery() (BatteryStatus, error) {
	entries, err := os.ReadDir("/sys/class/power_supply")
	if err != nil {
		return BatteryStatus{}, ErrUnsupported
	}

	for _, entry := range entries {
		base := "/sys/class/power_supply/" + entry.Name()
		capRaw, err := os.ReadFile(base + "/capacity")
		if err != nil {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(string(capRaw)))
		if err != nil {
			continue
		}

		charging := false
		if statusRaw, err := os.ReadFile(base + "/status"); err == nil {
			charging = strings.EqualFold(strings.TrimSpace(string(statusRaw)), "Charging")
		}

		return BatteryStatus{Level: level, Charging: charging}, nil
	}

	return BatteryStatus{}, ErrUnsupported
}

// Interfaces lists network interfaces with their IPv4 addresses.
func (d *LocalDevice) Interfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []InterfaceInfo
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		info := InterfaceInfo{Name: iface.Name}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipNet.IP.To4(); v4 != nil {
				info.Addresses = append(info.Addresses, v4.String())
			}
		}
		if len(info.Addresses) > 0 {
			out = append(out, info)
		}
	}

	return out, nil
}

// Storage reports the volume holding the working directory.
func (d *LocalDevice) Storage() ([]StorageInfo, error) {
	wd, err := os.Getwd()
	if err != nil {
		wd = "/"
	}
	info, err := statVolume(wd)
	if err != nil {
		return nil, err
	}
	return []StorageInfo{info}, nil
}

// Properties reports a host property map, the desktop analogue of getprop.
func (d *LocalDevice) Properties() (map[string]string, error) {
	host, _ := os.Hostname()
	return map[string]string{
		"ro.hostname":   host,
		"ro.os":         runtime.GOOS,
		"ro.arch":       runtime.GOARCH,
		"ro.go.version": runtime.Version(),
		"ro.num.cpu":    strconv.Itoa(runtime.NumCPU()),
	}, nil
}

// Permissions reports nothing on desktop hosts.
func (d *LocalDevice) Permissions() ([]PermissionStatus, error) {
	return []PermissionStatus{}, nil
}

// Screenshot is not available on headless builds.
func (d *LocalDevice) Screenshot() ([]byte, error) {
	return nil, ErrUnsupported
}

// LocalFiles scopes file operations to Root. An empty Root disables
// sandboxing (trusted desktop use).
type LocalFiles struct {
	Root string
}

// SandboxRoot returns the configured sandbox root.
func (f *LocalFiles) SandboxRoot() string { return f.Root }

// Storage reports the sandbox volume (or the working directory's volume when
// unsandboxed).
func (f *LocalFiles) Storage() ([]StorageInfo, error) {
	root := f.Root
	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		root = wd
	}
	info, err := statVolume(root)
	if err != nil {
		return nil, err
	}
	return []StorageInfo{info}, nil
}

// LocalShell executes commands through the host shell.
type LocalShell struct{}

// Exec runs a command under sh -c, honoring the context deadline.
func (s *LocalShell) Exec(ctx context.Context, command string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		result.ExitCode = 0
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	default:
		return result, fmt.Errorf("run command: %w", err)
	}

	if ctx.Err() != nil {
		return result, fmt.Errorf("run command: %w", ctx.Err())
	}

	return result, nil
}

type processStream struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (p *processStream) Close() error {
	_ = p.ReadCloser.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.cmd.Wait()
	return nil
}

// ExecStream starts a command and returns its live stdout.
func (s *LocalShell) ExecStream(ctx context.Context, command string) (io.ReadCloser, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start command: %w", err)
	}
	return &processStream{ReadCloser: stdout, cmd: cmd}, nil
}

// GetProp shells out to getprop where present (Android); otherwise unsupported.
func (s *LocalShell) GetProp(name string) (string, error) {
	if _, err := exec.LookPath("getprop"); err != nil {
		return "", ErrUnsupported
	}
	out, err := exec.Command("getprop", name).Output()
	if err != nil {
		return "", fmt.Errorf("getprop %q: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// SettingsGet shells out to the Android settings tool where present.
func (s *LocalShell) SettingsGet(namespace, key string) (string, error) {
	if _, err := exec.LookPath("settings"); err != nil {
		return "", ErrUnsupported
	}
	out, err := exec.Command("settings", "get", namespace, key).Output()
	if err != nil {
		return "", fmt.Errorf("settings get %s/%s: %w", namespace, key, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// SettingsPut shells out to the Android settings tool where present.
func (s *LocalShell) SettingsPut(namespace, key, value string) error {
	if _, err := exec.LookPath("settings"); err != nil {
		return ErrUnsupported
	}
	if err := exec.Command("settings", "put", namespace, key, value).Run(); err != nil {
		return fmt.Errorf("settings put %s/%s: %w", namespace, key, err)
	}
	return nil
}

// LocalSecurity treats the desktop host as lock-screen secure; the mobile
// builds consult the platform keyguard instead.
type LocalSecurity struct{}

// DeviceSecure reports true on desktop hosts.
func (LocalSecurity) DeviceSecure() bool { return true }

// UnsupportedApps is the Apps provider for platforms without a package manager.
type UnsupportedApps struct{}

func (UnsupportedApps) List(bool) ([]AppInfo, error)         { return nil, ErrUnsupported }
func (UnsupportedApps) Info(string) (*AppInfo, error)        { return nil, ErrUnsupported }
func (UnsupportedApps) DataPaths(string) ([]DataPath, error) { return nil, ErrUnsupported }
func (UnsupportedApps) Install(string) error                 { return ErrUnsupported }
func (UnsupportedApps) Uninstall(string) error               { return ErrUnsupported }

// UnsupportedContacts is the Contacts provider for platforms without an
// address book.
type UnsupportedContacts struct{}

func (UnsupportedContacts) List() ([]Contact, error) { return nil, ErrUnsupported }
func (UnsupportedContacts) Insert(Contact) error     { return ErrUnsupported }

// UnsupportedSMS is the SMS provider for platforms without a message store.
type UnsupportedSMS struct{}

func (UnsupportedSMS) List(int, int) ([]Message, error) { return nil, ErrUnsupported }
func (UnsupportedSMS) Count() (int, error)              { return 0, ErrUnsupported }
func (UnsupportedSMS) Insert(Message) error             { return ErrUnsupported }
