package provider

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// FakeDevice is an in-memory Device for tests.
type FakeDevice struct {
	DeviceInfo DeviceInfo
	Bat        BatteryStatus
	Ifaces     []InterfaceInfo
	Volumes    []StorageInfo
	Props      map[string]string
	Perms      []PermissionStatus
	PNG        []byte
}

func (f *FakeDevice) Info() (DeviceInfo, error)              { return f.DeviceInfo, nil }
func (f *FakeDevice) Battery() (BatteryStatus, error)        { return f.Bat, nil }
func (f *FakeDevice) Interfaces() ([]InterfaceInfo, error)   { return f.Ifaces, nil }
func (f *FakeDevice) Storage() ([]StorageInfo, error)        { return f.Volumes, nil }
func (f *FakeDevice) Properties() (map[string]string, error) { return f.Props, nil }
func (f *FakeDevice) Permissions() ([]PermissionStatus, error) {
	return f.Perms, nil
}

func (f *FakeDevice) Screenshot() ([]byte, error) {
	if f.PNG == nil {
		return nil, ErrUnsupported
	}
	return f.PNG, nil
}

// FakeApps is an in-memory Apps provider.
type FakeApps struct {
	mu         sync.Mutex
	Installed  map[string]AppInfo
	Paths      map[string][]DataPath
	InstallErr error
}

func (f *FakeApps) List(includeSystem bool) ([]AppInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []AppInfo
	for _, app := range f.Installed {
		if !includeSystem && app.System {
			continue
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out, nil
}

func (f *FakeApps) Info(pkg string) (*AppInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	app, ok := f.Installed[pkg]
	if !ok {
		return nil, fmt.Errorf("package %q not found", pkg)
	}
	return &app, nil
}

func (f *FakeApps) DataPaths(pkg string) ([]DataPath, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Paths[pkg], nil
}

func (f *FakeApps) Install(apkPath string) error {
	if f.InstallErr != nil {
		return f.InstallErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Installed == nil {
		f.Installed = make(map[string]AppInfo)
	}
	f.Installed["installed.from.apk"] = AppInfo{Package: "installed.from.apk", SourceDir: apkPath}
	return nil
}

func (f *FakeApps) Uninstall(pkg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.Installed[pkg]; !ok {
		return fmt.Errorf("package %q not found", pkg)
	}
	delete(f.Installed, pkg)
	return nil
}

// FakeContacts is an in-memory Contacts provider.
type FakeContacts struct {
	mu       sync.Mutex
	Entries  []Contact
	FailName string // Insert fails for this display name
}

func (f *FakeContacts) List() ([]Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Contact, len(f.Entries))
	copy(out, f.Entries)
	return out, nil
}

func (f *FakeContacts) Insert(contact Contact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailName != "" && contact.DisplayName == f.FailName {
		return fmt.Errorf("insert contact %q: provider rejected", contact.DisplayName)
	}
	f.Entries = append(f.Entries, contact)
	return nil
}

// FakeSMS is an in-memory SMS provider.
type FakeSMS struct {
	mu       sync.Mutex
	Messages []Message
	FailBody string // Insert fails for this body
}

func (f *FakeSMS) List(limit, offset int) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if offset >= len(f.Messages) {
		return []Message{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(f.Messages) {
		end = len(f.Messages)
	}
	out := make([]Message, end-offset)
	copy(out, f.Messages[offset:end])
	return out, nil
}

func (f *FakeSMS) Count() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Messages), nil
}

func (f *FakeSMS) Insert(message Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailBody != "" && message.Body == f.FailBody {
		return fmt.Errorf("insert message: provider rejected")
	}
	message.ID = int64(len(f.Messages) + 1)
	f.Messages = append(f.Messages, message)
	return nil
}

// FakeShell replays canned command results.
type FakeShell struct {
	Results  map[string]ExecResult
	Props    map[string]string
	Settings map[string]string // key: namespace/key
}

func (f *FakeShell) Exec(ctx context.Context, command string) (ExecResult, error) {
	if result, ok := f.Results[command]; ok {
		return result, nil
	}
	return ExecResult{Stdout: "", Stderr: "command not faked", ExitCode: 127}, nil
}

func (f *FakeShell) ExecStream(ctx context.Context, command string) (io.ReadCloser, error) {
	result, ok := f.Results[command]
	if !ok {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return io.NopCloser(strings.NewReader(result.Stdout)), nil
}

func (f *FakeShell) GetProp(name string) (string, error) {
	if value, ok := f.Props[name]; ok {
		return value, nil
	}
	return "", nil
}

func (f *FakeShell) SettingsGet(namespace, key string) (string, error) {
	return f.Settings[namespace+"/"+key], nil
}

func (f *FakeShell) SettingsPut(namespace, key, value string) error {
	if f.Settings == nil {
		f.Settings = make(map[string]string)
	}
	f.Settings[namespace+"/"+key] = value
	return nil
}

// FakeSecurity reports a configurable lock-screen state.
type FakeSecurity struct {
	Secure bool
}

func (f FakeSecurity) DeviceSecure() bool { return f.Secure }

// NewFakeSet builds a provider set of fakes rooted at sandboxRoot, seeded with
// representative data.
func NewFakeSet(sandboxRoot string) Set {
	return Set{
		Device: &FakeDevice{
			DeviceInfo: DeviceInfo{Model: "Fake Phone", Manufacturer: "testing", OSName: "android", OSVersion: "14", Platform: "android/arm64"},
			Bat:        BatteryStatus{Level: 73, Charging: true},
			Ifaces:     []InterfaceInfo{{Name: "wlan0", Addresses: []string{"192.168.1.20"}}},
			Volumes:    []StorageInfo{{Path: "/data", Total: 64 << 30, Free: 20 << 30, Used: 44 << 30}},
			Props:      map[string]string{"ro.product.model": "Fake Phone"},
		},
		Files: &LocalFiles{Root: sandboxRoot},
		Apps: &FakeApps{Installed: map[string]AppInfo{
			"com.example.camera": {Package: "com.example.camera", Label: "Camera", VersionName: "1.2", VersionCode: 12, SourceDir: "/data/app/camera/base.apk"},
			"com.android.system": {Package: "com.android.system", Label: "System", System: true, SourceDir: "/system/app/sys.apk"},
		}},
		Contacts: &FakeContacts{},
		SMS:      &FakeSMS{},
		Shell:    &FakeShell{Results: map[string]ExecResult{"echo hi": {Stdout: "hi\n"}}},
		Security: FakeSecurity{Secure: true},
	}
}
