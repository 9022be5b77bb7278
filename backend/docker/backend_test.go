package docker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/pkg/stdcopy"

	"github.com/seantiz/torque/backend"
	"github.com/seantiz/torque/events"
	"github.com/seantiz/torque/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// mux produces a stream in the daemon's multiplexed framing.
func mux(stdout, stderr string) []byte {
	var buf bytes.Buffer
	if stdout != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stdout).Write([]byte(stdout))
	}
	if stderr != "" {
		stdcopy.NewStdWriter(&buf, stdcopy.Stderr).Write([]byte(stderr))
	}
	return buf.Bytes()
}

type fakeAPI struct {
	mu sync.Mutex

	mode   Mode
	images map[string]bool

	pulled           []string
	createdNames     []string
	createdOpts      []ContainerOpts
	started          []string
	removed          []string
	conflictOnCreate bool

	output    []byte
	exitCode  int
	waitHold  chan struct{}
	pullHold  chan struct{}
	startHold chan struct{}

	serviceOpts     []ServiceOpts
	serviceStates   []ServiceTask
	serviceLogs     []byte
	serviceLogsErr  error
	servicesRemoved []string
}

var _ API = (*fakeAPI)(nil)

func newFakeAPI(mode Mode) *fakeAPI {
	return &fakeAPI{mode: mode, images: map[string]bool{"alpine:latest": true}}
}

func (f *fakeAPI) Mode(context.Context) (Mode, error) { return f.mode, nil }

func (f *fakeAPI) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeAPI) PullImage(ctx context.Context, ref string) error {
	if f.pullHold != nil {
		select {
		case <-f.pullHold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, ref)
	f.images[ref] = true
	return nil
}

func (f *fakeAPI) CreateContainer(_ context.Context, name string, opts ContainerOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflictOnCreate {
		return "", ErrNameConflict
	}
	f.createdNames = append(f.createdNames, name)
	f.createdOpts = append(f.createdOpts, opts)
	return "ctr-" + name, nil
}

func (f *fakeAPI) AttachContainer(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.output)), nil
}

func (f *fakeAPI) StartContainer(ctx context.Context, id string) error {
	if f.startHold != nil {
		select {
		case <-f.startHold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, id)
	return nil
}

func (f *fakeAPI) WaitContainer(ctx context.Context, _ string) (int, error) {
	if f.waitHold != nil {
		select {
		case <-f.waitHold:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return f.exitCode, nil
}

func (f *fakeAPI) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAPI) CreateService(_ context.Context, name string, opts ServiceOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflictOnCreate {
		return "", ErrNameConflict
	}
	f.serviceOpts = append(f.serviceOpts, opts)
	return "svc-" + name, nil
}

func (f *fakeAPI) ServiceTask(context.Context, string) (ServiceTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.serviceStates) == 0 {
		return ServiceTask{State: "pending"}, nil
	}
	st := f.serviceStates[0]
	if len(f.serviceStates) > 1 {
		f.serviceStates = f.serviceStates[1:]
	}
	return st, nil
}

func (f *fakeAPI) ServiceLogs(context.Context, string) (io.ReadCloser, error) {
	if f.serviceLogsErr != nil {
		return nil, f.serviceLogsErr
	}
	return io.NopCloser(bytes.NewReader(f.serviceLogs)), nil
}

func (f *fakeAPI) RemoveService(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.servicesRemoved = append(f.servicesRemoved, id)
	return nil
}

func (f *fakeAPI) Close() error { return nil }

func (f *fakeAPI) removedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

func echoTask() *task.Task {
	return &task.Task{
		Name: "echo-task",
		Executions: []task.Execution{
			{Image: "alpine:latest", Program: "echo", Args: []string{"hello"}},
		},
	}
}

func TestNewWithAPIRejectsSwarmWorker(t *testing.T) {
	_, err := NewWithAPI(context.Background(), Config{}, newFakeAPI(ModeSwarmWorker), testLogger(), nil)
	if kind := backend.KindOf(err); kind != backend.KindBackendInit {
		t.Fatalf("error kind = %v, want %v (err: %v)", kind, backend.KindBackendInit, err)
	}
}

func TestRunStandalone(t *testing.T) {
	api := newFakeAPI(ModeStandalone)
	api.output = mux("hello\n", "")

	b, err := NewWithAPI(context.Background(), Config{}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	outcomes, err := b.Run(context.Background(), echoTask(), task.Resources{})
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 {
		t.Fatalf("got %d outcomes, want 1", len(outcomes))
	}
	if outcomes[0].ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", outcomes[0].ExitCode)
	}
	if got := string(outcomes[0].Stdout); got != "hello\n" {
		t.Errorf("stdout = %q, want %q", got, "hello\n")
	}
	if len(api.createdNames) != 1 || api.createdNames[0] != "echo-task-0" {
		t.Errorf("created names = %v, want [echo-task-0]", api.createdNames)
	}
	if got := api.removedIDs(); len(got) != 1 {
		t.Errorf("removed = %v, want one container", got)
	}
}

func TestRunStandaloneEmitsOutputLines(t *testing.T) {
	api := newFakeAPI(ModeStandalone)
	api.output = mux("one\ntwo\n", "oops\n")

	bus := events.NewBroadcaster()
	ch, unsub := bus.Subscribe()
	defer unsub()

	b, err := NewWithAPI(context.Background(), Config{}, api, testLogger(), bus)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(context.Background(), echoTask(), task.Resources{}); err != nil {
		t.Fatal(err)
	}

	var stdoutLines, stderrLines []string
	deadline := time.After(2 * time.Second)
	for len(stdoutLines) < 2 || len(stderrLines) < 1 {
		select {
		case ev := <-ch:
			switch ev.Type {
			case events.TaskStdout:
				stdoutLines = append(stdoutLines, ev.Message)
			case events.TaskStderr:
				stderrLines = append(stderrLines, ev.Message)
			}
		case <-deadline:
			t.Fatalf("missing output events; stdout %v stderr %v", stdoutLines, stderrLines)
		}
	}
	if stdoutLines[0] != "one" || stdoutLines[1] != "two" {
		t.Errorf("stdout lines = %v, want [one two]", stdoutLines)
	}
	if stderrLines[0] != "oops" {
		t.Errorf("stderr lines = %v, want [oops]", stderrLines)
	}
}

func TestRunPullsMissingImage(t *testing.T) {
	api := newFakeAPI(ModeStandalone)
	api.output = mux("", "")

	b, err := NewWithAPI(context.Background(), Config{}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	tk := echoTask()
	tk.Executions[0].Image = "busybox:1.36"
	if _, err := b.Run(context.Background(), tk, task.Resources{}); err != nil {
		t.Fatal(err)
	}
	if len(api.pulled) != 1 || api.pulled[0] != "busybox:1.36" {
		t.Errorf("pulled = %v, want [busybox:1.36]", api.pulled)
	}
}

func TestRunNameConflict(t *testing.T) {
	api := newFakeAPI(ModeStandalone)
	api.conflictOnCreate = true

	b, err := NewWithAPI(context.Background(), Config{}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = b.Run(context.Background(), echoTask(), task.Resources{})
	if kind := backend.KindOf(err); kind != backend.KindNameConflict {
		t.Fatalf("error kind = %v, want %v (err: %v)", kind, backend.KindNameConflict, err)
	}
}

func TestRunKeepContainersSkipsRemoval(t *testing.T) {
	api := newFakeAPI(ModeStandalone)
	api.output = mux("", "")

	b, err := NewWithAPI(context.Background(), Config{KeepContainers: true}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Run(context.Background(), echoTask(), task.Resources{}); err != nil {
		t.Fatal(err)
	}
	if got := api.removedIDs(); len(got) != 0 {
		t.Errorf("removed = %v, want none", got)
	}
}

func TestRunCancellationRemovesContainerDespiteKeepFlag(t *testing.T) {
	api := newFakeAPI(ModeStandalone)
	api.output = mux("", "")
	api.waitHold = make(chan struct{})

	b, err := NewWithAPI(context.Background(), Config{KeepContainers: true}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := b.Run(ctx, echoTask(), task.Resources{})
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err = <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	if !backend.IsCancelled(err) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}
	if got := api.removedIDs(); len(got) != 1 {
		t.Errorf("removed = %v, want the cancelled container", got)
	}
}

func TestRunCancellationDuringStartIsCancelled(t *testing.T) {
	api := newFakeAPI(ModeStandalone)
	api.output = mux("", "")
	api.startHold = make(chan struct{})

	b, err := NewWithAPI(context.Background(), Config{KeepContainers: true}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := b.Run(ctx, echoTask(), task.Resources{})
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err = <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	if !backend.IsCancelled(err) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}
	if got := api.removedIDs(); len(got) != 1 {
		t.Errorf("removed = %v, want the cancelled container despite the keep flag", got)
	}
}

func TestRunCancellationDuringPullIsCancelled(t *testing.T) {
	api := newFakeAPI(ModeStandalone)
	api.pullHold = make(chan struct{})

	b, err := NewWithAPI(context.Background(), Config{}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	tk := echoTask()
	tk.Executions[0].Image = "busybox:1.36"

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := b.Run(ctx, tk, task.Resources{})
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err = <-errs:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}

	if !backend.IsCancelled(err) {
		t.Fatalf("expected a cancellation error, got %v", err)
	}
	if len(api.createdNames) != 0 {
		t.Errorf("created = %v, want no containers before the pull finished", api.createdNames)
	}
}

func TestRunStandaloneAppliesLimits(t *testing.T) {
	api := newFakeAPI(ModeStandalone)
	api.output = mux("", "")

	b, err := NewWithAPI(context.Background(), Config{}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	cpu, cpuLimit, ram, ramLimit := 1.0, 2.0, 1.0, 4.0
	res := task.Resources{CPU: &cpu, CPULimit: &cpuLimit, RamGiB: &ram, RamLimitGiB: &ramLimit}
	if _, err := b.Run(context.Background(), echoTask(), res); err != nil {
		t.Fatal(err)
	}

	opts := api.createdOpts[0]
	if opts.NanoCPUs != 2e9 {
		t.Errorf("NanoCPUs = %d, want %d", opts.NanoCPUs, int64(2e9))
	}
	if opts.MemoryBytes != 4*1024*1024*1024 {
		t.Errorf("MemoryBytes = %d, want 4 GiB", opts.MemoryBytes)
	}
}

func TestRunMaterializesInputs(t *testing.T) {
	hostFile := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(hostFile, []byte("on disk"), 0o644); err != nil {
		t.Fatal(err)
	}

	api := newFakeAPI(ModeStandalone)
	api.output = mux("", "")

	b, err := NewWithAPI(context.Background(), Config{}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	tk := echoTask()
	tk.Inputs = []task.Input{
		{Path: "/data/host.txt", HostPath: hostFile},
		{Path: "/data/inline.txt", Literal: []byte("inline contents")},
		{Path: "/data/url.txt", URL: "file://" + hostFile},
		{Path: "/data/remote.txt", URL: "https://example.com/x"},
	}
	tk.Volumes = []string{"/scratch"}

	if _, err := b.Run(context.Background(), tk, task.Resources{}); err != nil {
		t.Fatal(err)
	}

	binds := api.createdOpts[0].Binds
	if len(binds) != 4 {
		t.Fatalf("got %d binds %v, want 4 (unsupported scheme skipped)", len(binds), binds)
	}
	if binds[0] == "" || !strings.HasSuffix(binds[0], ":/scratch") {
		t.Errorf("volume bind = %q, want a temp dir mounted at /scratch", binds[0])
	}
	if want := hostFile + ":/data/host.txt:ro"; binds[1] != want {
		t.Errorf("host bind = %q, want %q", binds[1], want)
	}

	// The literal input's staged file holds the provided bytes.
	staged := strings.SplitN(binds[2], ":", 2)[0]
	content, err := os.ReadFile(staged)
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "inline contents" {
		t.Errorf("staged content = %q, want %q", content, "inline contents")
	}
}

func TestRunSwarmService(t *testing.T) {
	api := newFakeAPI(ModeSwarmManager)
	api.serviceStates = []ServiceTask{
		{State: "pending"},
		{State: "running"},
		{State: "complete", ExitCode: 0},
	}
	api.serviceLogs = mux("from service\n", "")

	b, err := NewWithAPI(context.Background(), Config{ServicePollInterval: 5 * time.Millisecond}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	cpu, ram := 2.0, 4.0
	outcomes, err := b.Run(context.Background(), echoTask(), task.Resources{CPU: &cpu, RamGiB: &ram})
	if err != nil {
		t.Fatal(err)
	}
	if outcomes[0].ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", outcomes[0].ExitCode)
	}
	if got := string(outcomes[0].Stdout); got != "from service\n" {
		t.Errorf("stdout = %q, want %q", got, "from service\n")
	}

	opts := api.serviceOpts[0]
	if opts.CPUReservation != 2e9 {
		t.Errorf("CPUReservation = %d, want %d", opts.CPUReservation, int64(2e9))
	}
	if opts.MemoryReservation != 4*1024*1024*1024 {
		t.Errorf("MemoryReservation = %d, want 4 GiB", opts.MemoryReservation)
	}
	if len(api.servicesRemoved) != 1 {
		t.Errorf("services removed = %v, want one", api.servicesRemoved)
	}
}

func TestRunSwarmLogFetchFailureIsResultExtraction(t *testing.T) {
	api := newFakeAPI(ModeSwarmManager)
	api.serviceStates = []ServiceTask{
		{State: "complete", ExitCode: 0},
	}
	api.serviceLogsErr = errors.New("log driver does not support reading")

	b, err := NewWithAPI(context.Background(), Config{ServicePollInterval: 5 * time.Millisecond}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = b.Run(context.Background(), echoTask(), task.Resources{})
	if kind := backend.KindOf(err); kind != backend.KindResultExtraction {
		t.Fatalf("error kind = %v, want %v (err: %v)", kind, backend.KindResultExtraction, err)
	}
	if len(api.servicesRemoved) != 1 {
		t.Errorf("services removed = %v, want the failed service", api.servicesRemoved)
	}
}

func TestRunSwarmRejectedTaskFails(t *testing.T) {
	api := newFakeAPI(ModeSwarmManager)
	api.serviceStates = []ServiceTask{
		{State: "rejected", Message: "no suitable node"},
	}

	b, err := NewWithAPI(context.Background(), Config{ServicePollInterval: 5 * time.Millisecond}, api, testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = b.Run(context.Background(), echoTask(), task.Resources{})
	if kind := backend.KindOf(err); kind != backend.KindExecution {
		t.Fatalf("error kind = %v, want %v (err: %v)", kind, backend.KindExecution, err)
	}
	if !strings.Contains(err.Error(), "no suitable node") {
		t.Errorf("error %q should carry the scheduler message", err)
	}
}
