package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/lochness/internal/phoenix"
	"github.com/moolen/lochness/internal/source"
)

// fakeSource records Sync calls and optionally fails per subject.
type fakeSource struct {
	name string

	mu    stdsync.Mutex
	calls []string
	dry   []bool
	fail  map[string]error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Sync(ctx context.Context, subject phoenix.Subject, dry bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, subject.Study+"/"+subject.ID)
	f.dry = append(f.dry, dry)
	return f.fail[subject.ID]
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeNotifier records digests per study.
type fakeNotifier struct {
	mu      stdsync.Mutex
	digests map[string][]error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{digests: make(map[string][]error)}
}

func (f *fakeNotifier) SendErrorDigest(ctx context.Context, study string, errs []error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.digests[study] = append(f.digests[study], errs...)
	return nil
}

func writeMetadata(t *testing.T, ph *phoenix.Phoenix, study, content string) {
	t.Helper()
	path := ph.MetadataPath(study)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func testPhoenix(t *testing.T) *phoenix.Phoenix {
	t.Helper()
	ph := phoenix.New(t.TempDir())
	writeMetadata(t, ph, "StudyA",
		"Active,Consent,Subject ID,Beiwe,Dropbox\n"+
			"1,2024-03-01,SUB001,main:abc123,main:SUB001\n"+
			"1,2024-03-02,SUB002,main:def456,\n"+
			"0,2024-03-03,SUB003,main:ghi789,\n")
	writeMetadata(t, ph, "StudyB",
		"Active,Consent,Subject ID,Dropbox\n"+
			"1,2024-01-01,SUB101,main:SUB101\n")
	return ph
}

func newTestScheduler(t *testing.T, ph *phoenix.Phoenix, notifier *fakeNotifier, sources ...source.Source) *Scheduler {
	t.Helper()
	registry := source.NewRegistry()
	for _, s := range sources {
		require.NoError(t, registry.Register(s))
	}

	opts := Options{
		Phoenix:      ph,
		Registry:     registry,
		PollInterval: time.Hour,
	}
	if notifier != nil {
		opts.Notifier = notifier
	}

	sched, err := NewScheduler(opts)
	require.NoError(t, err)
	return sched
}

func TestRunCycleDispatchesActiveSubjects(t *testing.T) {
	ph := testPhoenix(t)
	beiwe := &fakeSource{name: "beiwe"}
	dropbox := &fakeSource{name: "dropbox"}
	sched := newTestScheduler(t, ph, nil, beiwe, dropbox)

	require.NoError(t, sched.RunCycle(context.Background()))

	beiwe.mu.Lock()
	assert.ElementsMatch(t, []string{"StudyA/SUB001", "StudyA/SUB002"}, beiwe.calls)
	beiwe.mu.Unlock()

	dropbox.mu.Lock()
	assert.ElementsMatch(t, []string{"StudyA/SUB001", "StudyB/SUB101"}, dropbox.calls)
	dropbox.mu.Unlock()
}

func TestRunCycleSkipsInactiveSubjects(t *testing.T) {
	ph := testPhoenix(t)
	beiwe := &fakeSource{name: "beiwe"}
	sched := newTestScheduler(t, ph, nil, beiwe)

	require.NoError(t, sched.RunCycle(context.Background()))

	beiwe.mu.Lock()
	defer beiwe.mu.Unlock()
	assert.NotContains(t, beiwe.calls, "StudyA/SUB003")
}

func TestRunCycleNotifiesPerStudy(t *testing.T) {
	ph := testPhoenix(t)
	dropbox := &fakeSource{
		name: "dropbox",
		fail: map[string]error{"SUB101": errors.New("token expired")},
	}
	notifier := newFakeNotifier()
	sched := newTestScheduler(t, ph, notifier, dropbox)

	err := sched.RunCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token expired")

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	assert.Empty(t, notifier.digests["StudyA"])
	require.Len(t, notifier.digests["StudyB"], 1)
	assert.Contains(t, notifier.digests["StudyB"][0].Error(), "token expired")
}

func TestRunCycleContinuesAfterSubjectFailure(t *testing.T) {
	ph := testPhoenix(t)
	beiwe := &fakeSource{
		name: "beiwe",
		fail: map[string]error{"SUB001": errors.New("boom")},
	}
	sched := newTestScheduler(t, ph, newFakeNotifier(), beiwe)

	err := sched.RunCycle(context.Background())
	require.Error(t, err)

	beiwe.mu.Lock()
	defer beiwe.mu.Unlock()
	assert.Contains(t, beiwe.calls, "StudyA/SUB002")
}

func TestRunCycleFilteredRegistryTouchesOnlyThatSource(t *testing.T) {
	ph := testPhoenix(t)
	beiwe := &fakeSource{name: "beiwe"}
	dropbox := &fakeSource{name: "dropbox"}

	registry := source.NewRegistry()
	require.NoError(t, registry.Register(beiwe))
	require.NoError(t, registry.Register(dropbox))
	filtered, err := registry.Filter("dropbox")
	require.NoError(t, err)

	sched, err := NewScheduler(Options{
		Phoenix:      ph,
		Registry:     filtered,
		PollInterval: time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, sched.RunCycle(context.Background()))

	assert.Zero(t, beiwe.callCount())
	dropbox.mu.Lock()
	assert.ElementsMatch(t, []string{"StudyA/SUB001", "StudyB/SUB101"}, dropbox.calls)
	dropbox.mu.Unlock()
}

func TestRunCycleUnknownSourceIsNotFatal(t *testing.T) {
	ph := testPhoenix(t)
	// only dropbox registered; metadata also references beiwe
	dropbox := &fakeSource{name: "dropbox"}
	sched := newTestScheduler(t, ph, nil, dropbox)

	assert.NoError(t, sched.RunCycle(context.Background()))
}

func TestRunCycleDryRun(t *testing.T) {
	ph := testPhoenix(t)
	dropbox := &fakeSource{
		name: "dropbox",
		fail: map[string]error{"SUB101": errors.New("boom")},
	}
	notifier := newFakeNotifier()

	registry := source.NewRegistry()
	require.NoError(t, registry.Register(dropbox))
	sched, err := NewScheduler(Options{
		Phoenix:      ph,
		Registry:     registry,
		Notifier:     notifier,
		PollInterval: time.Hour,
		DryRun:       true,
	})
	require.NoError(t, err)

	require.Error(t, sched.RunCycle(context.Background()))

	dropbox.mu.Lock()
	for _, dry := range dropbox.dry {
		assert.True(t, dry)
	}
	dropbox.mu.Unlock()

	// dry runs never send mail
	notifier.mu.Lock()
	assert.Empty(t, notifier.digests)
	notifier.mu.Unlock()
}

func TestSchedulerStartStop(t *testing.T) {
	ph := testPhoenix(t)
	dropbox := &fakeSource{name: "dropbox"}
	sched := newTestScheduler(t, ph, nil, dropbox)

	require.NoError(t, sched.Start(context.Background()))

	// the first cycle runs immediately
	assert.Eventually(t, func() bool {
		return dropbox.callCount() >= 2
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sched.Stop(ctx))
}

func TestSetPollInterval(t *testing.T) {
	ph := testPhoenix(t)
	sched := newTestScheduler(t, ph, nil, &fakeSource{name: "dropbox"})

	sched.SetPollInterval(time.Minute)
	assert.Equal(t, time.Minute, sched.pollInterval())

	sched.SetPollInterval(0)
	assert.Equal(t, time.Minute, sched.pollInterval())
}

func TestNewSchedulerValidation(t *testing.T) {
	ph := phoenix.New(t.TempDir())
	registry := source.NewRegistry()

	_, err := NewScheduler(Options{Registry: registry, PollInterval: time.Hour})
	assert.Error(t, err)

	_, err = NewScheduler(Options{Phoenix: ph, PollInterval: time.Hour})
	assert.Error(t, err)

	_, err = NewScheduler(Options{Phoenix: ph, Registry: registry})
	assert.Error(t, err)
}
