package privilege

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSyscalls models a setuid-root process started by uid/gid 1000.
type fakeSyscalls struct {
	uid, gid, euid, egid int

	setgidErr error
	setuidErr error
	capsErr   error
	ignoreUID bool // setuid "succeeds" without changing euid
	calls     []string
}

func newFake() *fakeSyscalls {
	return &fakeSyscalls{uid: 1000, gid: 1000, euid: 0, egid: 0}
}

func (f *fakeSyscalls) Getuid() int  { return f.uid }
func (f *fakeSyscalls) Getgid() int  { return f.gid }
func (f *fakeSyscalls) Geteuid() int { return f.euid }
func (f *fakeSyscalls) Getegid() int { return f.egid }

func (f *fakeSyscalls) Setgid(gid int) error {
	f.calls = append(f.calls, "setgid")
	if f.setgidErr != nil {
		return f.setgidErr
	}
	f.egid = gid
	return nil
}

func (f *fakeSyscalls) Setuid(uid int) error {
	f.calls = append(f.calls, "setuid")
	if f.setuidErr != nil {
		return f.setuidErr
	}
	if !f.ignoreUID {
		f.euid = uid
	}
	return nil
}

func (f *fakeSyscalls) ClearCapabilities() error {
	f.calls = append(f.calls, "caps")
	return f.capsErr
}

func TestDrop(t *testing.T) {
	f := newFake()

	require.NoError(t, Drop(f))

	assert.Equal(t, []string{"setgid", "setuid", "caps"}, f.calls)
	assert.Equal(t, f.uid, f.euid)
	assert.Equal(t, f.gid, f.egid)
}

func TestDrop_Failures(t *testing.T) {
	errPerm := errors.New("operation not permitted")

	tests := []struct {
		name      string
		setup     func(*fakeSyscalls)
		wantErr   error
		wantCalls []string
	}{
		{
			name:      "setgid fails",
			setup:     func(f *fakeSyscalls) { f.setgidErr = errPerm },
			wantErr:   ErrSetGID,
			wantCalls: []string{"setgid"},
		},
		{
			name:      "setuid fails",
			setup:     func(f *fakeSyscalls) { f.setuidErr = errPerm },
			wantErr:   ErrSetUID,
			wantCalls: []string{"setgid", "setuid"},
		},
		{
			name:      "euid unchanged",
			setup:     func(f *fakeSyscalls) { f.ignoreUID = true },
			wantErr:   ErrStillElevated,
			wantCalls: []string{"setgid", "setuid"},
		},
		{
			name:      "capabilities remain",
			setup:     func(f *fakeSyscalls) { f.capsErr = errPerm },
			wantErr:   ErrCapabilities,
			wantCalls: []string{"setgid", "setuid", "caps"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFake()
			tt.setup(f)

			err := Drop(f)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantCalls, f.calls)
		})
	}
}

func TestDrop_Unprivileged(t *testing.T) {
	// Nothing to drop: real and effective IDs already match
	f := &fakeSyscalls{uid: 1000, gid: 100, euid: 1000, egid: 100}

	require.NoError(t, Drop(f))
	assert.Equal(t, []string{"setgid", "setuid", "caps"}, f.calls)
}
