package engine

import (
	"testing"
	"time"

	"github.com/KilimcininKorOglu/poros-packet/internal/command"
	"github.com/KilimcininKorOglu/poros-packet/internal/probe"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dispatch(h *harness, lines ...string) []string {
	for _, l := range lines {
		h.dispatcher.Dispatch(command.Frame{Line: l})
	}
	require.NoError(h.t, h.loop.channel.FlushAvailable())
	return h.lines()
}

func TestDispatcher_Check(t *testing.T) {
	h := newHarness(t)
	h.transport.noIPv6 = true
	h.transport.noTCP = true

	got := dispatch(h,
		"CHECK token=1 feature=version",
		"CHECK token=2 feature=probe",
		"CHECK token=3 feature=icmp",
		"CHECK token=4 feature=tcp",
		"CHECK token=5 feature=ip-4",
		"CHECK token=6 feature=ip-6",
		"CHECK token=7 feature=teleport",
	)

	want := []string{
		"FEATURE token=1 feature=version support=1.2.3",
		"FEATURE token=2 feature=probe support=ok",
		"FEATURE token=3 feature=icmp support=ok",
		"FEATURE token=4 feature=tcp support=no",
		"FEATURE token=5 feature=ip-4 support=ok",
		"FEATURE token=6 feature=ip-6 support=no",
		"FEATURE token=7 feature=teleport support=no",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("responses mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatcher_SetChangesLaterProbes(t *testing.T) {
	h := newHarness(t)

	got := dispatch(h,
		"SET token=1 option=ttl value=7",
		"SET token=2 option=protocol value=udp",
		"SET token=3 option=timeout value=2",
		"PROBE token=4 target=10.0.0.1",
		"PROBE token=5 target=10.0.0.1 ttl=9 tos=16",
	)

	assert.Equal(t, []string{"OK token=1", "OK token=2", "OK token=3"}, got)

	require.Len(t, h.transport.sent, 2)
	first, second := h.transport.sent[0], h.transport.sent[1]
	assert.Equal(t, probe.ProtocolUDP, first.protocol)
	assert.Equal(t, 7, first.ttl)
	assert.Equal(t, 9, second.ttl)
	assert.Equal(t, 16, second.tos)

	// Per-probe options don't leak into the session
	assert.Equal(t, 7, h.dispatcher.Settings().TTL)
	assert.Equal(t, 2*time.Second, h.dispatcher.Settings().Timeout)

	deadline, ok := h.state.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, deadline.Sub(h.clock.now()))
}

func TestDispatcher_DefaultPort(t *testing.T) {
	h := newHarness(t)

	dispatch(h,
		"PROBE token=1 target=10.0.0.1 protocol=udp",
		"PROBE token=2 target=10.0.0.1 protocol=udp port=53",
	)

	require.Len(t, h.transport.sent, 2)
	// Destination port of the UDP header
	assert.Equal(t, []byte{0x82, 0x9a}, h.transport.sent[0].packet[2:4])
	assert.Equal(t, []byte{0x00, 0x35}, h.transport.sent[1].packet[2:4])
}

func TestDispatcher_Errors(t *testing.T) {
	h := newHarness(t)
	h.transport.noIPv6 = true

	h.dispatcher.Dispatch(command.Frame{Err: command.ErrLineTooLong})
	got := dispatch(h,
		"PROBE target=10.0.0.1",
		"PROBE token=1 target=10.0.0.1 ttl=0",
		"PROBE token=2 target=2001:db8::1",
		"SET token=3 option=ttl",
		"garbage",
	)

	want := []string{
		"ERROR reason=line-too-long",
		"ERROR reason=missing-token",
		"ERROR token=1 reason=invalid-argument arg=ttl",
		"ERROR token=2 reason=unsupported-protocol",
		"ERROR token=3 reason=invalid-argument arg=value",
		"ERROR reason=missing-token",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("responses mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, h.state.Outstanding())

	// The failed send is counted in the session statistics
	session, err := h.dispatcher.Recorder().Build(h.clock.now())
	require.NoError(t, err)
	assert.Equal(t, 1, session.Errors)
}
