package execution

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine("exec-1", "int-1")
	require.Equal(t, StatusPending, m.Status())

	require.NoError(t, m.Transition(StatusInitializing, ""))
	require.NoError(t, m.Transition(StatusRunning, ""))
	m.SetResult(map[string]any{"rows": 3})
	require.NoError(t, m.Transition(StatusCompleted, ""))

	rec := m.Record()
	assert.True(t, m.IsTerminal())
	assert.NotNil(t, rec.CompletedAt)
	assert.Equal(t, map[string]any{"rows": 3}, rec.Result)
	assert.Empty(t, rec.Error)

	hist := m.History()
	require.Len(t, hist, 3)
	assert.Equal(t, StatusPending, hist[0].From)
	assert.Equal(t, StatusCompleted, hist[2].To)
}

func TestMachine_InvalidEdgeLeavesStateUnchanged(t *testing.T) {
	m := NewMachine("exec-1", "int-1")

	err := m.Transition(StatusRunning, "")
	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StatusPending, te.From)
	assert.Equal(t, StatusRunning, te.To)
	assert.ElementsMatch(t, []Status{StatusInitializing, StatusFailed, StatusTerminated}, te.Valid)
	assert.Equal(t, StatusPending, m.Status())
	assert.Empty(t, m.History())
}

// Every state/target pair outside the transition table must be rejected,
// and terminal states must reject everything.
func TestMachine_TransitionTableSoundness(t *testing.T) {
	all := append(ActiveStates(), TerminalStates()...)

	for _, from := range all {
		for _, to := range all {
			m := machineInState(t, from)
			err := m.Transition(to, "probe")
			if CanTransition(from, to) {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				var te *TransitionError
				assert.ErrorAs(t, err, &te, "%s -> %s", from, to)
				assert.Equal(t, from, m.Status())
			}
		}
	}

	for _, s := range TerminalStates() {
		assert.True(t, IsTerminalStatus(s))
		assert.Nil(t, ValidTransitions(s))
	}
}

// machineInState walks a fresh machine to the wanted state.
func machineInState(t *testing.T, s Status) *Machine {
	t.Helper()
	m := NewMachine("exec-t", "int-t")
	path := map[Status][]Status{
		StatusPending:          {},
		StatusInitializing:     {StatusInitializing},
		StatusRunning:          {StatusInitializing, StatusRunning},
		StatusPaused:           {StatusInitializing, StatusRunning, StatusPaused},
		StatusCompleted:        {StatusInitializing, StatusRunning, StatusCompleted},
		StatusFailed:           {StatusFailed},
		StatusTerminated:       {StatusTerminated},
		StatusTimedOut:         {StatusInitializing, StatusRunning, StatusTimedOut},
		StatusResourceExceeded: {StatusInitializing, StatusRunning, StatusResourceExceeded},
	}
	for _, step := range path[s] {
		require.NoError(t, m.Transition(step, ""))
	}
	require.Equal(t, s, m.Status())
	return m
}

func TestMachine_TerminalFailureRecordsError(t *testing.T) {
	m := machineInState(t, StatusRunning)
	require.NoError(t, m.Transition(StatusTimedOut, "deadline exceeded"))

	rec := m.Record()
	assert.Equal(t, "deadline exceeded", rec.Error)
	assert.NotNil(t, rec.CompletedAt)

	// Record is frozen after the terminal transition.
	m.SetResult(map[string]any{"late": true})
	assert.Nil(t, m.Record().Result)
}

func TestMachine_Listeners(t *testing.T) {
	m := NewMachine("exec-1", "int-1")

	var anyEvents, runningEvents []TransitionEvent
	m.SubscribeAny(func(ev TransitionEvent) { anyEvents = append(anyEvents, ev) })
	tok := m.Subscribe(StatusRunning, func(ev TransitionEvent) { runningEvents = append(runningEvents, ev) })

	require.NoError(t, m.Transition(StatusInitializing, ""))
	require.NoError(t, m.Transition(StatusRunning, ""))
	assert.Len(t, anyEvents, 2)
	require.Len(t, runningEvents, 1)
	assert.Equal(t, StatusInitializing, runningEvents[0].From)

	m.Unsubscribe(tok)
	require.NoError(t, m.Transition(StatusPaused, ""))
	require.NoError(t, m.Transition(StatusRunning, ""))
	assert.Len(t, runningEvents, 1)
	assert.Len(t, anyEvents, 4)
}

func TestMachine_ListenerPanicIsolated(t *testing.T) {
	m := NewMachine("exec-1", "int-1")
	m.SubscribeAny(func(TransitionEvent) { panic("bad listener") })

	var seen int
	m.SubscribeAny(func(TransitionEvent) { seen++ })

	require.NoError(t, m.Transition(StatusInitializing, ""))
	assert.Equal(t, StatusInitializing, m.Status())
	assert.Equal(t, 1, seen)
}

func TestMachine_Durations(t *testing.T) {
	m := NewMachine("exec-1", "int-1")
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, m.TotalElapsed(), 5*time.Millisecond)
	assert.GreaterOrEqual(t, m.CurrentStateDuration(), 5*time.Millisecond)

	require.NoError(t, m.Transition(StatusInitializing, ""))
	assert.Less(t, m.CurrentStateDuration(), m.TotalElapsed())
}
