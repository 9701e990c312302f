package program

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/address"
	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
	"github.com/mrd0ll4r/kaleidoscope/pkg/globals"
	"github.com/mrd0ll4r/kaleidoscope/pkg/params"
)

func testSpace(t *testing.T) *address.Space {
	t.Helper()
	s, err := address.NewSpace(
		[]address.AliasDecl{{Alias: "btn", Address: 1}},
		[]address.AliasDecl{{Alias: "lamp0", Address: 10}, {Alias: "lamp1", Address: 11}},
		[]address.GroupDecl{{Name: "lamps", Outputs: []string{"lamp0", "lamp1"}}},
	)
	require.NoError(t, err)
	return s
}

func load(t *testing.T, source string) (*Program, *params.Registry, *address.Space) {
	t.Helper()
	space := testSpace(t)
	registry := params.NewRegistry()
	p, err := Load(Config{
		Name:     "test",
		Source:   source,
		Space:    space,
		Registry: registry,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	p.SetEnabled(true)
	return p, registry, space
}

func evaluate(t *testing.T, p *Program, notifications ...params.Notification) *Harvest {
	t.Helper()
	h, err := p.Evaluate(TickContext{
		Now:           time.Now(),
		TimeOfDay:     12 * 3600,
		Notifications: notifications,
	})
	require.NoError(t, err)
	return h
}

func TestLoadCollectsSetupValues(t *testing.T) {
	p, _, _ := load(t, `
		function setup() {
			set_priority(7);
			set_slow_mode(true);
			add_input_alias("btn");
			add_output_alias("lamp0");
			add_output_alias("lamp1");
			add_output_alias("lamp0"); // dedup
		}
		function tick(now) {}
	`)

	assert.Equal(t, "test", p.Name())
	assert.Equal(t, 7, p.Priority())
	assert.True(t, p.SlowMode())
	assert.Equal(t, []alloy.Address{10, 11}, p.Outputs())
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"syntax error", `function setup( {`},
		{"missing setup", `function tick(now) {}`},
		{"missing tick", `function setup() {}`},
		{"setup throws", `function setup() { throw new Error("boom"); } function tick(now) {}`},
		{"priority out of range", `function setup() { set_priority(21); } function tick(now) {}`},
		{"unknown output alias", `function setup() { add_output_alias("nope"); } function tick(now) {}`},
		{"unknown input alias", `function setup() { add_input_alias("nope"); } function tick(now) {}`},
		{"unknown group", `function setup() { add_output_group("nope"); } function tick(now) {}`},
		{"unknown event kind", `
			function on_btn(addr, kind, v) {}
			function setup() { add_event_subscription("btn", "wiggled", "on_btn"); }
			function tick(now) {}`},
		{"missing event handler", `
			function setup() { add_event_subscription("btn", "update", "nope"); }
			function tick(now) {}`},
		{"output write during setup", `
			function setup() { add_output_alias("lamp0"); set_alias("lamp0", 1); }
			function tick(now) {}`},
		{"runtime api during setup", `
			function setup() { set_global("k", 1); }
			function tick(now) {}`},
		{"setup api from tick is checked at evaluation", `
			function setup() {}
			function tick(now) { set_priority(1); }`},
	}

	space := testSpace(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(Config{
				Name:     "bad",
				Source:   tt.source,
				Space:    space,
				Registry: params.NewRegistry(),
				Logger:   zap.NewNop(),
			})
			if tt.name == "setup api from tick is checked at evaluation" {
				// Loads fine; the violation surfaces at evaluation time.
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			var se *ScriptError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, ErrorTypeSetup, se.Type)
		})
	}
}

func TestEvaluateHarvestsOutputs(t *testing.T) {
	p, _, _ := load(t, `
		function setup() {
			add_output_alias("lamp0");
			add_output_alias("lamp1");
		}
		function tick(now) {
			set_alias("lamp0", 1000);
			set_alias("lamp1", HIGH);
		}
	`)

	h := evaluate(t, p)
	assert.True(t, h.TickRan)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: 1000, 11: alloy.High}, h.Outputs)
}

func TestOutputBufferClearedEachTick(t *testing.T) {
	p, _, _ := load(t, `
		var first = true;
		function setup() { add_output_alias("lamp0"); }
		function tick(now) {
			if (first) {
				first = false;
				set_alias("lamp0", 123);
			}
		}
	`)

	h := evaluate(t, p)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: 123}, h.Outputs)

	// Not re-written this tick: absent, distinguishing "wrote 0" from
	// "did not write".
	h = evaluate(t, p)
	assert.Empty(t, h.Outputs)
}

func TestSetGroupAndCoercion(t *testing.T) {
	p, _, _ := load(t, `
		function setup() { add_output_group("lamps"); }
		function tick(now) {
			set_group("lamps", 70000); // clamps to HIGH
		}
	`)

	h := evaluate(t, p)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: alloy.High, 11: alloy.High}, h.Outputs)
}

func TestUndeclaredOutputWriteFails(t *testing.T) {
	p, _, _ := load(t, `
		function setup() { add_output_alias("lamp0"); }
		function tick(now) { set_alias("lamp1", 1); }
	`)

	_, err := p.Evaluate(TickContext{Now: time.Now()})
	require.Error(t, err)
	var se *ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, ErrorTypeRuntime, se.Type)
}

func TestInputView(t *testing.T) {
	p, _, space := load(t, `
		var seen = null;
		function setup() {
			add_input_alias("btn");
			add_output_alias("lamp0");
		}
		function tick(now) {
			seen = get_alias("btn");
			if (seen !== null) {
				set_alias("lamp0", seen);
			}
		}
	`)

	// No value known yet: get_alias returns null, no output.
	h := evaluate(t, p)
	assert.Empty(t, h.Outputs)

	require.NoError(t, space.ApplyUpdate(1, 777))
	h = evaluate(t, p)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: 777}, h.Outputs)
}

func TestEventDispatch(t *testing.T) {
	p, _, _ := load(t, `
		var clicks = [];
		function on_click(addr, kind, duration) {
			clicks.push([addr, kind, duration]);
		}
		function setup() {
			add_output_alias("lamp0");
			add_event_subscription("btn", "button_clicked", "on_click");
		}
		function tick(now) { set_alias("lamp0", clicks.length); }
	`)

	// Unsubscribed kinds are dropped at enqueue time.
	assert.False(t, p.Enqueue(alloy.NewAddressedEvent(1, alloy.Event{Kind: alloy.EventKindButtonDown})))
	assert.True(t, p.Enqueue(alloy.NewAddressedEvent(1, alloy.Event{Kind: alloy.EventKindButtonClicked, Value: 0.25})))
	assert.True(t, p.Enqueue(alloy.NewAddressedEvent(1, alloy.Event{Kind: alloy.EventKindButtonClicked, Value: 0.5})))
	assert.Equal(t, 2, p.QueueDepth())

	h := evaluate(t, p)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: 2}, h.Outputs)
	assert.Equal(t, 0, p.QueueDepth())

	// The queue was drained; nothing re-fires.
	h = evaluate(t, p)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: 2}, h.Outputs)
}

func TestDisableClearsQueue(t *testing.T) {
	p, _, _ := load(t, `
		function on_click(addr, kind, duration) {}
		function setup() { add_event_subscription("btn", "button_clicked", "on_click"); }
		function tick(now) {}
	`)

	p.Enqueue(alloy.NewAddressedEvent(1, alloy.Event{Kind: alloy.EventKindButtonClicked, Value: 1}))
	require.Equal(t, 1, p.QueueDepth())
	p.SetEnabled(false)
	assert.Equal(t, 0, p.QueueDepth())
}

func TestParameterDeclarationAndNotification(t *testing.T) {
	p, registry, _ := load(t, `
		var notified = null;
		function on_speed(v) { notified = v; }
		function setup() {
			add_output_alias("lamp0");
			declare_discrete_parameter("speed", "speed selector", [
				{label: "off", value: 0},
				{label: "fast", value: 2},
			], 0, "on_speed");
			declare_continuous_parameter("bright", "brightness", 0, 1, 0.5, "");
		}
		function tick(now) {
			if (notified !== null) { set_alias("lamp0", notified); }
		}
	`)

	infos := registry.Describe("test")
	require.Len(t, infos, 2)
	assert.Equal(t, "speed", infos[0].Name)
	assert.Equal(t, "bright", infos[1].Name)

	require.NoError(t, registry.SetDiscrete("test", "speed", 2))
	ns := registry.DrainNotifications("test")
	require.Len(t, ns, 1)

	h := evaluate(t, p, ns...)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: 2}, h.Outputs)
}

func TestParameterReadsAndBufferedWrites(t *testing.T) {
	p, registry, _ := load(t, `
		function setup() {
			add_output_alias("lamp0");
			declare_continuous_parameter("bright", "", 0, 1, 0.25, "");
		}
		function tick(now) {
			set_alias("lamp0", map_to_value(0, 1, get_parameter_value("bright")));
			set_parameter_value("bright", 0.75);
			increment_foreign_parameter_value("other", "speed", 2);
		}
	`)

	h := evaluate(t, p)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: alloy.MapToValue(0, 1, 0.25)}, h.Outputs)

	// Writes are buffered for the tick boundary, not applied inline.
	require.Len(t, h.ParamWrites, 2)
	assert.Equal(t, ParamWrite{Program: "test", Parameter: "bright", Value: 0.75}, h.ParamWrites[0])
	assert.Equal(t, ParamWrite{Program: "other", Parameter: "speed", Increment: true, Delta: 2}, h.ParamWrites[1])

	v, err := registry.GetContinuous("test", "bright")
	require.NoError(t, err)
	assert.Equal(t, 0.25, v)
}

func TestGlobals(t *testing.T) {
	p, _, _ := load(t, `
		var observed = [];
		function setup() { add_output_alias("lamp0"); }
		function tick(now) {
			observed.push(get_global("k"));
			set_global("k", 7);
			// Own writes are visible within the same tick.
			observed.push(get_global("k"));
			set_alias("lamp0", observed.length);
		}
	`)

	h := evaluate(t, p)
	require.Len(t, h.GlobalDelta, 1)
	assert.Equal(t, globals.Int(7), h.GlobalDelta["k"])

	// The view only changes when the scheduler redistributes.
	p.SetGlobalsView(map[string]globals.Value{"k": globals.Int(7)})
	h = evaluate(t, p)
	assert.Equal(t, globals.Int(7), h.GlobalDelta["k"])
}

func TestEnableDeltas(t *testing.T) {
	p, _, _ := load(t, `
		function setup() {}
		function tick(now) {
			program_enable("a");
			program_disable("b");
			program_enable_toggle("c");
		}
	`)

	h := evaluate(t, p)
	assert.Equal(t, []EnableDelta{
		{Program: "a", Op: EnableOpEnable},
		{Program: "b", Op: EnableOpDisable},
		{Program: "c", Op: EnableOpToggle},
	}, h.EnableDeltas)
}

func TestDisableTick(t *testing.T) {
	p, _, _ := load(t, `
		function setup() { add_output_alias("lamp0"); }
		function tick(now) {
			set_alias("lamp0", 1);
			disable_tick();
		}
	`)

	h := evaluate(t, p)
	assert.True(t, h.TickRan)

	h = evaluate(t, p)
	assert.False(t, h.TickRan)
	assert.Empty(t, h.Outputs)
}

func TestSlowMode(t *testing.T) {
	p, _, _ := load(t, `
		function on_click(addr, kind, duration) {}
		function setup() {
			set_slow_mode(true);
			add_event_subscription("btn", "button_clicked", "on_click");
		}
		function tick(now) {}
	`)

	// Freshly enabled: due.
	require.True(t, p.Due())
	evaluate(t, p)

	// After a run the counter restarts.
	assert.False(t, p.Due())
	for i := 0; i < DefaultSlowModePeriod-2; i++ {
		p.NoteSkipped()
	}
	assert.False(t, p.Due())
	p.NoteSkipped()
	assert.True(t, p.Due())

	// An event wakes it regardless of the counter.
	evaluate(t, p)
	require.False(t, p.Due())
	p.Enqueue(alloy.NewAddressedEvent(1, alloy.Event{Kind: alloy.EventKindButtonClicked, Value: 0.1}))
	assert.True(t, p.Due())
}

func TestFailurePolicy(t *testing.T) {
	p, _, _ := load(t, `
		function setup() {}
		function tick(now) { throw new Error("boom"); }
	`)

	for i := 1; i < DefaultMaxFailures; i++ {
		_, err := p.Evaluate(TickContext{Now: time.Now()})
		require.Error(t, err)
		assert.False(t, p.NoteFailure())
	}
	_, err := p.Evaluate(TickContext{Now: time.Now()})
	require.Error(t, err)
	assert.True(t, p.NoteFailure())
	assert.Equal(t, DefaultMaxFailures, p.ConsecutiveFailures())

	// A success resets the streak.
	p.NoteSuccess()
	assert.Equal(t, 0, p.ConsecutiveFailures())
}

func TestScriptHelpers(t *testing.T) {
	p, _, _ := load(t, `
		var results = null;
		function setup() { add_output_alias("lamp0"); }
		function tick(now) {
			results = {
				clamp: clamp(0, 1, 2),
				lerp: lerp(0, 10, 0.5),
				map_range: map_range(0, 1, 0, 100, 0.25),
				to_value: map_to_value(0, 1, 1),
				from_value: map_from_value(0, 1, HIGH),
				noise: noise2d(0.5, 0.5),
				addr: output_alias_to_address("lamp0"),
				in_addr: input_alias_to_address("btn"),
				group: group_to_addresses("lamps"),
				name: PROGRAM_NAME,
			};
			set_alias("lamp0", results.to_value == HIGH && results.addr == 10 ? 1 : 0);
		}
	`)

	h := evaluate(t, p)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: 1}, h.Outputs)
}

func TestNowAdvances(t *testing.T) {
	p, _, _ := load(t, `
		var seen = [];
		function setup() { add_output_alias("lamp0"); }
		function tick(now) {
			seen.push(now);
			set_alias("lamp0", seen.length > 1 && seen[1] > seen[0] ? 1 : 0);
		}
	`)

	evaluate(t, p)
	time.Sleep(5 * time.Millisecond)
	h := evaluate(t, p)
	assert.Equal(t, map[alloy.Address]alloy.Value{10: 1}, h.Outputs)
}
