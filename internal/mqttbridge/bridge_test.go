package mqttbridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrd0ll4r/kaleidoscope/pkg/alloy"
)

func testBridge() *Bridge {
	return &Bridge{prefix: "kaleidoscope/input", logger: zap.NewNop()}
}

func TestDecode(t *testing.T) {
	b := testBridge()

	tests := []struct {
		name    string
		topic   string
		payload string
		addr    alloy.Address
		kind    alloy.EventKind
		value   float64
		errText string
		wantErr bool
	}{
		{
			name: "update", topic: "kaleidoscope/input/42/update", payload: "1234",
			addr: 42, kind: alloy.EventKindUpdate, value: 1234,
		},
		{
			name: "legacy change", topic: "kaleidoscope/input/42/change", payload: "7",
			addr: 42, kind: alloy.EventKindUpdate, value: 7,
		},
		{
			name: "button down", topic: "kaleidoscope/input/1/button_down", payload: "",
			addr: 1, kind: alloy.EventKindButtonDown,
		},
		{
			name: "clicked with duration", topic: "kaleidoscope/input/1/button_clicked", payload: "0.25",
			addr: 1, kind: alloy.EventKindButtonClicked, value: 0.25,
		},
		{
			name: "error event", topic: "kaleidoscope/input/9/error", payload: "sensor offline",
			addr: 9, kind: alloy.EventKindError, errText: "sensor offline",
		},
		{name: "bad kind", topic: "kaleidoscope/input/1/wiggle", wantErr: true},
		{name: "bad address", topic: "kaleidoscope/input/99999/update", payload: "1", wantErr: true},
		{name: "bad shape", topic: "kaleidoscope/input/1", wantErr: true},
		{name: "missing value", topic: "kaleidoscope/input/1/update", payload: "", wantErr: true},
		{name: "non numeric value", topic: "kaleidoscope/input/1/update", payload: "abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := b.decode(tt.topic, []byte(tt.payload))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, ev.Address)
			assert.Equal(t, tt.kind, ev.Event.Kind)
			assert.Equal(t, tt.value, ev.Event.Value)
			assert.Equal(t, tt.errText, ev.Event.Err)
			assert.NotEmpty(t, ev.ID)
		})
	}
}
