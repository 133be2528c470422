package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		payload    string
		wantOK     bool
		wantReason string
		wantValue  string
	}{
		{name: "json success", payload: `{"status":"success"}`, wantOK: true},
		{name: "json success with value", payload: `{"status":"success","value":"42"}`, wantOK: true, wantValue: "42"},
		{name: "json success with object value", payload: `{"status":"success","value":{"bits":256}}`, wantOK: true, wantValue: `{"bits":256}`},
		{name: "json ok flag", payload: `{"ok":true}`, wantOK: true},
		{name: "json ok false", payload: `{"ok":false,"error":"proof rejected"}`, wantReason: "proof rejected"},
		{name: "json failure", payload: `{"status":"failure","reason":"decrypt mismatch"}`, wantReason: "decrypt mismatch"},
		{name: "json failure without reason", payload: `{"status":"failure"}`, wantReason: "page reported failure"},
		{name: "bare success", payload: "success", wantOK: true},
		{name: "quoted success", payload: `"success"`, wantOK: true},
		{name: "bare failure with reason", payload: "failure: worker crashed", wantReason: "worker crashed"},
		{name: "bare failure", payload: "FAIL", wantReason: "page reported failure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			outcome, err := ParsePayload(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOK, outcome.OK())
			if tt.wantOK {
				assert.Equal(t, tt.wantValue, outcome.Value)
				return
			}
			assert.Equal(t, KindComputation, outcome.Kind)
			assert.Equal(t, tt.wantReason, outcome.Reason)
		})
	}
}

func TestParsePayloadRejectsUnknownShapes(t *testing.T) {
	t.Parallel()

	for _, payload := range []string{"", "  ", "maybe", `{"status":"pending"}`, `{"status":`} {
		_, err := ParsePayload(payload)
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestOutcomeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Success", Success("").String())
	assert.Equal(t, "Success(v)", Success("v").String())
	assert.Equal(t, "Failure(timeout)", TimeoutFailure().String())
	assert.Equal(t, KindTimeout, TimeoutFailure().Kind)
}

func TestFailureDefaults(t *testing.T) {
	t.Parallel()

	outcome := Failure(KindNone, "   ")
	assert.Equal(t, KindComputation, outcome.Kind)
	assert.Equal(t, "unspecified failure", outcome.Reason)
	assert.False(t, outcome.OK())
}
