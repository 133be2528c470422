package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/ship-commander/webharness/internal/page/pagetest"
	"github.com/ship-commander/webharness/internal/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestActivateClicksUniqueControl(t *testing.T) {
	t.Parallel()

	fake := pagetest.New().Control("keygen", pagetest.Succeed())
	dispatcher, err := New(fake)
	require.NoError(t, err)

	channel := signal.NewChannel()
	require.NoError(t, dispatcher.Activate(context.Background(), "keygen", channel.Reset()))

	assert.Equal(t, []string{"keygen"}, fake.Activations())
	outcome, ok := channel.Peek()
	require.True(t, ok)
	assert.True(t, outcome.OK())
}

func TestActivateStructuralFailures(t *testing.T) {
	t.Parallel()

	fake := pagetest.New().
		Control("dup", pagetest.Succeed()).
		Control("dup", pagetest.Succeed())
	dispatcher, err := New(fake)
	require.NoError(t, err)

	tests := []struct {
		name       string
		id         string
		wantErr    error
		wantReason string
	}{
		{name: "missing", id: "missing", wantErr: ErrNotFound, wantReason: signal.ReasonNotFound},
		{name: "blank", id: "   ", wantErr: ErrNotFound, wantReason: signal.ReasonNotFound},
		{name: "duplicate", id: "dup", wantErr: ErrAmbiguous, wantReason: signal.ReasonAmbiguous},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := dispatcher.Activate(context.Background(), tt.id, signal.NewChannel().Reset())
			require.ErrorIs(t, err, tt.wantErr)

			var triggerErr *TriggerError
			require.True(t, errors.As(err, &triggerErr))
			assert.Equal(t, tt.wantReason, triggerErr.Reason())
		})
	}

	assert.Empty(t, fake.Activations(), "structural failures must not click anything")
}

func TestActivateWrapsTransportErrors(t *testing.T) {
	t.Parallel()

	fake := pagetest.New().Control("keygen", pagetest.Succeed())
	fake.ActivateErr = errors.New("target crashed")
	dispatcher, err := New(fake)
	require.NoError(t, err)

	err = dispatcher.Activate(context.Background(), "keygen", signal.NewChannel().Reset())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target crashed")

	var triggerErr *TriggerError
	assert.False(t, errors.As(err, &triggerErr), "transport errors are not structural")
}

func TestCountClassifiesMatches(t *testing.T) {
	t.Parallel()

	fake := pagetest.New().Control("one", pagetest.Hang())
	dispatcher, err := New(fake)
	require.NoError(t, err)

	matches, err := dispatcher.Count(context.Background(), "one")
	require.NoError(t, err)
	assert.Equal(t, 1, matches)

	_, err = dispatcher.Count(context.Background(), "none")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, fake.Activations())
}

func TestActivateRecordsSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	fake := pagetest.New()
	dispatcher, err := New(fake, WithTracer(provider.Tracer("test")))
	require.NoError(t, err)

	_ = dispatcher.Activate(context.Background(), "absent", signal.NewChannel().Reset())

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "dispatch.activate", spans[0].Name())
	assert.Equal(t, "Error", spans[0].Status().Code.String())
}

func TestNewRequiresPage(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}
