package cdp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/ship-commander/webharness/internal/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSignalMode(t *testing.T) {
	t.Parallel()

	for input, want := range map[string]SignalMode{
		"":          ModeBinding,
		"binding":   ModeBinding,
		" Checkbox": ModeCheckbox,
	} {
		got, err := ParseSignalMode(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got, input)
	}

	_, err := ParseSignalMode("carrier-pigeon")
	require.Error(t, err)
}

func TestSelectorExpressionQuotesIdentifiers(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `'#' + CSS.escape("keygen")`, selectorExpression("keygen", ""))
	assert.Equal(t, `'#' + CSS.escape("a\"b")`, selectorExpression(`a"b`, ""))
	assert.Equal(t,
		`'[' + CSS.escape("data-test") + '="' + CSS.escape("keygen") + '"]'`,
		selectorExpression("keygen", "data-test"))
	assert.Equal(t, `document.querySelectorAll('#' + CSS.escape("keygen")).length`, countExpression("keygen", ""))
}

func TestActivateExpressionClicksOnlyUniqueMatch(t *testing.T) {
	t.Parallel()

	expression := activateExpression("keygen", "", false)
	assert.Contains(t, expression, "if (matches.length !== 1) return matches.length;")
	assert.Contains(t, expression, "matches[0].click();")
	assert.NotContains(t, expression, "#testSuccess")

	assert.Contains(t, activateExpression("keygen", "", true), "box.checked = false")
}

func TestRemoteText(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "hello", remoteText(&runtime.RemoteObject{Type: runtime.TypeString, Value: []byte(`"hello"`)}))
	assert.Equal(t, "42", remoteText(&runtime.RemoteObject{Type: runtime.TypeNumber, Value: []byte(`42`)}))
	assert.Equal(t, "Error: boom", remoteText(&runtime.RemoteObject{Type: runtime.TypeObject, Description: "Error: boom"}))
	assert.Equal(t, "undefined", remoteText(&runtime.RemoteObject{Type: runtime.TypeUndefined}))
	assert.Empty(t, remoteText(nil))
}

func stubActions(t *testing.T, fn func(ctx context.Context) error) *[]context.Context {
	t.Helper()
	var mu sync.Mutex
	calls := &[]context.Context{}
	previous := runActions
	runActions = func(ctx context.Context, _ ...chromedp.Action) error {
		mu.Lock()
		*calls = append(*calls, ctx)
		mu.Unlock()
		return fn(ctx)
	}
	t.Cleanup(func() { runActions = previous })
	return calls
}

func TestBrowserOutlivesBoundedActions(t *testing.T) {
	calls := stubActions(t, func(context.Context) error { return nil })

	p, err := Open(context.Background(), "http://127.0.0.1:9/", WithReadyExpression(""))
	require.NoError(t, err)

	channel := signal.NewChannel()
	for _, id := range []string{"compressedCompactPublicKeyTest256BitSmall", "compressedCompactPublicKeyTest256BitBig"} {
		_, err := p.Activate(context.Background(), id, channel.Reset())
		require.NoError(t, err)
	}

	require.Len(t, *calls, 4, "start, open, and one call per activation")
	browserCtx := (*calls)[0]
	assert.True(t, browserCtx == p.tabCtx, "browser starts on the tab context")
	assert.NoError(t, browserCtx.Err(), "browser stays up across actions")
	for _, actionCtx := range (*calls)[1:] {
		assert.Error(t, actionCtx.Err(), "action contexts are released after each call")
	}

	require.NoError(t, p.Close())
	assert.Error(t, browserCtx.Err())
}

func TestOpenAbortsBrowserStartOnCancel(t *testing.T) {
	stubActions(t, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := Open(ctx, "http://127.0.0.1:9/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start browser")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

const fixturePage = `<!doctype html>
<html><body>
<button id="fast" onclick="setTimeout(() => window.__webharnessSignal('success'), 10)">fast</button>
<button id="broken" onclick="window.__webharnessSignal(JSON.stringify({status: 'failure', reason: 'bad key'}))">broken</button>
<button id="boxed" onclick="setTimeout(() => { document.querySelector('#testSuccess').checked = true }, 10)">boxed</button>
<button class="dup" data-test="dup">a</button>
<button class="dup" data-test="dup">b</button>
<input type="checkbox" id="testSuccess"><input type="checkbox" id="testFailure">
<script>setTimeout(() => { window.init_done = true }, 10)</script>
</body></html>`

func TestPageAgainstChrome(t *testing.T) {
	if os.Getenv("WEBHARNESS_CHROME") != "1" {
		t.Skip("set WEBHARNESS_CHROME=1 to run browser tests")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(fixturePage))
	}))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p, err := Open(ctx, server.URL, WithExecPath(os.Getenv("CHROME_BIN")))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	channel := signal.NewChannel()
	matches, err := p.Activate(ctx, "fast", channel.Reset())
	require.NoError(t, err)
	require.Equal(t, 1, matches)
	assert.Equal(t, "Success", awaitOutcome(t, channel).String())

	matches, err = p.Activate(ctx, "broken", channel.Reset())
	require.NoError(t, err)
	require.Equal(t, 1, matches)
	assert.Equal(t, "Failure(bad key)", awaitOutcome(t, channel).String())

	matches, err = p.Count(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, matches)

	require.NoError(t, p.Reload(ctx))
	matches, err = p.Activate(ctx, "fast", channel.Reset())
	require.NoError(t, err)
	require.Equal(t, 1, matches)
	assert.Equal(t, "Success", awaitOutcome(t, channel).String())

	attributePage, err := Open(ctx, server.URL, WithExecPath(os.Getenv("CHROME_BIN")),
		WithControlAttribute("data-test"), WithSignalMode(ModeCheckbox), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = attributePage.Close() })

	matches, err = attributePage.Count(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, 2, matches)

	checkboxPage, err := Open(ctx, server.URL, WithExecPath(os.Getenv("CHROME_BIN")),
		WithSignalMode(ModeCheckbox), WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = checkboxPage.Close() })

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	matches, err = checkboxPage.Activate(runCtx, "boxed", channel.Reset())
	require.NoError(t, err)
	require.Equal(t, 1, matches)
	assert.Equal(t, "Success", awaitOutcome(t, channel).String())
}

func awaitOutcome(t *testing.T, channel *signal.Channel) signal.Outcome {
	t.Helper()
	var outcome signal.Outcome
	require.Eventually(t, func() bool {
		var ok bool
		outcome, ok = channel.Peek()
		return ok
	}, 10*time.Second, 5*time.Millisecond)
	return outcome
}
